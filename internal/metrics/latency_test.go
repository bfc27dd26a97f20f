package metrics

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

func TestSendLatency_Basic(t *testing.T) {
	s := NewSendLatency()

	for i := 0; i < 100; i++ {
		s.Add(time.Duration(i) * time.Millisecond)
	}

	stats := s.Snapshot()
	if stats == nil {
		t.Fatal("expected non-nil stats")
	}
	if stats.Count != 100 {
		t.Errorf("expected count 100, got %d", stats.Count)
	}
	if stats.Min != 0 || stats.Max != 99 {
		t.Errorf("min/max = %f/%f, want 0/99", stats.Min, stats.Max)
	}
	if math.Abs(stats.Avg-49.5) > 0.1 {
		t.Errorf("expected avg ~49.5, got %f", stats.Avg)
	}
	if math.Abs(stats.P50-49.5) > 2 {
		t.Errorf("expected p50 ~49.5, got %f", stats.P50)
	}
}

func TestSendLatency_Empty(t *testing.T) {
	if stats := NewSendLatency().Snapshot(); stats != nil {
		t.Error("expected nil stats for empty tracker")
	}
}

func TestSendLatency_Buckets(t *testing.T) {
	s := NewSendLatency()

	for i := 0; i < 10; i++ {
		s.Add(20 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		s.Add(75 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		s.Add(2 * time.Second)
	}

	stats := s.Snapshot()
	if len(stats.Buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(stats.Buckets))
	}
	want := []int{10, 5, 0, 0, 3}
	for i, w := range want {
		if stats.Buckets[i].Count != w {
			t.Errorf("bucket %s = %d, want %d", stats.Buckets[i].Label, stats.Buckets[i].Count, w)
		}
	}
}

func TestSendLatency_Concurrent(t *testing.T) {
	s := NewSendLatency()

	var wg sync.WaitGroup
	const goroutines, perGoroutine = 10, 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				s.Add(time.Duration(id*100+j%100) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Snapshot().Count; got != goroutines*perGoroutine {
		t.Errorf("count = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OutcomeRecorded(types.TxOutcome{Status: types.OutcomeSent, Metadata: types.Metadata{types.MetaKind: "eth-transfer"}})
	m.OutcomeRecorded(types.TxOutcome{Status: types.OutcomeFailed})
	m.Flushed(2, 1, nil)
	m.Flushed(0, 3, errors.New("locked"))
	m.ObserveRPC("eth_someCustomMethod", time.Millisecond, nil)
	m.SetRunState(types.StateDraining)
	m.NonceGap(2)

	if got := value(t, m.TxTotal.WithLabelValues("sent", "eth-transfer")); got != 1 {
		t.Errorf("sent counter = %v, want 1", got)
	}
	if got := value(t, m.TxTotal.WithLabelValues("failed", "unknown")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
	if got := value(t, m.FlushTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("flush errors = %v, want 1", got)
	}
	if got := value(t, m.BufferedOutcomes); got != 3 {
		t.Errorf("buffered = %v, want 3", got)
	}
	if got := value(t, m.NonceGaps); got != 2 {
		t.Errorf("nonce gaps = %v, want 2", got)
	}
	var h dto.Metric
	if err := m.RPCLatency.WithLabelValues("other", "success").(prometheus.Metric).Write(&h); err != nil {
		t.Fatal(err)
	}
	if got := h.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("rpc latency samples for other = %d, want 1", got)
	}
	if got := value(t, m.RunStatus.WithLabelValues("draining")); got != 1 {
		t.Errorf("draining state = %v, want 1", got)
	}
	if got := value(t, m.RunStatus.WithLabelValues("streaming")); got != 0 {
		t.Errorf("streaming state = %v, want 0", got)
	}
}

// value reads the current value of a counter or gauge.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if c := out.GetCounter(); c != nil {
		return c.GetValue()
	}
	return out.GetGauge().GetValue()
}

func BenchmarkSendLatency_Add(b *testing.B) {
	s := NewSendLatency()
	for i := 0; i < b.N; i++ {
		s.Add(time.Duration(i%1000) * time.Millisecond)
	}
}
