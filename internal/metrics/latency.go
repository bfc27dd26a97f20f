package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// SendLatency keeps streaming send-latency statistics for one run.
// Percentiles come from a fixed-size reservoir (Vitter's Algorithm R), so
// memory stays flat regardless of how many sends a run makes.
type SendLatency struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int

	buckets []int64

	// xorshift64* state, per instance
	randState uint64
}

// DefaultReservoirSize is the number of samples kept for percentiles.
const DefaultReservoirSize = 4096

// bucket upper bounds in milliseconds; the last bucket is open-ended
var sendBucketBounds = []float64{50, 100, 250, 1000}

var sendBucketLabels = []string{"0-50ms", "50-100ms", "100-250ms", "250ms-1s", "1s+"}

// NewSendLatency creates an empty tracker.
func NewSendLatency() *SendLatency {
	return &SendLatency{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(sendBucketBounds)+1),
		randState:     1,
	}
}

// Add records one send. Safe for concurrent use by dispatch tasks.
func (s *SendLatency) Add(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += ms
	if ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
	s.buckets[bucketIndex(ms)]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, ms)
		return
	}
	if j := s.fastRand() % uint64(s.count); j < uint64(s.reservoirSize) {
		s.reservoir[j] = ms
	}
}

func bucketIndex(ms float64) int {
	for i, bound := range sendBucketBounds {
		if ms < bound {
			return i
		}
	}
	return len(sendBucketBounds)
}

func (s *SendLatency) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Snapshot returns the current statistics, or nil before the first sample.
func (s *SendLatency) Snapshot() *types.LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	stats := &types.LatencyStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
	for i, label := range sendBucketLabels {
		stats.Buckets = append(stats.Buckets, types.LatencyBucket{Label: label, Count: int(s.buckets[i])})
	}
	return stats
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
