// Package metrics exposes spam run counters to Prometheus and tracks send
// latency for run summaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// Metrics holds all Prometheus metrics for the spammer.
type Metrics struct {
	// Transaction counters
	TxTotal     *prometheus.CounterVec
	IntentTotal *prometheus.CounterVec

	// Block pacing
	BlocksObserved prometheus.Counter
	BaseGasPrice   prometheus.Gauge

	// Result actor
	FlushTotal       *prometheus.CounterVec
	BufferedOutcomes prometheus.Gauge
	DrainAttempts    prometheus.Counter

	// Dispatch
	TasksInFlight prometheus.Gauge
	GasEstimates  *prometheus.CounterVec
	NonceGaps     prometheus.Counter
	RunStatus     *prometheus.GaugeVec

	// Histograms
	RPCLatency  *prometheus.HistogramVec
	SendLatency *prometheus.HistogramVec
}

// New creates and registers all metrics on reg (default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spammer_outcomes_total",
				Help: "Dispatch outcomes by status and kind",
			},
			[]string{"status", "kind"},
		),

		IntentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spammer_intents_dispatched_total",
				Help: "Intents dispatched by shape (single or bundle)",
			},
			[]string{"shape"},
		),

		BlocksObserved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spammer_blocks_observed_total",
				Help: "Block events handled by the pacer",
			},
		),

		BaseGasPrice: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spammer_base_gas_price_wei",
				Help: "Gas price fetched for the latest block",
			},
		),

		FlushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spammer_flushes_total",
				Help: "Result flushes by result",
			},
			[]string{"result"},
		),

		BufferedOutcomes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spammer_buffered_outcomes",
				Help: "Outcomes still buffered after the last flush",
			},
		),

		DrainAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spammer_drain_attempts_total",
				Help: "Flush attempts made while draining",
			},
		),

		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spammer_tasks_in_flight",
				Help: "Dispatch tasks currently running",
			},
		),

		GasEstimates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spammer_gas_estimates_total",
				Help: "eth_estimateGas calls by selector",
			},
			[]string{"selector"},
		),

		NonceGaps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spammer_nonce_gaps_total",
				Help: "Nonces consumed by intents that never reached the network",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spammer_run_state",
				Help: "Current run state (1 if active, 0 otherwise)",
			},
			[]string{"state"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spammer_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		SendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spammer_send_latency_seconds",
				Help:    "Time from task start to send response, by shape",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"shape"},
		),
	}
}

// OutcomeRecorded counts one dispatch outcome.
func (m *Metrics) OutcomeRecorded(o types.TxOutcome) {
	kind := o.Kind()
	if kind == "" {
		kind = "unknown"
	}
	m.TxTotal.WithLabelValues(string(o.Status), kind).Inc()
}

// Flushed records a flush result and the buffer size left behind.
func (m *Metrics) Flushed(persisted, remaining int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FlushTotal.WithLabelValues(result).Inc()
	m.BufferedOutcomes.Set(float64(remaining))
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_chainId":                     true,
	"eth_gasPrice":                    true,
	"eth_getTransactionCount":         true,
	"eth_estimateGas":                 true,
	"eth_getBlockByHash":              true,
	"eth_sendRawTransaction":          true,
	"eth_sendBundle":                  true,
	"eth_getBalance":                  true,
	"eth_getTransactionReceipt":       true,
	"eth_newBlockFilter":              true,
	"eth_getFilterChanges":            true,
	"batch:eth_getTransactionReceipt": true,
}

// ObserveRPC records RPC call latency. It matches rpc.ObserveFunc.
func (m *Metrics) ObserveRPC(method string, took time.Duration, err error) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketed := method
	if !knownRPCMethods[method] {
		bucketed = "other"
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketed, status).Observe(took.Seconds())
}

// ObserveSend records how long one send or bundle submission took.
func (m *Metrics) ObserveSend(bundle bool, took time.Duration) {
	m.SendLatency.WithLabelValues(shape(bundle)).Observe(took.Seconds())
}

// IntentDispatched counts an intent handed to a task.
func (m *Metrics) IntentDispatched(bundle bool) {
	m.IntentTotal.WithLabelValues(shape(bundle)).Inc()
}

// BlockObserved counts a block event and records its base gas price.
func (m *Metrics) BlockObserved(gasPrice uint64) {
	m.BlocksObserved.Inc()
	m.BaseGasPrice.Set(float64(gasPrice))
}

// GasEstimated counts one estimate RPC for the given selector label.
func (m *Metrics) GasEstimated(selector string) {
	m.GasEstimates.WithLabelValues(selector).Inc()
}

// NonceGap counts n nonces left unused by failed intents.
func (m *Metrics) NonceGap(n int) {
	m.NonceGaps.Add(float64(n))
}

// DrainAttempt counts a drain flush.
func (m *Metrics) DrainAttempt() {
	m.DrainAttempts.Inc()
}

// SetInFlight updates the in-flight task gauge.
func (m *Metrics) SetInFlight(n int) {
	m.TasksInFlight.Set(float64(n))
}

// SetRunState marks state active and clears the others.
func (m *Metrics) SetRunState(state types.DrainState) {
	for _, s := range []types.DrainState{types.StateStreaming, types.StateAwaitingTasks, types.StateDraining, types.StateDone} {
		m.RunStatus.WithLabelValues(string(s)).Set(0)
	}
	m.RunStatus.WithLabelValues(string(state)).Set(1)
}

func shape(bundle bool) string {
	if bundle {
		return "bundle"
	}
	return "single"
}
