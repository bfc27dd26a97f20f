// Package types contains public API types for the block spammer.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxKind labels what a generated request does.
type TxKind string

const (
	KindTransfer     TxKind = "eth-transfer"
	KindStorageWrite TxKind = "storage-write"
	KindERC20        TxKind = "erc20-transfer"
	KindCall         TxKind = "call"
)

// MetaKind is the metadata key carrying the request kind.
const MetaKind = "kind"

// Metadata is free-form key/value tagging attached to an intent and copied
// onto every outcome produced for it.
type Metadata map[string]string

// Clone returns an independent copy of m.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TxRequest is a raw transaction request as produced by the generation layer.
// Nonce, gas price, gas limit and chain id are filled in during preparation.
type TxRequest struct {
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Value *big.Int        `json:"value,omitempty"`
	Data  []byte          `json:"data,omitempty"`
	Kind  TxKind          `json:"kind,omitempty"`
}

// IntentKind distinguishes single transactions from bundles.
type IntentKind string

const (
	IntentSingle IntentKind = "single"
	IntentBundle IntentKind = "bundle"
)

// ErrEmptyBundle is returned when building a bundle with no members.
var ErrEmptyBundle = errors.New("bundle has no transactions")

// ExecutionIntent is one unit of dispatch: a single transaction or an
// ordered bundle that must be submitted atomically.
type ExecutionIntent struct {
	kind     IntentKind
	txs      []TxRequest
	metadata Metadata
}

// NewSingle builds a single-transaction intent.
func NewSingle(req TxRequest, meta Metadata) ExecutionIntent {
	return ExecutionIntent{
		kind:     IntentSingle,
		txs:      []TxRequest{req},
		metadata: withKind(meta, req.Kind),
	}
}

// NewBundle builds an ordered bundle intent. Member order is preserved.
func NewBundle(reqs []TxRequest, meta Metadata) (ExecutionIntent, error) {
	if len(reqs) == 0 {
		return ExecutionIntent{}, ErrEmptyBundle
	}
	txs := make([]TxRequest, len(reqs))
	copy(txs, reqs)
	return ExecutionIntent{
		kind:     IntentBundle,
		txs:      txs,
		metadata: withKind(meta, reqs[0].Kind),
	}, nil
}

func withKind(meta Metadata, kind TxKind) Metadata {
	out := meta.Clone()
	if _, ok := out[MetaKind]; !ok && kind != "" {
		out[MetaKind] = string(kind)
	}
	return out
}

// Kind reports whether the intent is a single transaction or a bundle.
func (i ExecutionIntent) Kind() IntentKind { return i.kind }

// IsBundle reports whether the intent is a bundle.
func (i ExecutionIntent) IsBundle() bool { return i.kind == IntentBundle }

// Requests returns a copy of the intent's requests in submission order.
// Pointer fields are shared and must be treated as read-only.
func (i ExecutionIntent) Requests() []TxRequest {
	out := make([]TxRequest, len(i.txs))
	copy(out, i.txs)
	return out
}

// Len returns the number of requests in the intent.
func (i ExecutionIntent) Len() int { return len(i.txs) }

// Metadata returns the intent's tags.
func (i ExecutionIntent) Metadata() Metadata { return i.metadata }

// RunID identifies a persisted run. NoRun means dry-run mode.
type RunID uint64

// NoRun disables result persistence.
const NoRun RunID = 0

// Persistent reports whether results of this run are stored.
func (id RunID) Persistent() bool { return id != NoRun }

// OutcomeStatus is the terminal state of a dispatch task.
type OutcomeStatus string

const (
	OutcomeSent   OutcomeStatus = "sent"
	OutcomeFailed OutcomeStatus = "failed"
)

// TxOutcome is the result of one dispatch task. A bundle produces a single
// outcome carrying every member hash.
type TxOutcome struct {
	Status           OutcomeStatus `json:"status"`
	TxHashes         []common.Hash `json:"txHashes,omitempty"`
	Metadata         Metadata      `json:"metadata,omitempty"`
	StartTimestampMs int64         `json:"startTimestampMs"`
	SentAtBlock      uint64        `json:"sentAtBlock"`
	GasPrice         uint64        `json:"gasPrice"`
	Error            string        `json:"error,omitempty"`

	// Filled when receipt confirmation is enabled.
	IncludedBlock uint64 `json:"includedBlock,omitempty"`
	GasUsed       uint64 `json:"gasUsed,omitempty"`
	ReceiptStatus uint64 `json:"receiptStatus,omitempty"`
}

// Kind returns the kind tag of the outcome.
func (o TxOutcome) Kind() string { return o.Metadata[MetaKind] }

// DrainState is the lifecycle position of a run.
type DrainState string

const (
	StateStreaming     DrainState = "streaming"
	StateAwaitingTasks DrainState = "awaiting_tasks"
	StateDraining      DrainState = "draining"
	StateDone          DrainState = "done"
)

// DrainResult describes how the final flush loop ended.
type DrainResult struct {
	State     DrainState `json:"state"`
	Attempts  int        `json:"attempts"`
	Remaining int        `json:"remaining"`
	TimedOut  bool       `json:"timedOut"`
}

// RunSummary is returned by a completed run.
type RunSummary struct {
	RunID          RunID         `json:"runId"`
	BlocksObserved int           `json:"blocksObserved"`
	FirstBlock     uint64        `json:"firstBlock"`
	LastBlock      uint64        `json:"lastBlock"`
	Intents        int           `json:"intents"`
	Dispatched     int           `json:"dispatched"`
	Sent           int           `json:"sent"`
	Failed         int           `json:"failed"`
	Drain          DrainResult   `json:"drain"`
	Duration       Duration      `json:"duration"`
	SendLatency    *LatencyStats `json:"sendLatency,omitempty"`
}

// LatencyStats summarizes send latency in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets,omitempty"`
}

// LatencyBucket is one histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Duration marshals as a string such as "1m30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// LiveStatus is the in-progress view of the current run.
type LiveStatus struct {
	RunID     RunID      `json:"runId"`
	State     DrainState `json:"state"`
	Blocks    int        `json:"blocks"`
	LastBlock uint64     `json:"lastBlock"`
	InFlight  int        `json:"inFlight"`
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Buffered  int        `json:"buffered"`
	Persisted int        `json:"persisted"`
}

// Active reports whether a run is between start and done.
func (s LiveStatus) Active() bool {
	return s.State != "" && s.State != StateDone
}

// RunStatus is the lifecycle status of a stored run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// Run is a stored run record.
type Run struct {
	ID          RunID       `json:"id"`
	Name        string      `json:"name"`
	Status      RunStatus   `json:"status"`
	TxsPerBlock int         `json:"txsPerBlock"`
	NumBlocks   int         `json:"numBlocks"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Summary     *RunSummary `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// RunTx is a persisted outcome row.
type RunTx struct {
	RunID      RunID     `json:"runId"`
	FlushBlock uint64    `json:"flushBlock"`
	Outcome    TxOutcome `json:"outcome"`
}
