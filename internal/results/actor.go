// Package results buffers dispatch outcomes per run and flushes them to
// storage. A single goroutine owns the buffer; every access goes through
// its request channel.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/blockspammer/internal/rpc"
	"github.com/gateway-fm/blockspammer/internal/storage"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("result actor closed")

// ReceiptSource looks up receipts for confirmation mode. Missing receipts
// come back as nil entries.
type ReceiptSource interface {
	GetTransactionReceiptsBatch(ctx context.Context, hashes []common.Hash) ([]*rpc.TransactionReceipt, error)
}

// Observer receives counters as the actor works. All methods are called
// from the actor goroutine.
type Observer interface {
	OutcomeRecorded(o types.TxOutcome)
	Flushed(persisted, remaining int, err error)
}

// Stats is a snapshot of the actor's counters.
type Stats struct {
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Buffered    int `json:"buffered"`
	Persisted   int `json:"persisted"`
	Flushes     int `json:"flushes"`
	FlushErrors int `json:"flushErrors"`
}

// Config configures an Actor.
type Config struct {
	Persister storage.Persister
	// Receipts enables confirmation mode: sent outcomes are held until a
	// receipt exists for every hash they carry.
	Receipts ReceiptSource
	Observer Observer
	// QueueSize bounds pending requests (default: 1024).
	QueueSize int
	Logger    *slog.Logger
}

type recordReq struct {
	runID   types.RunID
	outcome types.TxOutcome
}

type flushReq struct {
	ctx   context.Context
	runID types.RunID
	block uint64
	reply chan flushResult
}

type flushResult struct {
	remaining int
	err       error
}

type statsReq struct {
	reply chan Stats
}

// Actor is the single owner of buffered outcomes.
type Actor struct {
	persister storage.Persister
	receipts  ReceiptSource
	observer  Observer
	logger    *slog.Logger

	reqs chan any
	quit chan struct{}
	done chan struct{}

	// mu orders sends on reqs before Close. Senders hold it shared.
	mu     sync.RWMutex
	closed bool

	// owned by loop
	buffers map[types.RunID][]types.TxOutcome
	stats   Stats
}

// New starts an actor goroutine. Call Close to stop it.
func New(cfg Config) *Actor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}

	a := &Actor{
		persister: cfg.Persister,
		receipts:  cfg.Receipts,
		observer:  cfg.Observer,
		logger:    logger,
		reqs:      make(chan any, size),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		buffers:   make(map[types.RunID][]types.TxOutcome),
	}
	go a.loop()
	return a
}

// Record appends an outcome to runID's buffer. For NoRun nothing is
// buffered but counters still move.
func (a *Actor) Record(runID types.RunID, o types.TxOutcome) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	a.reqs <- recordReq{runID: runID, outcome: o}
	return nil
}

// enqueue sends req unless the actor is closed or ctx ends first.
func (a *Actor) enqueue(ctx context.Context, req any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.reqs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush persists everything buffered for runID tagged with block and
// returns how many entries are still buffered. On a storage error nothing
// is removed and the error is returned.
func (a *Actor) Flush(ctx context.Context, runID types.RunID, block uint64) (int, error) {
	reply := make(chan flushResult, 1)
	if err := a.enqueue(ctx, flushReq{ctx: ctx, runID: runID, block: block, reply: reply}); err != nil {
		return 0, err
	}

	select {
	case res := <-reply:
		return res.remaining, res.err
	case <-a.done:
		// The loop answers everything queued before it exits.
		select {
		case res := <-reply:
			return res.remaining, res.err
		default:
			return 0, ErrClosed
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (a *Actor) Stats() Stats {
	reply := make(chan Stats, 1)
	if err := a.enqueue(context.Background(), statsReq{reply: reply}); err != nil {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-a.done:
		select {
		case s := <-reply:
			return s
		default:
			return Stats{}
		}
	}
}

// Close stops the actor. Buffered entries are dropped.
func (a *Actor) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.quit)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			// No sender can be mid-send once quit is closed, so the
			// queue is final.
			for len(a.reqs) > 0 {
				a.handle(<-a.reqs)
			}
			if n := a.buffered(); n > 0 {
				a.logger.Warn("result actor closed with unpersisted outcomes", slog.Int("count", n))
			}
			return
		case req := <-a.reqs:
			a.handle(req)
		}
	}
}

func (a *Actor) handle(req any) {
	switch r := req.(type) {
	case recordReq:
		a.record(r)
	case flushReq:
		remaining, err := a.flush(r.ctx, r.runID, r.block)
		r.reply <- flushResult{remaining: remaining, err: err}
	case statsReq:
		s := a.stats
		s.Buffered = a.buffered()
		r.reply <- s
	}
}

func (a *Actor) record(r recordReq) {
	switch r.outcome.Status {
	case types.OutcomeSent:
		a.stats.Sent++
	case types.OutcomeFailed:
		a.stats.Failed++
	}
	if a.observer != nil {
		a.observer.OutcomeRecorded(r.outcome)
	}
	if !r.runID.Persistent() {
		return
	}
	a.buffers[r.runID] = append(a.buffers[r.runID], r.outcome)
}

func (a *Actor) flush(ctx context.Context, runID types.RunID, block uint64) (int, error) {
	buf := a.buffers[runID]
	if len(buf) == 0 {
		return 0, nil
	}

	ready, held := buf, []types.TxOutcome(nil)
	if a.receipts != nil {
		ready, held = a.confirm(ctx, buf)
	}
	if len(ready) == 0 {
		return len(held), nil
	}

	a.stats.Flushes++
	if err := a.persister.PersistRunTxs(ctx, runID, block, ready); err != nil {
		a.stats.FlushErrors++
		if a.observer != nil {
			a.observer.Flushed(0, len(buf), err)
		}
		return len(buf), fmt.Errorf("persist %d outcomes for run %d: %w", len(ready), runID, err)
	}

	a.stats.Persisted += len(ready)
	if len(held) == 0 {
		delete(a.buffers, runID)
	} else {
		a.buffers[runID] = held
	}
	if a.observer != nil {
		a.observer.Flushed(len(ready), len(held), nil)
	}
	a.logger.Debug("flushed outcomes",
		slog.Uint64("run", uint64(runID)),
		slog.Uint64("block", block),
		slog.Int("persisted", len(ready)),
		slog.Int("remaining", len(held)),
	)
	return len(held), nil
}

// confirm splits buf into outcomes that can be persisted now and those
// still waiting for a receipt. Failed outcomes never wait. A lookup error
// holds every sent outcome.
func (a *Actor) confirm(ctx context.Context, buf []types.TxOutcome) (ready, held []types.TxOutcome) {
	var hashes []common.Hash
	for _, o := range buf {
		if o.Status == types.OutcomeSent && o.IncludedBlock == 0 {
			hashes = append(hashes, o.TxHashes...)
		}
	}

	found := make(map[common.Hash]*rpc.TransactionReceipt, len(hashes))
	if len(hashes) > 0 {
		receipts, err := a.receipts.GetTransactionReceiptsBatch(ctx, hashes)
		if err != nil {
			a.logger.Warn("receipt lookup failed", slog.Int("hashes", len(hashes)), slog.Any("error", err))
		}
		for i, r := range receipts {
			if r != nil && i < len(hashes) {
				found[hashes[i]] = r
			}
		}
	}

	for _, o := range buf {
		if o.Status != types.OutcomeSent || o.IncludedBlock != 0 {
			ready = append(ready, o)
			continue
		}
		if stampReceipts(&o, found) {
			ready = append(ready, o)
		} else {
			held = append(held, o)
		}
	}
	return ready, held
}

// stampReceipts fills inclusion fields from the last member's receipt once
// every member hash has one. Bundle members share a block.
func stampReceipts(o *types.TxOutcome, found map[common.Hash]*rpc.TransactionReceipt) bool {
	if len(o.TxHashes) == 0 {
		return true
	}
	var gasUsed uint64
	var last *rpc.TransactionReceipt
	for _, h := range o.TxHashes {
		r, ok := found[h]
		if !ok {
			return false
		}
		gasUsed += r.GasUsed
		last = r
	}
	o.IncludedBlock = last.BlockNumber
	o.GasUsed = gasUsed
	o.ReceiptStatus = last.Status
	return true
}

func (a *Actor) buffered() int {
	n := 0
	for _, b := range a.buffers {
		n += len(b)
	}
	return n
}
