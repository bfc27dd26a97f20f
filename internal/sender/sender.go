// Package sender runs dispatch tasks concurrently and carries their
// transactions to the network.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/blockspammer/internal/bundle"
)

// ErrAtCapacity is returned by TryGo when every task slot is taken.
var ErrAtCapacity = errors.New("sender at capacity")

// RawSender submits a signed transaction.
type RawSender interface {
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)
}

// Task is one unit of concurrent work.
type Task func(ctx context.Context)

// Sender launches tasks, optionally bounded by a semaphore.
type Sender struct {
	client    RawSender
	bundles   bundle.Submitter
	semaphore chan struct{} // nil when unbounded
	wg        sync.WaitGroup
	inFlight  atomic.Int64
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Client RawSender
	// Bundles submits multi-transaction intents (default: bundle.Disabled).
	Bundles bundle.Submitter
	// MaxInFlight caps concurrent tasks. Zero means one goroutine per task
	// with no cap.
	MaxInFlight int
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bundles := cfg.Bundles
	if bundles == nil {
		bundles = bundle.Disabled{}
	}

	s := &Sender{
		client:  cfg.Client,
		bundles: bundles,
		logger:  logger,
	}
	if cfg.MaxInFlight > 0 {
		s.semaphore = make(chan struct{}, cfg.MaxInFlight)
	}
	return s
}

// Go runs task on its own goroutine. When capped, Go blocks until a slot
// frees up or ctx is done.
func (s *Sender) Go(ctx context.Context, task Task) error {
	if s.semaphore != nil {
		select {
		case s.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.start(ctx, task)
	return nil
}

// TryGo is Go without waiting. Returns ErrAtCapacity when capped and full.
func (s *Sender) TryGo(ctx context.Context, task Task) error {
	if s.semaphore != nil {
		select {
		case s.semaphore <- struct{}{}:
		default:
			return ErrAtCapacity
		}
	}
	s.start(ctx, task)
	return nil
}

func (s *Sender) start(ctx context.Context, task Task) {
	s.wg.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer func() {
			s.inFlight.Add(-1)
			if s.semaphore != nil {
				<-s.semaphore
			}
			s.wg.Done()
		}()
		task(ctx)
	}()
}

// Wait blocks until every launched task has returned.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// SendRaw submits one signed transaction.
func (s *Sender) SendRaw(ctx context.Context, raw []byte) (common.Hash, error) {
	hash, err := s.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send raw transaction: %w", err)
	}
	return hash, nil
}

// SendBundle submits b as one atomic call to the configured venue.
func (s *Sender) SendBundle(ctx context.Context, b bundle.Bundle) error {
	resp, err := s.bundles.SendBundle(ctx, b)
	if err != nil {
		return fmt.Errorf("send bundle via %s: %w", s.bundles.Name(), err)
	}
	s.logger.Debug("bundle accepted",
		slog.String("venue", s.bundles.Name()),
		slog.Int("txs", len(b.Txs)),
		slog.Uint64("targetBlock", b.TargetBlock),
		slog.String("response", string(resp)),
	)
	return nil
}

// Capacity returns the task cap, or zero when unbounded.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of running tasks.
func (s *Sender) InFlight() int {
	return int(s.inFlight.Load())
}
