// Package pacer turns a new-head stream into a bounded sequence of block
// events, handled one at a time in arrival order.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/blockspammer/internal/heads"
)

// ErrSubscribe wraps a failure to start the head stream. Without a block
// feed pacing is impossible, so callers treat it as fatal.
var ErrSubscribe = errors.New("block subscription failed")

// BlockEvent is one observed block. Index counts events from zero.
type BlockEvent struct {
	Index int
	Hash  common.Hash
}

// Handler processes one block event. Returning an error stops the pacer.
type Handler func(ctx context.Context, ev BlockEvent) error

// Pacer releases one event per new block hash.
type Pacer struct {
	src    heads.Source
	logger *slog.Logger
}

// Config configures a Pacer.
type Config struct {
	Source heads.Source
	Logger *slog.Logger
}

// New creates a Pacer.
func New(cfg Config) *Pacer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{src: cfg.Source, logger: logger}
}

// Run subscribes to new heads and calls fn synchronously for each of the
// first n distinct block hashes. Event i is handled to completion before
// event i+1 is read, so batch i always pairs with block event i.
//
// Run returns the number of events handled. A stream error after a
// successful subscription ends the run early without an error; a handler
// error or context cancellation is returned.
func (p *Pacer) Run(ctx context.Context, n int, fn Handler) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	ch := make(chan common.Hash)
	sub, err := p.src.SubscribeNewHeads(ctx, ch)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	defer sub.Unsubscribe()

	seen := make(map[common.Hash]struct{}, n)
	observed := 0
	for observed < n {
		select {
		case <-ctx.Done():
			return observed, ctx.Err()

		case err := <-sub.Err():
			p.logger.Warn("block stream ended early",
				slog.Int("observed", observed),
				slog.Int("wanted", n),
				slog.Any("error", err),
			)
			return observed, nil

		case hash := <-ch:
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}

			if err := fn(ctx, BlockEvent{Index: observed, Hash: hash}); err != nil {
				return observed, err
			}
			observed++
		}
	}
	return observed, nil
}
