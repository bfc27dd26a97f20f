// Package nonce tracks the next nonce to use for every sender of a run.
//
// The table is seeded once from the node and then advanced locally. It is
// owned by the control goroutine and is not safe for concurrent use.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// ErrNotRegistered is returned by Next for an address that was never seeded.
// It indicates a configuration bug and aborts the run.
var ErrNotRegistered = errors.New("sender not registered in nonce table")

// seedConcurrency bounds parallel eth_getTransactionCount calls while seeding.
const seedConcurrency = 16

// Source is the part of rpc.Client used to seed the table.
type Source interface {
	GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error)
}

// Table maps sender address to the next nonce to assign.
type Table struct {
	next map[common.Address]uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{next: make(map[common.Address]uint64)}
}

// Register sets the next nonce for addr. Re-registering overwrites.
func (t *Table) Register(addr common.Address, nonce uint64) {
	t.next[addr] = nonce
}

// Next returns the nonce to use for addr and advances the counter.
// A nonce is never handed out twice, even if the send using it fails.
func (t *Table) Next(addr common.Address) (uint64, error) {
	n, ok := t.next[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, addr.Hex())
	}
	t.next[addr] = n + 1
	return n, nil
}

// Peek returns the next nonce for addr without advancing it.
func (t *Table) Peek(addr common.Address) (uint64, bool) {
	n, ok := t.next[addr]
	return n, ok
}

// Len returns the number of registered senders.
func (t *Table) Len() int {
	return len(t.next)
}

// Seed queries the pending nonce of every distinct address exactly once and
// registers it. Queries run in parallel; registration happens on the
// caller's goroutine after all queries succeed.
func (t *Table) Seed(ctx context.Context, client Source, addrs []common.Address, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	unique := make([]common.Address, 0, len(addrs))
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}

	var (
		mu     sync.Mutex
		nonces = make(map[common.Address]uint64, len(unique))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedConcurrency)
	for _, addr := range unique {
		g.Go(func() error {
			n, err := client.GetTransactionCount(gctx, addr, "pending")
			if err != nil {
				return fmt.Errorf("nonce for %s: %w", addr.Hex(), err)
			}
			mu.Lock()
			nonces[addr] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for addr, n := range nonces {
		t.Register(addr, n)
		logger.Debug("nonce seeded",
			slog.String("address", addr.Hex()),
			slog.Uint64("nonce", n),
		)
	}
	logger.Info("nonces seeded", slog.Int("senders", len(nonces)))
	return nil
}
