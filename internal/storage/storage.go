// Package storage persists spam runs and their per-transaction outcomes.
package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Persister is the write path used by the result actor.
type Persister interface {
	// PersistRunTxs stores outcomes for runID, tagged with the block
	// number the flush was issued for. All rows land or none do.
	PersistRunTxs(ctx context.Context, runID types.RunID, block uint64, outcomes []types.TxOutcome) error
}

// Storage defines the persistence interface for spam runs.
type Storage interface {
	Persister
	ContractCache

	// Run lifecycle
	CreateRun(ctx context.Context, run *types.Run) (types.RunID, error)
	CompleteRun(ctx context.Context, id types.RunID, summary *types.RunSummary) error
	FailRun(ctx context.Context, id types.RunID, summary *types.RunSummary, reason string) error
	GetRun(ctx context.Context, id types.RunID) (*types.Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id types.RunID) error

	// Outcome queries
	GetRunTxs(ctx context.Context, id types.RunID, limit, offset int) (*PaginatedRunTxs, error)
	GetRunTxByHash(ctx context.Context, hash string) (*types.RunTx, error)

	// Lifecycle
	Close() error
}

// PaginatedRuns is a page of runs.
type PaginatedRuns struct {
	Runs   []types.Run `json:"runs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// PaginatedRunTxs is a page of persisted outcomes.
type PaginatedRunTxs struct {
	Txs    []types.RunTx `json:"txs"`
	Total  int           `json:"total"`
	Sent   int           `json:"sent"`
	Failed int           `json:"failed"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
