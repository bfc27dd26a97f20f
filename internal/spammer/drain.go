package spammer

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// DefaultDrainAttempts is the flush budget after the block stream ends.
const DefaultDrainAttempts = 12

// Flusher is the part of the result actor the drain loop needs.
type Flusher interface {
	Flush(ctx context.Context, runID types.RunID, block uint64) (int, error)
}

// drainer repeatedly flushes a run until nothing is buffered or the
// attempt budget is spent.
type drainer struct {
	sink     Flusher
	attempts int
	interval time.Duration
	onTry    func()
	logger   *slog.Logger
}

// run flushes runID starting at block lastBlock. Each further attempt tags
// the flush with the next block number. A flush error consumes an attempt.
// Exhausting the budget is reported in the result, never as an error.
func (d *drainer) run(ctx context.Context, runID types.RunID, lastBlock uint64) types.DrainResult {
	res := types.DrainResult{State: types.StateDraining}
	if !runID.Persistent() {
		res.State = types.StateDone
		return res
	}

	block := lastBlock
	for res.Attempts < d.attempts {
		if res.Attempts > 0 && d.interval > 0 {
			select {
			case <-time.After(d.interval):
			case <-ctx.Done():
				return d.timedOut(res, ctx.Err())
			}
		}

		res.Attempts++
		if d.onTry != nil {
			d.onTry()
		}
		remaining, err := d.sink.Flush(ctx, runID, block)
		if err != nil {
			d.logger.Warn("drain flush failed",
				slog.Int("attempt", res.Attempts),
				slog.Uint64("block", block),
				slog.Any("error", err),
			)
		} else {
			res.Remaining = remaining
			if remaining == 0 {
				res.State = types.StateDone
				return res
			}
		}
		block++
	}
	return d.timedOut(res, nil)
}

func (d *drainer) timedOut(res types.DrainResult, cause error) types.DrainResult {
	res.State = types.StateDone
	res.TimedOut = true
	attrs := []any{slog.Int("attempts", res.Attempts), slog.Int("remaining", res.Remaining)}
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	d.logger.Warn("quitting drain due to timeout", attrs...)
	return res
}
