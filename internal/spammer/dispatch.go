package spammer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/blockspammer/internal/bundle"
	"github.com/gateway-fm/blockspammer/internal/metrics"
	"github.com/gateway-fm/blockspammer/internal/pacer"
	"github.com/gateway-fm/blockspammer/internal/prepare"
	"github.com/gateway-fm/blockspammer/internal/sender"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

// GasPriceStep is added to the base gas price for each batch position.
var GasPriceStep = big.NewInt(1_000_000_000)

// ErrUnknownBlock is returned when the node cannot find an announced block.
var ErrUnknownBlock = errors.New("block not found")

// Metadata keys the dispatcher adds to outcomes.
const (
	MetaStartTimestamp = "start_timestamp"
	MetaBundle         = "bundle"
	// MetaNonceGap lists "sender:nonce" pairs a failed intent consumed
	// without sending.
	MetaNonceGap = "nonce_gap"
)

// nonceGap is a nonce taken from the sender's sequence that never reached
// the network.
type nonceGap struct {
	from  common.Address
	nonce uint64
}

func (g nonceGap) String() string {
	return fmt.Sprintf("%s:%d", g.from.Hex(), g.nonce)
}

// gaps lists the nonces held by the job's prepared transactions plus the
// one named by err, if any.
func gaps(j *job, err error) []nonceGap {
	var out []nonceGap
	if j != nil {
		for _, p := range j.txs {
			out = append(out, nonceGap{from: p.Signer.Address(), nonce: p.Tx.Nonce()})
		}
	}
	var gapErr *prepare.GapError
	if errors.As(err, &gapErr) {
		out = append(out, nonceGap{from: gapErr.From, nonce: gapErr.Nonce})
	}
	return out
}

// job is one prepared intent waiting for a task.
type job struct {
	intent   types.ExecutionIntent
	txs      []*prepare.Prepared
	gasPrice *big.Int
	block    uint64
}

// dispatcher runs the per-block fan-out. Everything except the launched
// tasks runs on the control goroutine.
type dispatcher struct {
	s       *Spammer
	runID   types.RunID
	batches [][]types.ExecutionIntent
	prep    *prepare.Preparer
	send    *sender.Sender
	latency *metrics.SendLatency

	// control goroutine state
	lastBlock  uint64
	firstBlock uint64
	haveBlock  bool
	dispatched int
}

// escalate returns base + position * GasPriceStep.
func escalate(base uint64, position int) *big.Int {
	step := new(big.Int).Mul(GasPriceStep, big.NewInt(int64(position)))
	return step.Add(step, new(big.Int).SetUint64(base))
}

// handleBlock dispatches batch ev.Index against the block ev.Hash and then
// flushes the run's results tagged with the block number.
func (d *dispatcher) handleBlock(ctx context.Context, ev pacer.BlockEvent) error {
	var batch []types.ExecutionIntent
	if ev.Index < len(d.batches) {
		batch = d.batches[ev.Index]
	}

	number, base, err := d.blockContext(ctx, ev.Hash)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.s.logger.Warn("block context unavailable, failing batch",
			slog.String("hash", ev.Hash.Hex()),
			slog.Int("batch", len(batch)),
			slog.Any("error", err),
		)
		for _, intent := range batch {
			d.fail(intent, d.lastBlock, nil, err, nil)
		}
		d.dispatched += len(batch)
		return nil
	}

	if !d.haveBlock {
		d.firstBlock = number
		d.haveBlock = true
	}
	d.lastBlock = number
	d.s.blockSeen(number)
	if d.s.metrics != nil {
		d.s.metrics.BlockObserved(base)
	}
	d.s.logger.Info("new block",
		slog.String("hash", ev.Hash.Hex()),
		slog.Uint64("number", number),
		slog.Int("index", ev.Index),
		slog.Int("batch", len(batch)),
		slog.Uint64("gasPrice", base),
	)

	for i, intent := range batch {
		price := escalate(base, i)
		j, err := d.prepareIntent(ctx, intent, price, number)
		if err != nil {
			if prepare.IsFatal(err) {
				return err
			}
			d.fail(intent, number, price, err, gaps(j, err))
			d.dispatched++
			continue
		}
		if err := d.launch(ctx, j); err != nil {
			d.fail(intent, number, price, err, gaps(j, nil))
		}
		d.dispatched++
	}

	if d.runID.Persistent() {
		if _, err := d.s.results.Flush(ctx, d.runID, number); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.s.logger.Warn("block flush failed", slog.Uint64("block", number), slog.Any("error", err))
		}
	}
	return nil
}

func (d *dispatcher) blockContext(ctx context.Context, hash common.Hash) (uint64, uint64, error) {
	block, err := d.s.client.GetBlockByHash(ctx, hash)
	if err != nil {
		return 0, 0, fmt.Errorf("get block %s: %w", hash.Hex(), err)
	}
	if block == nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownBlock, hash.Hex())
	}
	base, err := d.s.client.GetGasPrice(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("get gas price: %w", err)
	}
	return block.Number, base, nil
}

// prepareIntent signs every request of the intent at price. Bundle members
// all share the position's price. On error the returned job holds the
// members prepared so far.
func (d *dispatcher) prepareIntent(ctx context.Context, intent types.ExecutionIntent, price *big.Int, block uint64) (*job, error) {
	reqs := intent.Requests()
	j := &job{intent: intent, txs: make([]*prepare.Prepared, 0, len(reqs)), gasPrice: price, block: block}
	for _, req := range reqs {
		p, err := d.prep.Prepare(ctx, req, price)
		if err != nil {
			return j, err
		}
		d.s.logger.Debug("sending tx",
			slog.String("from", p.Signer.Address().Hex()),
			slog.Any("to", p.Tx.To()),
			slog.Uint64("nonce", p.Tx.Nonce()),
			slog.String("input", hexutil.Encode(p.Tx.Data())),
		)
		j.txs = append(j.txs, p)
	}
	return j, nil
}

// launch hands the job to a task. Only a cancelled context while waiting
// for a slot returns an error.
func (d *dispatcher) launch(ctx context.Context, j *job) error {
	runID := d.runID
	err := d.send.Go(ctx, func(ctx context.Context) {
		start := time.Now()
		hashes, err := d.submit(ctx, j)
		took := time.Since(start)

		d.latency.Add(took)
		if d.s.metrics != nil {
			d.s.metrics.ObserveSend(j.intent.IsBundle(), took)
			d.s.metrics.SetInFlight(d.send.InFlight() - 1)
		}

		o := d.outcome(j.intent, start, j.block, j.gasPrice)
		if err != nil {
			d.s.logger.Warn("dispatch task failed",
				slog.Uint64("block", j.block),
				slog.Bool("bundle", j.intent.IsBundle()),
				slog.Any("error", err),
			)
			o.Status = types.OutcomeFailed
			o.Error = err.Error()
		} else {
			o.TxHashes = hashes
		}
		d.record(runID, o)
	})
	if err != nil {
		return err
	}
	if d.s.metrics != nil {
		d.s.metrics.IntentDispatched(j.intent.IsBundle())
		d.s.metrics.SetInFlight(d.send.InFlight())
	}
	return nil
}

func (d *dispatcher) submit(ctx context.Context, j *job) ([]common.Hash, error) {
	if !j.intent.IsBundle() {
		hash, err := d.send.SendRaw(ctx, j.txs[0].Raw)
		if err != nil {
			return nil, err
		}
		return []common.Hash{hash}, nil
	}

	b := bundle.Bundle{Txs: make([][]byte, len(j.txs)), TargetBlock: j.block + 1}
	for i, p := range j.txs {
		b.Txs[i] = p.Raw
	}
	if err := d.send.SendBundle(ctx, b); err != nil {
		return nil, err
	}
	return b.Hashes(), nil
}

// fail records a Failed outcome for an intent that never reached a task.
func (d *dispatcher) fail(intent types.ExecutionIntent, block uint64, price *big.Int, cause error, unused []nonceGap) {
	d.s.logger.Warn("intent failed",
		slog.Uint64("block", block),
		slog.Bool("bundle", intent.IsBundle()),
		slog.Any("error", cause),
	)
	o := d.outcome(intent, time.Now(), block, price)
	o.Status = types.OutcomeFailed
	o.Error = cause.Error()
	if len(unused) > 0 {
		pairs := make([]string, len(unused))
		for i, g := range unused {
			pairs[i] = g.String()
			d.s.logger.Warn("nonce gap, later transactions from sender will queue",
				slog.String("from", g.from.Hex()),
				slog.Uint64("nonce", g.nonce),
			)
		}
		o.Metadata[MetaNonceGap] = strings.Join(pairs, ",")
		if d.s.metrics != nil {
			d.s.metrics.NonceGap(len(unused))
		}
	}
	d.record(d.runID, o)
}

func (d *dispatcher) outcome(intent types.ExecutionIntent, start time.Time, block uint64, price *big.Int) types.TxOutcome {
	meta := intent.Metadata().Clone()
	meta[MetaStartTimestamp] = fmt.Sprint(start.UnixMilli())
	if intent.IsBundle() {
		meta[MetaBundle] = fmt.Sprint(intent.Len())
	}
	o := types.TxOutcome{
		Status:           types.OutcomeSent,
		Metadata:         meta,
		StartTimestampMs: start.UnixMilli(),
		SentAtBlock:      block,
	}
	if price != nil && price.IsUint64() {
		o.GasPrice = price.Uint64()
	}
	return o
}

func (d *dispatcher) record(runID types.RunID, o types.TxOutcome) {
	if err := d.s.results.Record(runID, o); err != nil {
		d.s.logger.Error("outcome dropped", slog.Any("error", err))
	}
}
