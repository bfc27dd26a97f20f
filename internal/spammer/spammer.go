// Package spammer drives a block-paced spam run: intents are chunked into
// per-block batches, prepared on a single control goroutine, sent by
// concurrent tasks, and their outcomes flushed to storage block by block.
package spammer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/blockspammer/internal/account"
	"github.com/gateway-fm/blockspammer/internal/bundle"
	"github.com/gateway-fm/blockspammer/internal/gaslimit"
	"github.com/gateway-fm/blockspammer/internal/generator"
	"github.com/gateway-fm/blockspammer/internal/heads"
	"github.com/gateway-fm/blockspammer/internal/metrics"
	"github.com/gateway-fm/blockspammer/internal/nonce"
	"github.com/gateway-fm/blockspammer/internal/pacer"
	"github.com/gateway-fm/blockspammer/internal/prepare"
	"github.com/gateway-fm/blockspammer/internal/results"
	"github.com/gateway-fm/blockspammer/internal/rpc"
	"github.com/gateway-fm/blockspammer/internal/sender"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

var (
	// ErrInvalidShape is returned for non-positive block or batch sizes.
	ErrInvalidShape = errors.New("txs per block and block count must be positive")

	// ErrChainID wraps a failed chain id lookup.
	ErrChainID = errors.New("chain id unavailable")

	// ErrNonceSeed wraps a failed nonce lookup during setup.
	ErrNonceSeed = errors.New("nonce seeding failed")
)

// Client is the network surface a run needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	GetGasPrice(ctx context.Context) (uint64, error)
	GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error)
	EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error)
	GetBlockByHash(ctx context.Context, hash common.Hash) (*rpc.Block, error)
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)
}

// Results is the result actor as seen by a run.
type Results interface {
	Flusher
	Record(runID types.RunID, o types.TxOutcome) error
	Stats() results.Stats
}

// Config configures a Spammer.
type Config struct {
	Client    Client
	Heads     heads.Source
	Wallet    *account.Wallet
	Generator generator.Generator
	Results   Results
	// Bundles submits bundle intents (default: bundle.Disabled).
	Bundles bundle.Submitter
	// MaxInFlight caps concurrent tasks; zero is unbounded.
	MaxInFlight int
	// DrainAttempts is the post-stream flush budget (default: 12).
	DrainAttempts int
	// DrainInterval is the pause between drain attempts.
	DrainInterval time.Duration
	// Legacy builds type-0 transactions instead of EIP-1559.
	Legacy  bool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Spammer runs spam sessions. A Spammer may run several sessions in turn;
// each gets fresh nonce and gas-limit state.
type Spammer struct {
	client        Client
	heads         heads.Source
	wallet        *account.Wallet
	gen           generator.Generator
	results       Results
	bundles       bundle.Submitter
	maxInFlight   int
	drainAttempts int
	drainInterval time.Duration
	legacy        bool
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu   sync.Mutex
	live liveRun
}

// liveRun is what Status reports about the current or last run.
type liveRun struct {
	runID     types.RunID
	state     types.DrainState
	blocks    int
	lastBlock uint64
	send      *sender.Sender
	before    results.Stats
}

// New creates a Spammer.
func New(cfg Config) *Spammer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.DrainAttempts
	if attempts <= 0 {
		attempts = DefaultDrainAttempts
	}
	bundles := cfg.Bundles
	if bundles == nil {
		bundles = bundle.Disabled{}
	}

	return &Spammer{
		client:        cfg.Client,
		heads:         cfg.Heads,
		wallet:        cfg.Wallet,
		gen:           cfg.Generator,
		results:       cfg.Results,
		bundles:       bundles,
		maxInFlight:   cfg.MaxInFlight,
		drainAttempts: attempts,
		drainInterval: cfg.DrainInterval,
		legacy:        cfg.Legacy,
		metrics:       cfg.Metrics,
		logger:        logger,
	}
}

// Run sends txsPerBlock intents on each of the next numBlocks blocks and
// persists outcomes under runID (types.NoRun for a dry run).
//
// Setup failures, subscription failures and fatal preparation errors are
// returned as errors. Per-intent failures show up only as Failed outcomes.
// If ctx is cancelled the stream stops, in-flight tasks finish, results are
// drained, and the summary is returned together with the context error.
func (s *Spammer) Run(ctx context.Context, txsPerBlock, numBlocks int, runID types.RunID) (*types.RunSummary, error) {
	if txsPerBlock <= 0 || numBlocks <= 0 {
		return nil, ErrInvalidShape
	}
	started := time.Now()
	before := s.results.Stats()
	s.mu.Lock()
	s.live = liveRun{runID: runID, before: before}
	s.mu.Unlock()
	s.setState(types.StateStreaming)
	defer s.setState(types.StateDone)

	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChainID, err)
	}

	intents, err := s.gen.Intents(ctx, txsPerBlock*numBlocks)
	if err != nil {
		return nil, fmt.Errorf("generate intents: %w", err)
	}
	batches := chunk(intents, txsPerBlock)

	nonces := nonce.NewTable()
	if err := nonces.Seed(ctx, s.client, senders(intents), s.logger); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNonceSeed, err)
	}

	gasLimits := gaslimit.New(s.client)
	if s.metrics != nil {
		gasLimits.OnEstimate(func(k gaslimit.Key) { s.metrics.GasEstimated(k.String()) })
	}

	d := &dispatcher{
		s:       s,
		runID:   runID,
		batches: batches,
		latency: metrics.NewSendLatency(),
		prep: prepare.New(prepare.Config{
			Nonces:    nonces,
			GasLimits: gasLimits,
			Wallet:    s.wallet,
			ChainID:   chainID,
			Legacy:    s.legacy,
		}),
		send: sender.New(sender.Config{
			Client:      s.client,
			Bundles:     s.bundles,
			MaxInFlight: s.maxInFlight,
			Logger:      s.logger,
		}),
	}

	s.mu.Lock()
	s.live.send = d.send
	s.mu.Unlock()

	s.logger.Info("spam run starting",
		slog.Uint64("run", uint64(runID)),
		slog.String("chainId", chainID.String()),
		slog.Int("txsPerBlock", txsPerBlock),
		slog.Int("blocks", numBlocks),
		slog.Int("intents", len(intents)),
		slog.Int("senders", nonces.Len()),
	)

	observed, streamErr := pacer.New(pacer.Config{Source: s.heads, Logger: s.logger}).Run(ctx, numBlocks, d.handleBlock)

	s.setState(types.StateAwaitingTasks)
	d.send.Wait()

	if errors.Is(streamErr, pacer.ErrSubscribe) {
		return nil, streamErr
	}

	s.setState(types.StateDraining)
	dr := &drainer{
		sink:     s.results,
		attempts: s.drainAttempts,
		interval: s.drainInterval,
		logger:   s.logger,
	}
	if s.metrics != nil {
		dr.onTry = s.metrics.DrainAttempt
	}
	drain := dr.run(context.WithoutCancel(ctx), runID, d.lastBlock)

	stats := s.results.Stats()
	stats.Sent -= before.Sent
	stats.Failed -= before.Failed
	if drain.TimedOut {
		drain.Remaining = stats.Buffered
	}

	summary := &types.RunSummary{
		RunID:          runID,
		BlocksObserved: observed,
		FirstBlock:     d.firstBlock,
		LastBlock:      d.lastBlock,
		Intents:        len(intents),
		Dispatched:     d.dispatched,
		Sent:           stats.Sent,
		Failed:         stats.Failed,
		Drain:          drain,
		Duration:       types.Duration(time.Since(started)),
		SendLatency:    d.latency.Snapshot(),
	}

	s.logger.Info("spam run finished",
		slog.Uint64("run", uint64(runID)),
		slog.Int("blocks", observed),
		slog.Int("dispatched", d.dispatched),
		slog.Int("sent", stats.Sent),
		slog.Int("failed", stats.Failed),
		slog.Int("drainAttempts", drain.Attempts),
		slog.Bool("drainTimedOut", drain.TimedOut),
	)

	if streamErr != nil {
		return summary, streamErr
	}
	return summary, nil
}

// Status returns a snapshot of the current run, or the last one if none
// is active. Counters are relative to the start of that run.
func (s *Spammer) Status() types.LiveStatus {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()

	st := types.LiveStatus{
		RunID:     live.runID,
		State:     live.state,
		Blocks:    live.blocks,
		LastBlock: live.lastBlock,
	}
	if live.state == "" {
		return st
	}
	if live.send != nil {
		st.InFlight = live.send.InFlight()
	}
	stats := s.results.Stats()
	st.Sent = stats.Sent - live.before.Sent
	st.Failed = stats.Failed - live.before.Failed
	st.Persisted = stats.Persisted - live.before.Persisted
	st.Buffered = stats.Buffered
	return st
}

func (s *Spammer) setState(state types.DrainState) {
	s.mu.Lock()
	s.live.state = state
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetRunState(state)
	}
}

func (s *Spammer) blockSeen(number uint64) {
	s.mu.Lock()
	s.live.blocks++
	s.live.lastBlock = number
	s.mu.Unlock()
}

// chunk splits intents into batches of size n. The last batch may be short.
func chunk(intents []types.ExecutionIntent, n int) [][]types.ExecutionIntent {
	out := make([][]types.ExecutionIntent, 0, (len(intents)+n-1)/n)
	for len(intents) > 0 {
		k := min(n, len(intents))
		out = append(out, intents[:k])
		intents = intents[k:]
	}
	return out
}

// senders returns every distinct from address in intents, in first-seen order.
func senders(intents []types.ExecutionIntent) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, in := range intents {
		for _, req := range in.Requests() {
			if req.From == nil {
				continue
			}
			if _, ok := seen[*req.From]; ok {
				continue
			}
			seen[*req.From] = struct{}{}
			out = append(out, *req.From)
		}
	}
	return out
}
