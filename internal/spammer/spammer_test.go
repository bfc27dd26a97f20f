package spammer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/gateway-fm/blockspammer/internal/account"
	"github.com/gateway-fm/blockspammer/internal/bundle"
	"github.com/gateway-fm/blockspammer/internal/pacer"
	"github.com/gateway-fm/blockspammer/internal/prepare"
	"github.com/gateway-fm/blockspammer/internal/results"
	"github.com/gateway-fm/blockspammer/internal/rpc"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

const baseGasPrice = 2_000_000_000

var badSelector = []byte{0xde, 0xad, 0xbe, 0xef}

// mockClient is a scripted chain. Block i+1 has hash blockHash(i).
type mockClient struct {
	mu         sync.Mutex
	chainErr   error
	startNonce uint64
	nonceCalls map[common.Address]int
	estimates  map[string]int
	sent       [][]byte
}

var _ Client = (*mockClient)(nil)

func newMockClient() *mockClient {
	return &mockClient{
		startNonce: 7,
		nonceCalls: make(map[common.Address]int),
		estimates:  make(map[string]int),
	}
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	if m.chainErr != nil {
		return nil, m.chainErr
	}
	return big.NewInt(31337), nil
}

func (m *mockClient) GetGasPrice(ctx context.Context) (uint64, error) {
	return baseGasPrice, nil
}

func (m *mockClient) GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonceCalls[address]++
	return m.startNonce, nil
}

func (m *mockClient) EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "transfer"
	if len(msg.Data) >= 4 {
		key = common.Bytes2Hex(msg.Data[:4])
	}
	m.estimates[key]++
	if bytes.HasPrefix(msg.Data, badSelector) {
		return 0, errors.New("execution reverted")
	}
	if len(msg.Data) > 0 {
		return 60000, nil
	}
	return 21000, nil
}

func (m *mockClient) GetBlockByHash(ctx context.Context, hash common.Hash) (*rpc.Block, error) {
	return &rpc.Block{Number: hash.Big().Uint64() + 100, Hash: hash}, nil
}

func (m *mockClient) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, txRLP)
	var tx gethtypes.Transaction
	if err := tx.UnmarshalBinary(txRLP); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (m *mockClient) sentTxs(t *testing.T) []*gethtypes.Transaction {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeAll(t, m.sent)
}

func decodeAll(t *testing.T, raws [][]byte) []*gethtypes.Transaction {
	t.Helper()
	out := make([]*gethtypes.Transaction, len(raws))
	for i, raw := range raws {
		out[i] = new(gethtypes.Transaction)
		if err := out[i].UnmarshalBinary(raw); err != nil {
			t.Fatalf("decode tx %d: %v", i, err)
		}
	}
	return out
}

// blockSource announces n block hashes and then idles.
type blockSource struct {
	n        int
	setupErr error
}

func blockHash(i int) common.Hash {
	return common.BigToHash(big.NewInt(int64(i + 1)))
}

func (s *blockSource) SubscribeNewHeads(ctx context.Context, ch chan<- common.Hash) (event.Subscription, error) {
	if s.setupErr != nil {
		return nil, s.setupErr
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for i := 0; i < s.n; i++ {
			select {
			case ch <- blockHash(i):
			case <-quit:
				return nil
			}
		}
		<-quit
		return nil
	}), nil
}

type persistCall struct {
	block uint64
	count int
}

type mockPersister struct {
	mu    sync.Mutex
	calls []persistCall
	rows  []types.TxOutcome
	fail  bool
}

func (m *mockPersister) PersistRunTxs(ctx context.Context, runID types.RunID, block uint64, outcomes []types.TxOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, persistCall{block: block, count: len(outcomes)})
	if m.fail {
		return errors.New("disk full")
	}
	m.rows = append(m.rows, outcomes...)
	return nil
}

type mockSubmitter struct {
	mu      sync.Mutex
	bundles []bundle.Bundle
}

func (m *mockSubmitter) Name() string { return "mock" }

func (m *mockSubmitter) SendBundle(ctx context.Context, b bundle.Bundle) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles = append(m.bundles, b)
	return json.RawMessage(`null`), nil
}

// staticGenerator returns a fixed list, truncated to count.
type staticGenerator struct {
	intents []types.ExecutionIntent
}

func (g *staticGenerator) Intents(ctx context.Context, count int) ([]types.ExecutionIntent, error) {
	if count < len(g.intents) {
		return g.intents[:count], nil
	}
	return g.intents, nil
}

type harness struct {
	client    *mockClient
	persister *mockPersister
	results   *results.Actor
	submitter *mockSubmitter
	sender    common.Address
	spammer   *Spammer
}

func newHarness(t *testing.T, blocks int, intents func(from common.Address) []types.ExecutionIntent) *harness {
	t.Helper()
	acc, err := account.NewAccountFromHex(account.TestPrivateKeys[0])
	if err != nil {
		t.Fatal(err)
	}
	wallet, err := account.NewWallet(acc)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		client:    newMockClient(),
		persister: &mockPersister{},
		submitter: &mockSubmitter{},
		sender:    acc.Address(),
	}
	h.results = results.New(results.Config{Persister: h.persister, Logger: discardLogger()})
	t.Cleanup(h.results.Close)

	h.spammer = New(Config{
		Client:    h.client,
		Heads:     &blockSource{n: blocks},
		Wallet:    wallet,
		Generator: &staticGenerator{intents: intents(acc.Address())},
		Results:   h.results,
		Bundles:   h.submitter,
		Legacy:    true,
		Logger:    discardLogger(),
	})
	return h
}

func transfers(n int) func(common.Address) []types.ExecutionIntent {
	return func(from common.Address) []types.ExecutionIntent {
		out := make([]types.ExecutionIntent, n)
		for i := range out {
			to := from
			out[i] = types.NewSingle(types.TxRequest{From: &from, To: &to, Value: big.NewInt(1), Kind: types.KindTransfer}, nil)
		}
		return out
	}
}

func TestRunPersistsEveryRecord(t *testing.T) {
	h := newHarness(t, 2, transfers(6))

	summary, err := h.spammer.Run(context.Background(), 3, 2, 42)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.persister.rows) != 6 {
		t.Fatalf("persisted %d records, want 6", len(h.persister.rows))
	}
	for _, row := range h.persister.rows {
		if row.Status != types.OutcomeSent || len(row.TxHashes) != 1 {
			t.Errorf("row = %+v", row)
		}
		if row.Metadata[types.MetaKind] != string(types.KindTransfer) || row.Metadata[MetaStartTimestamp] == "" {
			t.Errorf("row metadata = %v", row.Metadata)
		}
	}

	txs := h.client.sentTxs(t)
	nonces := make([]int, len(txs))
	for i, tx := range txs {
		nonces[i] = int(tx.Nonce())
	}
	sort.Ints(nonces)
	for i, n := range nonces {
		if n != 7+i {
			t.Fatalf("nonces = %v, want 7..12 with no repeats", nonces)
		}
	}
	if h.client.nonceCalls[h.sender] != 1 {
		t.Errorf("nonce queried %d times, want once", h.client.nonceCalls[h.sender])
	}
	if h.client.estimates["transfer"] != 1 {
		t.Errorf("estimates = %v, want one for transfers", h.client.estimates)
	}

	// block 101 and 102 flush during streaming; drain flushes from the last block on
	h.persister.mu.Lock()
	calls := len(h.persister.calls)
	h.persister.mu.Unlock()
	if calls < 1 {
		t.Errorf("persist calls = %d", calls)
	}

	if summary.BlocksObserved != 2 || summary.Dispatched != 6 || summary.Sent != 6 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.FirstBlock != 101 || summary.LastBlock != 102 {
		t.Errorf("blocks = %d..%d, want 101..102", summary.FirstBlock, summary.LastBlock)
	}
	if summary.Drain.State != types.StateDone || summary.Drain.TimedOut {
		t.Errorf("drain = %+v", summary.Drain)
	}
	if summary.SendLatency == nil || summary.SendLatency.Count != 6 {
		t.Errorf("send latency = %+v", summary.SendLatency)
	}
}

// countingFlusher wraps the actor to count flush calls, including empty ones.
type countingFlusher struct {
	*results.Actor
	mu     sync.Mutex
	blocks []uint64
}

func (c *countingFlusher) Flush(ctx context.Context, runID types.RunID, block uint64) (int, error) {
	c.mu.Lock()
	c.blocks = append(c.blocks, block)
	c.mu.Unlock()
	return c.Actor.Flush(ctx, runID, block)
}

func TestRunFlushesEveryBlockThenDrains(t *testing.T) {
	h := newHarness(t, 2, transfers(6))
	cf := &countingFlusher{Actor: h.results}
	h.spammer.results = cf

	if _, err := h.spammer.Run(context.Background(), 3, 2, 42); err != nil {
		t.Fatal(err)
	}
	if len(cf.blocks) < 3 {
		t.Fatalf("flushes = %v, want one per block plus drain", cf.blocks)
	}
	if cf.blocks[0] != 101 || cf.blocks[1] != 102 {
		t.Errorf("block flushes tagged %v, want 101 then 102", cf.blocks[:2])
	}
	if cf.blocks[2] != 102 {
		t.Errorf("first drain flush tagged %d, want last block 102", cf.blocks[2])
	}
}

func TestRunGasPriceEscalation(t *testing.T) {
	h := newHarness(t, 1, transfers(4))

	if _, err := h.spammer.Run(context.Background(), 4, 1, types.NoRun); err != nil {
		t.Fatal(err)
	}

	// nonce order follows position order since preparation is sequential
	txs := h.client.sentTxs(t)
	sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce() < txs[j].Nonce() })
	for i, tx := range txs {
		want := new(big.Int).Add(big.NewInt(baseGasPrice), new(big.Int).Mul(big.NewInt(int64(i)), GasPriceStep))
		if tx.GasPrice().Cmp(want) != 0 {
			t.Errorf("position %d gas price = %s, want %s", i, tx.GasPrice(), want)
		}
	}
}

func TestRunDispatchesOnlyFirstNBlocks(t *testing.T) {
	h := newHarness(t, 5, transfers(20))
	h.spammer.heads = &blockSource{n: 5}

	summary, err := h.spammer.Run(context.Background(), 4, 3, types.NoRun)
	if err != nil {
		t.Fatal(err)
	}
	if summary.BlocksObserved != 3 || summary.Intents != 12 || summary.Dispatched != 12 {
		t.Errorf("summary = %+v, want 3 blocks and 12 intents", summary)
	}
	if got := len(h.client.sentTxs(t)); got != 12 {
		t.Errorf("sent %d txs, want 12", got)
	}

	// dry run persists nothing
	if len(h.persister.calls) != 0 {
		t.Errorf("persist calls in dry run = %d", len(h.persister.calls))
	}
	if summary.Drain.Attempts != 0 || summary.Drain.State != types.StateDone {
		t.Errorf("dry-run drain = %+v", summary.Drain)
	}
}

func TestRunShortFinalBatch(t *testing.T) {
	h := newHarness(t, 3, transfers(5))

	summary, err := h.spammer.Run(context.Background(), 2, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Intents != 5 || summary.Dispatched != 5 || summary.Sent != 5 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunBundleIsAtomic(t *testing.T) {
	h := newHarness(t, 1, func(from common.Address) []types.ExecutionIntent {
		to := from
		single := types.NewSingle(types.TxRequest{From: &from, To: &to, Kind: types.KindTransfer}, nil)
		b, err := types.NewBundle([]types.TxRequest{
			{From: &from, To: &to, Kind: types.KindTransfer},
			{From: &from, To: &to, Kind: types.KindTransfer},
		}, types.Metadata{"tag": "pair"})
		if err != nil {
			panic(err)
		}
		return []types.ExecutionIntent{single, b}
	})

	summary, err := h.spammer.Run(context.Background(), 2, 1, 9)
	if err != nil {
		t.Fatal(err)
	}

	if len(h.submitter.bundles) != 1 {
		t.Fatalf("bundle submissions = %d, want 1", len(h.submitter.bundles))
	}
	if got := len(h.client.sentTxs(t)); got != 1 {
		t.Errorf("raw sends = %d, want 1 (bundle members must not be sent individually)", got)
	}

	b := h.submitter.bundles[0]
	if b.TargetBlock != 102 {
		t.Errorf("target block = %d, want 102", b.TargetBlock)
	}
	members := decodeAll(t, b.Txs)
	want := new(big.Int).Add(big.NewInt(baseGasPrice), GasPriceStep)
	for i, tx := range members {
		if tx.GasPrice().Cmp(want) != 0 {
			t.Errorf("member %d price = %s, want position-1 price %s", i, tx.GasPrice(), want)
		}
	}
	if members[1].Nonce() != members[0].Nonce()+1 {
		t.Errorf("member nonces = %d, %d", members[0].Nonce(), members[1].Nonce())
	}

	if summary.Sent != 2 {
		t.Errorf("sent outcomes = %d, want 2 (single + bundle)", summary.Sent)
	}
	var bundleRow *types.TxOutcome
	for i := range h.persister.rows {
		if len(h.persister.rows[i].TxHashes) == 2 {
			bundleRow = &h.persister.rows[i]
		}
	}
	if bundleRow == nil || bundleRow.Metadata["tag"] != "pair" || bundleRow.Metadata[MetaBundle] != "2" {
		t.Errorf("bundle outcome = %+v", bundleRow)
	}
}

func TestRunEstimationFailureIsolated(t *testing.T) {
	target := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	h := newHarness(t, 1, func(from common.Address) []types.ExecutionIntent {
		to := from
		intents := transfers(2)(from)
		bad := types.NewSingle(types.TxRequest{From: &from, To: &target, Data: badSelector, Kind: types.KindCall}, nil)
		last := types.NewSingle(types.TxRequest{From: &from, To: &to, Kind: types.KindTransfer}, nil)
		return append(intents, bad, last)
	})

	summary, err := h.spammer.Run(context.Background(), 4, 1, 5)
	if err != nil {
		t.Fatalf("Run() error = %v, estimation failure must not be fatal", err)
	}
	if got := len(h.client.sentTxs(t)); got != 3 {
		t.Errorf("sent %d txs, want 3", got)
	}
	if summary.Sent != 3 || summary.Failed != 1 {
		t.Errorf("summary sent=%d failed=%d, want 3/1", summary.Sent, summary.Failed)
	}

	var failed int
	for _, row := range h.persister.rows {
		if row.Status == types.OutcomeFailed {
			failed++
			if row.Kind() != string(types.KindCall) || row.Error == "" {
				t.Errorf("failed row = %+v", row)
			}
			// third intent from a sender starting at nonce 7
			sender, n, ok := strings.Cut(row.Metadata[MetaNonceGap], ":")
			if !ok || !common.IsHexAddress(sender) || n != "9" {
				t.Errorf("nonce gap = %q, want <sender>:9", row.Metadata[MetaNonceGap])
			}
		}
	}
	if failed != 1 || len(h.persister.rows) != 4 {
		t.Errorf("persisted %d rows with %d failed, want 4 with 1", len(h.persister.rows), failed)
	}
}

func TestRunDisabledBundleFailsOnlyThatIntent(t *testing.T) {
	h := newHarness(t, 1, func(from common.Address) []types.ExecutionIntent {
		to := from
		b, _ := types.NewBundle([]types.TxRequest{{From: &from, To: &to}}, nil)
		return append(transfers(1)(from), b)
	})
	h.spammer.bundles = bundle.Disabled{}

	summary, err := h.spammer.Run(context.Background(), 2, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunFatalErrors(t *testing.T) {
	t.Run("chain id", func(t *testing.T) {
		h := newHarness(t, 1, transfers(1))
		h.client.chainErr = errors.New("connection refused")
		if _, err := h.spammer.Run(context.Background(), 1, 1, 1); !errors.Is(err, ErrChainID) {
			t.Errorf("Run() error = %v, want ErrChainID", err)
		}
	})

	t.Run("subscription", func(t *testing.T) {
		h := newHarness(t, 1, transfers(1))
		h.spammer.heads = &blockSource{setupErr: errors.New("method not found")}
		if _, err := h.spammer.Run(context.Background(), 1, 1, 1); !errors.Is(err, pacer.ErrSubscribe) {
			t.Errorf("Run() error = %v, want ErrSubscribe", err)
		}
	})

	t.Run("missing signer", func(t *testing.T) {
		stranger := common.HexToAddress("0x0000000000000000000000000000000000000bad")
		h := newHarness(t, 1, func(common.Address) []types.ExecutionIntent {
			return transfers(1)(stranger)
		})
		_, err := h.spammer.Run(context.Background(), 1, 1, 1)
		if err == nil || !errors.Is(err, prepare.ErrSignerNotFound) {
			t.Errorf("Run() error = %v, want signer not found", err)
		}
	})

	t.Run("missing from", func(t *testing.T) {
		h := newHarness(t, 1, func(common.Address) []types.ExecutionIntent {
			to := common.Address{}
			return []types.ExecutionIntent{types.NewSingle(types.TxRequest{To: &to}, nil)}
		})
		if _, err := h.spammer.Run(context.Background(), 1, 1, 1); err == nil {
			t.Error("Run() error = nil, want missing sender")
		}
	})

	t.Run("invalid shape", func(t *testing.T) {
		h := newHarness(t, 1, transfers(1))
		if _, err := h.spammer.Run(context.Background(), 0, 1, 1); !errors.Is(err, ErrInvalidShape) {
			t.Errorf("Run() error = %v, want ErrInvalidShape", err)
		}
	})
}

func TestRunDrainTimesOutWhenStorageFails(t *testing.T) {
	h := newHarness(t, 1, transfers(2))
	h.persister.fail = true

	summary, err := h.spammer.Run(context.Background(), 2, 1, 77)
	if err != nil {
		t.Fatalf("Run() error = %v, drain timeout is not fatal", err)
	}
	if !summary.Drain.TimedOut || summary.Drain.State != types.StateDone {
		t.Errorf("drain = %+v, want done via timeout", summary.Drain)
	}
	if summary.Drain.Attempts != DefaultDrainAttempts {
		t.Errorf("attempts = %d, want %d", summary.Drain.Attempts, DefaultDrainAttempts)
	}
	if summary.Drain.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", summary.Drain.Remaining)
	}
}

func TestRunContextCancelStillDrains(t *testing.T) {
	h := newHarness(t, 1, transfers(4))
	h.spammer.heads = &blockSource{n: 1}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	summary, err := h.spammer.Run(ctx, 2, 2, 8)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary == nil || summary.BlocksObserved != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(h.persister.rows) != 2 {
		t.Errorf("persisted %d rows after cancel, want 2", len(h.persister.rows))
	}
}

type scriptedFlusher struct {
	remaining []int
	errs      []error
	blocks    []uint64
}

func (f *scriptedFlusher) Flush(ctx context.Context, runID types.RunID, block uint64) (int, error) {
	i := len(f.blocks)
	f.blocks = append(f.blocks, block)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.remaining) {
		return f.remaining[i], err
	}
	return 0, err
}

func TestDrainer(t *testing.T) {
	boom := errors.New("locked")
	tests := []struct {
		name         string
		flusher      *scriptedFlusher
		runID        types.RunID
		wantAttempts int
		wantTimeout  bool
		wantBlocks   []uint64
	}{
		{
			name:         "empty on first flush",
			flusher:      &scriptedFlusher{},
			runID:        1,
			wantAttempts: 1,
			wantBlocks:   []uint64{50},
		},
		{
			name:         "late entries drain with advancing block tags",
			flusher:      &scriptedFlusher{remaining: []int{3, 1, 0}},
			runID:        1,
			wantAttempts: 3,
			wantBlocks:   []uint64{50, 51, 52},
		},
		{
			name:         "errors consume attempts",
			flusher:      &scriptedFlusher{errs: []error{boom, boom}},
			runID:        1,
			wantAttempts: 3,
			wantBlocks:   []uint64{50, 51, 52},
		},
		{
			name:         "budget exhausted",
			flusher:      &scriptedFlusher{remaining: []int{5, 5, 5, 5}},
			runID:        1,
			wantAttempts: 4,
			wantTimeout:  true,
			wantBlocks:   []uint64{50, 51, 52, 53},
		},
		{
			name:         "dry run skips flushing",
			flusher:      &scriptedFlusher{},
			runID:        types.NoRun,
			wantAttempts: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &drainer{sink: tt.flusher, attempts: 4, logger: discardLogger()}
			res := d.run(context.Background(), tt.runID, 50)
			if res.State != types.StateDone {
				t.Errorf("state = %s, want done", res.State)
			}
			if res.Attempts != tt.wantAttempts || res.TimedOut != tt.wantTimeout {
				t.Errorf("result = %+v, want attempts %d timeout %v", res, tt.wantAttempts, tt.wantTimeout)
			}
			if len(tt.flusher.blocks) != len(tt.wantBlocks) {
				t.Fatalf("blocks = %v, want %v", tt.flusher.blocks, tt.wantBlocks)
			}
			for i := range tt.wantBlocks {
				if tt.flusher.blocks[i] != tt.wantBlocks[i] {
					t.Errorf("blocks = %v, want %v", tt.flusher.blocks, tt.wantBlocks)
					break
				}
			}
		})
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChunk(t *testing.T) {
	intents := transfers(7)(common.Address{1})
	got := chunk(intents, 3)
	if len(got) != 3 || len(got[0]) != 3 || len(got[2]) != 1 {
		t.Errorf("chunk sizes = %d batches, last %d", len(got), len(got[len(got)-1]))
	}
}

func TestStatusAfterRun(t *testing.T) {
	h := newHarness(t, 2, transfers(4))

	if st := h.spammer.Status(); st.Active() || st.State != "" {
		t.Fatalf("status before run = %+v", st)
	}
	if _, err := h.spammer.Run(context.Background(), 2, 2, 11); err != nil {
		t.Fatal(err)
	}

	st := h.spammer.Status()
	if st.Active() || st.State != types.StateDone {
		t.Errorf("state = %s, want done", st.State)
	}
	if st.RunID != 11 || st.Blocks != 2 || st.LastBlock != 102 {
		t.Errorf("status = %+v", st)
	}
	if st.Sent != 4 || st.Persisted != 4 || st.Buffered != 0 || st.InFlight != 0 {
		t.Errorf("counters = %+v", st)
	}
}

func TestRunFailedSelectorEstimatedOnce(t *testing.T) {
	target := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	h := newHarness(t, 1, func(from common.Address) []types.ExecutionIntent {
		var intents []types.ExecutionIntent
		for i := 0; i < 5; i++ {
			intents = append(intents, types.NewSingle(types.TxRequest{From: &from, To: &target, Data: badSelector, Kind: types.KindCall}, nil))
		}
		return intents
	})

	summary, err := h.spammer.Run(context.Background(), 5, 1, 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Failed != 5 || summary.Sent != 0 {
		t.Errorf("summary sent=%d failed=%d, want 0/5", summary.Sent, summary.Failed)
	}
	if got := h.client.estimates["deadbeef"]; got != 1 {
		t.Errorf("estimate calls for failing selector = %d, want 1 (all: %v)", got, h.client.estimates)
	}
}
