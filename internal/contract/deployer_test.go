package contract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/blockspammer/internal/account"
)

var testChainID = big.NewInt(31337)

// mockChain installs code at the creation address of every sent transaction
// unless mine is false.
type mockChain struct {
	mu    sync.Mutex
	mine  bool
	nonce uint64
	code  map[common.Address][]byte
	sent  []*types.Transaction
}

func newMockChain() *mockChain {
	return &mockChain{mine: true, nonce: 3, code: map[common.Address][]byte{}}
}

func (m *mockChain) GetGasPrice(ctx context.Context) (uint64, error) { return 1_000_000_000, nil }

func (m *mockChain) GetTransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *mockChain) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if err != nil {
		return common.Hash{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	if m.mine {
		m.code[crypto.CreateAddress(from, tx.Nonce())] = []byte{0x60, 0x80}
	}
	m.nonce++
	return tx.Hash(), nil
}

func (m *mockChain) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code[addr], nil
}

func testDeployer(t *testing.T, chain *mockChain, legacy bool) (*Deployer, *account.Account) {
	t.Helper()
	from, err := account.NewAccountFromHex(account.TestPrivateKeys[0])
	if err != nil {
		t.Fatal(err)
	}
	d := NewDeployer(Config{
		Client:  chain,
		ChainID: testChainID,
		Legacy:  legacy,
		Timeout: 200 * time.Millisecond,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return d, from
}

func TestEnsureDeploysSequentially(t *testing.T) {
	chain := newMockChain()
	d, from := testDeployer(t, chain, false)

	addrs, err := d.Ensure(context.Background(), from, []string{ERC20, Storage}, nil)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if addrs[ERC20] != crypto.CreateAddress(from.Address(), 3) {
		t.Errorf("erc20 address = %s", addrs[ERC20].Hex())
	}
	if addrs[Storage] != crypto.CreateAddress(from.Address(), 4) {
		t.Errorf("storage address = %s", addrs[Storage].Hex())
	}
	if len(chain.sent) != 2 {
		t.Fatalf("sent %d txs, want 2", len(chain.sent))
	}
	for _, tx := range chain.sent {
		if tx.To() != nil || tx.Gas() != deployGas || tx.Type() != types.DynamicFeeTxType {
			t.Errorf("creation tx to=%v gas=%d type=%d", tx.To(), tx.Gas(), tx.Type())
		}
	}
	if code, _ := Bytecode(Storage); string(chain.sent[1].Data()) != string(code) {
		t.Error("storage deployment sent the wrong bytecode")
	}
}

func TestEnsureLegacy(t *testing.T) {
	chain := newMockChain()
	d, from := testDeployer(t, chain, true)

	if _, err := d.Ensure(context.Background(), from, []string{ERC20}, nil); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if chain.sent[0].Type() != types.LegacyTxType {
		t.Errorf("type = %d, want legacy", chain.sent[0].Type())
	}
}

func TestEnsurePinned(t *testing.T) {
	live := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	gone := common.HexToAddress("0x00000000000000000000000000000000000000c2")

	chain := newMockChain()
	chain.code[live] = []byte{0x01}
	d, from := testDeployer(t, chain, false)

	addrs, err := d.Ensure(context.Background(), from, []string{ERC20, Storage}, map[string]common.Address{
		ERC20:   live,
		Storage: gone,
	})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if addrs[ERC20] != live {
		t.Errorf("pinned erc20 not reused: %s", addrs[ERC20].Hex())
	}
	if addrs[Storage] == gone || len(chain.sent) != 1 {
		t.Errorf("storage without code must be redeployed; sent=%d", len(chain.sent))
	}
}

func TestEnsureErrors(t *testing.T) {
	t.Run("unknown name", func(t *testing.T) {
		d, from := testDeployer(t, newMockChain(), false)
		if _, err := d.Ensure(context.Background(), from, []string{"uniswap"}, nil); !errors.Is(err, ErrUnknownContract) {
			t.Errorf("Ensure() error = %v, want ErrUnknownContract", err)
		}
	})

	t.Run("never mined", func(t *testing.T) {
		chain := newMockChain()
		chain.mine = false
		d, from := testDeployer(t, chain, false)
		if _, err := d.Ensure(context.Background(), from, []string{ERC20}, nil); !errors.Is(err, ErrDeployTimeout) {
			t.Errorf("Ensure() error = %v, want ErrDeployTimeout", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		chain := newMockChain()
		chain.mine = false
		d, from := testDeployer(t, chain, false)
		d.timeout = time.Minute
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, err := d.Ensure(ctx, from, []string{ERC20}, nil); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Ensure() error = %v, want context deadline", err)
		}
	})
}

func TestParsePinned(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		wantLen int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{"two", []string{"erc20=0x00000000000000000000000000000000000000c1", " storage = 0x00000000000000000000000000000000000000c2"}, 2, false},
		{"no separator", []string{"erc20"}, 0, true},
		{"unknown", []string{"weth=0x00000000000000000000000000000000000000c1"}, 0, true},
		{"bad address", []string{"erc20=0x12"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePinned(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePinned() error = %v", err)
			}
			if err == nil && len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}
