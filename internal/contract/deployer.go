// Package contract deploys the test contracts a spam plan can target.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/blockspammer/internal/account"
)

var (
	// ErrUnknownContract is returned for a name with no bundled bytecode.
	ErrUnknownContract = errors.New("unknown contract")

	// ErrDeployTimeout is returned when deployed code does not show up in time.
	ErrDeployTimeout = errors.New("timed out waiting for deployment")
)

// deployGas is the gas limit for every creation transaction.
const deployGas = 3_000_000

// Chain is the subset of rpc.HTTPClient the deployer needs.
type Chain interface {
	GetGasPrice(ctx context.Context) (uint64, error)
	GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error)
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
}

// Config configures a Deployer.
type Config struct {
	Client  Chain
	ChainID *big.Int
	// Legacy signs creation transactions as type 0 instead of EIP-1559.
	Legacy bool
	// Timeout bounds the wait for each deployment (default 60s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Deployer creates contracts one at a time from a single signer.
type Deployer struct {
	client  Chain
	chainID *big.Int
	legacy  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewDeployer creates a Deployer.
func NewDeployer(cfg Config) *Deployer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Deployer{
		client:  cfg.Client,
		chainID: cfg.ChainID,
		legacy:  cfg.Legacy,
		timeout: timeout,
		logger:  logger,
	}
}

// Ensure returns an address with code for every name. Pinned addresses that
// still have code are reused; the rest are deployed from `from`.
//
// Deployments are sequential. A second creation sent before the first is
// mined would sit behind it as a future-nonce transaction on some builders.
func (d *Deployer) Ensure(ctx context.Context, from account.Signer, names []string, pinned map[string]common.Address) (map[string]common.Address, error) {
	addrs := make(map[string]common.Address, len(names))
	for _, name := range names {
		code, ok := Bytecode(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownContract, name)
		}

		if addr, ok := pinned[name]; ok {
			exists, err := d.hasCode(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("check %s at %s: %w", name, addr.Hex(), err)
			}
			if exists {
				d.logger.Info("using pinned contract", slog.String("name", name), slog.String("address", addr.Hex()))
				addrs[name] = addr
				continue
			}
			d.logger.Warn("pinned contract has no code, redeploying", slog.String("name", name), slog.String("address", addr.Hex()))
		}

		addr, err := d.Deploy(ctx, from, name, code)
		if err != nil {
			return nil, err
		}
		addrs[name] = addr
	}
	return addrs, nil
}

// Deploy sends one creation transaction and waits until the contract has code.
func (d *Deployer) Deploy(ctx context.Context, from account.Signer, name string, bytecode []byte) (common.Address, error) {
	nonce, err := d.client.GetTransactionCount(ctx, from.Address(), "pending")
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: nonce: %w", name, err)
	}
	price, err := d.client.GetGasPrice(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: gas price: %w", name, err)
	}

	signed, err := from.SignTx(d.creationTx(nonce, new(big.Int).SetUint64(price), bytecode), d.chainID)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: sign: %w", name, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: encode: %w", name, err)
	}
	if _, err := d.client.SendRawTransaction(ctx, raw); err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: send: %w", name, err)
	}

	addr := crypto.CreateAddress(from.Address(), nonce)
	d.logger.Info("deploying contract",
		slog.String("name", name),
		slog.String("expected_address", addr.Hex()),
		slog.Uint64("nonce", nonce),
	)
	if err := d.waitForCode(ctx, name, addr); err != nil {
		return common.Address{}, err
	}
	d.logger.Info("contract deployed", slog.String("name", name), slog.String("address", addr.Hex()))
	return addr, nil
}

func (d *Deployer) creationTx(nonce uint64, price *big.Int, bytecode []byte) *types.Transaction {
	if d.legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      deployGas,
			Data:     bytecode,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasTipCap: price,
		GasFeeCap: new(big.Int).Mul(price, big.NewInt(2)),
		Gas:       deployGas,
		Data:      bytecode,
	})
}

func (d *Deployer) hasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.client.GetCode(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// waitForCode polls with exponential backoff until addr has code.
func (d *Deployer) waitForCode(ctx context.Context, name string, addr common.Address) error {
	backoff := 100 * time.Millisecond
	maxBackoff := 2 * time.Second
	deadline := time.NewTimer(d.timeout)
	defer deadline.Stop()

	for {
		ok, err := d.hasCode(ctx, addr)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			d.logger.Debug("code check failed", slog.String("name", name), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s at %s", ErrDeployTimeout, name, addr.Hex())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// ParsePinned parses "name=0xaddress" pairs.
func ParsePinned(pairs []string) (map[string]common.Address, error) {
	pinned := make(map[string]common.Address, len(pairs))
	for _, p := range pairs {
		name, hex, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		hex = strings.TrimSpace(hex)
		if !ok || name == "" {
			return nil, fmt.Errorf("pinned contract %q: want name=address", p)
		}
		if _, known := Bytecode(name); !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownContract, name)
		}
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("pinned contract %s: invalid address %q", name, hex)
		}
		pinned[name] = common.HexToAddress(hex)
	}
	return pinned, nil
}
