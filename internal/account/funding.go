package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// ChainReader is the subset of rpc.Client used for balance checks and funding.
type ChainReader interface {
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	GetGasPrice(ctx context.Context) (uint64, error)
	GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error)
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)
}

// ErrFundingTimeout is returned when funded balances do not show up in time.
var ErrFundingTimeout = errors.New("timed out waiting for funding")

const (
	balanceConcurrency = 32
	transferGas        = 21000
	fundingPoll        = 500 * time.Millisecond
)

// FindInsufficient returns the addresses whose balance is below minBalance.
// Result order follows addrs.
func FindInsufficient(ctx context.Context, client ChainReader, addrs []common.Address, minBalance *big.Int) ([]common.Address, error) {
	short := make([]bool, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceConcurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			balance, err := client.GetBalance(gctx, addr)
			if err != nil {
				return fmt.Errorf("balance of %s: %w", addr.Hex(), err)
			}
			short[i] = balance.Cmp(minBalance) < 0
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []common.Address
	for i, s := range short {
		if s {
			out = append(out, addrs[i])
		}
	}
	return out, nil
}

// Funder tops up pool accounts from a single funding signer.
type Funder struct {
	client  ChainReader
	funder  Signer
	chainID *big.Int
	timeout time.Duration
	logger  *slog.Logger
}

// FunderConfig configures a Funder.
type FunderConfig struct {
	Client  ChainReader
	Funder  Signer
	ChainID *big.Int
	// Timeout bounds the wait for balances to appear (default 60s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewFunder creates a Funder.
func NewFunder(cfg FunderConfig) *Funder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Funder{
		client:  cfg.Client,
		funder:  cfg.Funder,
		chainID: cfg.ChainID,
		timeout: timeout,
		logger:  logger,
	}
}

// Fund sends amount to every recipient and waits until each balance is at
// least minBalance. Transfers use consecutive funder nonces and a legacy gas price
// doubled over the node's suggestion so they land ahead of spam.
func (f *Funder) Fund(ctx context.Context, recipients []common.Address, amount, minBalance *big.Int) error {
	if len(recipients) == 0 {
		return nil
	}

	from := f.funder.Address()
	nonce, err := f.client.GetTransactionCount(ctx, from, "pending")
	if err != nil {
		return fmt.Errorf("funder nonce: %w", err)
	}
	price, err := f.client.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gasPrice := new(big.Int).Mul(new(big.Int).SetUint64(price), big.NewInt(2))

	f.logger.Info("funding accounts",
		slog.String("funder", from.Hex()),
		slog.Int("count", len(recipients)),
		slog.String("amount", amount.String()),
	)

	for i, to := range recipients {
		to := to
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce + uint64(i),
			GasPrice: gasPrice,
			Gas:      transferGas,
			To:       &to,
			Value:    amount,
		})
		signed, err := f.funder.SignTx(tx, f.chainID)
		if err != nil {
			return fmt.Errorf("sign funding tx for %s: %w", to.Hex(), err)
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode funding tx: %w", err)
		}
		if _, err := f.client.SendRawTransaction(ctx, raw); err != nil {
			return fmt.Errorf("send funding tx to %s: %w", to.Hex(), err)
		}
	}

	return f.waitFunded(ctx, recipients, minBalance)
}

func (f *Funder) waitFunded(ctx context.Context, addrs []common.Address, minBalance *big.Int) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	pending := addrs
	ticker := time.NewTicker(fundingPoll)
	defer ticker.Stop()

	for {
		short, err := FindInsufficient(ctx, f.client, pending, minBalance)
		if err == nil && len(short) == 0 {
			f.logger.Info("accounts funded", slog.Int("count", len(addrs)))
			return nil
		}
		if err == nil {
			pending = short
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %d accounts still short", ErrFundingTimeout, len(pending))
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
