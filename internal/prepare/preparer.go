// Package prepare turns raw transaction requests into signed transactions.
//
// Preparation runs on the control goroutine: it consumes nonces and fills
// the gas-limit cache, neither of which is safe for concurrent use.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/blockspammer/internal/account"
	"github.com/gateway-fm/blockspammer/internal/gaslimit"
	"github.com/gateway-fm/blockspammer/internal/nonce"
	ptypes "github.com/gateway-fm/blockspammer/pkg/types"
)

var (
	// ErrMissingFrom is returned for a request without a sender.
	ErrMissingFrom = errors.New("request has no sender")

	// ErrSignerNotFound is returned when the wallet has no key for the sender.
	ErrSignerNotFound = errors.New("no signer for sender")

	// ErrSign wraps signing and encoding failures.
	ErrSign = errors.New("signing failed")
)

// GapError reports a failure after From's nonce was consumed. Later
// transactions from From queue behind the unused Nonce until something
// fills it.
type GapError struct {
	From  common.Address
	Nonce uint64
	Err   error
}

func (e *GapError) Error() string {
	return fmt.Sprintf("nonce %d of %s left unused: %v", e.Nonce, e.From.Hex(), e.Err)
}

func (e *GapError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the run's setup is broken, as opposed
// to a failure that only affects one intent.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingFrom) ||
		errors.Is(err, ErrSignerNotFound) ||
		errors.Is(err, nonce.ErrNotRegistered) ||
		errors.Is(err, gaslimit.ErrMalformedCalldata)
}

// Prepared is a signed transaction ready to send.
type Prepared struct {
	Tx     *types.Transaction
	Raw    []byte
	Signer account.Signer
}

// Hash returns the transaction hash.
func (p *Prepared) Hash() common.Hash { return p.Tx.Hash() }

// Config configures a Preparer.
type Config struct {
	Nonces    *nonce.Table
	GasLimits *gaslimit.Cache
	Wallet    *account.Wallet
	ChainID   *big.Int
	// Legacy selects type-0 transactions. Otherwise EIP-1559 transactions
	// are built with tip and fee cap both set to the escalated price.
	Legacy bool
}

// Preparer stamps and signs requests.
type Preparer struct {
	nonces    *nonce.Table
	gasLimits *gaslimit.Cache
	wallet    *account.Wallet
	chainID   *big.Int
	legacy    bool
}

// New creates a Preparer.
func New(cfg Config) *Preparer {
	return &Preparer{
		nonces:    cfg.Nonces,
		gasLimits: cfg.GasLimits,
		wallet:    cfg.Wallet,
		chainID:   cfg.ChainID,
		legacy:    cfg.Legacy,
	}
}

// Prepare assigns a nonce, resolves the gas limit, looks up the signer and
// signs req at gasPrice, in that order. The nonce is consumed even if a
// later step fails.
func (p *Preparer) Prepare(ctx context.Context, req ptypes.TxRequest, gasPrice *big.Int) (*Prepared, error) {
	if req.From == nil {
		return nil, ErrMissingFrom
	}
	from := *req.From

	n, err := p.nonces.Next(from)
	if err != nil {
		return nil, err
	}
	prepared, err := p.build(ctx, req, from, n, gasPrice)
	if err != nil {
		return nil, &GapError{From: from, Nonce: n, Err: err}
	}
	return prepared, nil
}

func (p *Preparer) build(ctx context.Context, req ptypes.TxRequest, from common.Address, n uint64, gasPrice *big.Int) (*Prepared, error) {
	key, err := gaslimit.KeyOf(req.Data)
	if err != nil {
		return nil, err
	}
	gasLimit, err := p.gasLimits.LimitFor(ctx, key, gaslimit.Template{
		From:     from,
		To:       req.To,
		Value:    req.Value,
		Data:     req.Data,
		GasPrice: gasPrice,
	})
	if err != nil {
		return nil, err
	}

	signer, ok := p.wallet.Signer(from)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignerNotFound, from.Hex())
	}

	tx := newTx(p.chainID, n, req.To, req.Value, gasLimit, gasPrice, req.Data, p.legacy)
	signed, err := signer.SignTx(tx, p.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSign, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrSign, err)
	}

	return &Prepared{Tx: signed, Raw: raw, Signer: signer}, nil
}

// newTx creates either a LegacyTx or a DynamicFeeTx. A nil to deploys a contract.
func newTx(chainID *big.Int, nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, price *big.Int, data []byte, legacy bool) *types.Transaction {
	if value == nil {
		value = new(big.Int)
	}
	if legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gasLimit,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: price,
		GasFeeCap: price,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
}
