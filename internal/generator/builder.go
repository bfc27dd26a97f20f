package generator

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// ErrNoTarget is returned when a contract kind has no address to call.
var ErrNoTarget = errors.New("entry has no target address")

// Builder turns a plan entry into requests of one kind.
type Builder interface {
	// Kind returns the request kind this builder produces.
	Kind() types.TxKind

	// Build creates the request for sender from. seq is the global intent
	// index and is used to vary call data.
	Build(e Entry, from common.Address, seq uint64) (types.TxRequest, error)
}

// Registry maps kinds to builders.
type Registry struct {
	builders map[types.TxKind]Builder
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[types.TxKind]Builder)}
}

// Register adds a builder to the registry.
func (r *Registry) Register(b Builder) {
	r.builders[b.Kind()] = b
}

// Get returns the builder for kind.
func (r *Registry) Get(kind types.TxKind) (Builder, error) {
	b, ok := r.builders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown transaction kind: %s", kind)
	}
	return b, nil
}

// NewDefaultRegistry creates a registry with every built-in kind.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(transferBuilder{})
	r.Register(storageWriteBuilder{})
	r.Register(erc20TransferBuilder{})
	r.Register(callBuilder{})
	return r
}

// transferBuilder sends value with no call data. Without a target the
// sender pays itself.
type transferBuilder struct{}

func (transferBuilder) Kind() types.TxKind { return types.KindTransfer }

func (transferBuilder) Build(e Entry, from common.Address, seq uint64) (types.TxRequest, error) {
	to := from
	if e.to != nil {
		to = *e.to
	}
	return types.TxRequest{From: &from, To: &to, Value: e.valueOr(big.NewInt(1)), Kind: types.KindTransfer}, nil
}

// storageWriteBuilder calls store(seq) on a deployed storage contract.
type storageWriteBuilder struct{}

func (storageWriteBuilder) Kind() types.TxKind { return types.KindStorageWrite }

func (storageWriteBuilder) Build(e Entry, from common.Address, seq uint64) (types.TxRequest, error) {
	if e.to == nil {
		return types.TxRequest{}, fmt.Errorf("%s: %w", types.KindStorageWrite, ErrNoTarget)
	}
	to := *e.to
	return types.TxRequest{
		From:  &from,
		To:    &to,
		Value: e.valueOr(nil),
		Data:  encodeStorageWrite(new(big.Int).SetUint64(seq)),
		Kind:  types.KindStorageWrite,
	}, nil
}

// erc20TransferBuilder calls transfer(recipient, amount) on a token.
// The recipient defaults to the sender.
type erc20TransferBuilder struct{}

func (erc20TransferBuilder) Kind() types.TxKind { return types.KindERC20 }

func (erc20TransferBuilder) Build(e Entry, from common.Address, seq uint64) (types.TxRequest, error) {
	if e.to == nil {
		return types.TxRequest{}, fmt.Errorf("%s: %w", types.KindERC20, ErrNoTarget)
	}
	token := *e.to
	recipient := from
	if e.recipient != nil {
		recipient = *e.recipient
	}
	return types.TxRequest{
		From: &from,
		To:   &token,
		Data: encodeERC20Transfer(recipient, e.amountOr(big.NewInt(1))),
		Kind: types.KindERC20,
	}, nil
}

// callBuilder sends the entry's raw call data unchanged.
type callBuilder struct{}

func (callBuilder) Kind() types.TxKind { return types.KindCall }

func (callBuilder) Build(e Entry, from common.Address, seq uint64) (types.TxRequest, error) {
	if e.to == nil {
		return types.TxRequest{}, fmt.Errorf("%s: %w", types.KindCall, ErrNoTarget)
	}
	to := *e.to
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return types.TxRequest{From: &from, To: &to, Value: e.valueOr(nil), Data: data, Kind: types.KindCall}, nil
}
