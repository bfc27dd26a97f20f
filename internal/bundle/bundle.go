// Package bundle submits ordered transaction bundles atomically.
//
// A bundle is never split into independent sends: every Submitter hands the
// full ordered list to its venue in one request.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnsupported is returned by the Disabled submitter.
var ErrUnsupported = errors.New("bundle submission not configured")

// Bundle is an ordered list of signed transactions targeting one block.
type Bundle struct {
	Txs         [][]byte
	TargetBlock uint64
}

// Hashes returns the transaction hashes in bundle order.
func (b Bundle) Hashes() []common.Hash {
	out := make([]common.Hash, len(b.Txs))
	for i, raw := range b.Txs {
		out[i] = common.BytesToHash(crypto.Keccak256(raw))
	}
	return out
}

// Submitter sends a bundle to a venue.
type Submitter interface {
	SendBundle(ctx context.Context, b Bundle) (json.RawMessage, error)
	Name() string
}

// Caller is the part of rpc.Client used to post bundles.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// sendBundleArgs is the eth_sendBundle parameter object.
type sendBundleArgs struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
}

func newArgs(b Bundle) sendBundleArgs {
	txs := make([]hexutil.Bytes, len(b.Txs))
	for i, raw := range b.Txs {
		txs[i] = raw
	}
	return sendBundleArgs{Txs: txs, BlockNumber: hexutil.Uint64(b.TargetBlock)}
}

// RPCSubmitter calls eth_sendBundle on a JSON-RPC endpoint, typically the
// node or builder receiving the rest of the spam.
type RPCSubmitter struct {
	caller Caller
	name   string
}

// NewRPCSubmitter creates a submitter using caller.
func NewRPCSubmitter(name string, caller Caller) *RPCSubmitter {
	return &RPCSubmitter{caller: caller, name: name}
}

func (s *RPCSubmitter) Name() string { return s.name }

// SendBundle posts the bundle as a single eth_sendBundle call.
func (s *RPCSubmitter) SendBundle(ctx context.Context, b Bundle) (json.RawMessage, error) {
	if len(b.Txs) == 0 {
		return nil, errors.New("empty bundle")
	}
	res, err := s.caller.Call(ctx, "eth_sendBundle", []any{newArgs(b)})
	if err != nil {
		return nil, fmt.Errorf("eth_sendBundle via %s: %w", s.name, err)
	}
	return res, nil
}

// Disabled rejects every bundle. Intents that need it fail individually.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) SendBundle(ctx context.Context, b Bundle) (json.RawMessage, error) {
	return nil, ErrUnsupported
}
