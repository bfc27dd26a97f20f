// Package gaslimit caches gas-limit estimates per function selector.
//
// The cache assumes gas cost is a function of the called function alone. Two
// calls to the same selector with different arguments share one estimate.
package gaslimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/blockspammer/internal/rpc"
)

var (
	// ErrMalformedCalldata is returned for call data shorter than a selector.
	ErrMalformedCalldata = errors.New("call data shorter than 4-byte selector")

	// ErrEstimate wraps estimation failures.
	ErrEstimate = errors.New("gas estimation failed")
)

// Key identifies a cache bucket. Plain value transfers (no call data) get a
// dedicated bucket distinct from every real selector, including 0x00000000.
type Key struct {
	Selector [4]byte
	Transfer bool
}

// TransferKey is the bucket for requests without call data.
var TransferKey = Key{Transfer: true}

func (k Key) String() string {
	if k.Transfer {
		return "transfer"
	}
	return hexutil.Encode(k.Selector[:])
}

// KeyOf derives the cache key from call data.
func KeyOf(data []byte) (Key, error) {
	switch {
	case len(data) == 0:
		return TransferKey, nil
	case len(data) < 4:
		return Key{}, fmt.Errorf("%w: %d bytes", ErrMalformedCalldata, len(data))
	}
	var k Key
	copy(k.Selector[:], data[:4])
	return k, nil
}

// Template is the request used for an estimate.
type Template struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasPrice *big.Int
}

// Estimator is the part of rpc.Client the cache needs.
type Estimator interface {
	EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error)
}

// Cache maps selector to gas limit. Owned by the control goroutine.
type Cache struct {
	est        Estimator
	limits     map[Key]uint64
	failed     map[Key]error
	estimates  int
	onEstimate func(key Key)
}

// New returns an empty cache backed by est.
func New(est Estimator) *Cache {
	return &Cache{est: est, limits: make(map[Key]uint64), failed: make(map[Key]error)}
}

// OnEstimate registers a hook invoked after every estimate RPC.
func (c *Cache) OnEstimate(fn func(key Key)) {
	c.onEstimate = fn
}

// LimitFor returns the cached limit for key, estimating with tmpl on a miss.
// A failed estimate is remembered too, so a key costs at most one RPC per
// run whatever the result. Failures caused by ctx ending are not kept.
func (c *Cache) LimitFor(ctx context.Context, key Key, tmpl Template) (uint64, error) {
	if limit, ok := c.limits[key]; ok {
		return limit, nil
	}
	if err, ok := c.failed[key]; ok {
		return 0, fmt.Errorf("%w for %s: %w", ErrEstimate, key, err)
	}

	c.estimates++
	if c.onEstimate != nil {
		c.onEstimate(key)
	}
	limit, err := c.est.EstimateGas(ctx, rpc.CallMsg{
		From:     tmpl.From,
		To:       tmpl.To,
		Value:    tmpl.Value,
		Data:     tmpl.Data,
		GasPrice: tmpl.GasPrice,
	})
	if err != nil {
		if ctx.Err() == nil {
			c.failed[key] = err
		}
		return 0, fmt.Errorf("%w for %s: %w", ErrEstimate, key, err)
	}

	c.limits[key] = limit
	return limit, nil
}

// Lookup returns the cached limit without estimating.
func (c *Cache) Lookup(key Key) (uint64, bool) {
	limit, ok := c.limits[key]
	return limit, ok
}

// Estimates returns the number of estimate RPCs issued.
func (c *Cache) Estimates() int {
	return c.estimates
}
