// Package heads delivers new-block hashes from a node.
//
// Two sources are provided: a websocket eth_subscribe("newHeads") feed and a
// block-filter poller for HTTP-only endpoints. Both report hashes in arrival
// order through a go-ethereum event.Subscription.
package heads

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Source produces new-block hashes.
type Source interface {
	// SubscribeNewHeads starts delivering block hashes to ch. Setup errors are
	// returned directly; later stream errors arrive on the subscription's Err
	// channel, after which no more hashes are sent.
	SubscribeNewHeads(ctx context.Context, ch chan<- common.Hash) (event.Subscription, error)
}

// WSURLFromHTTP derives a websocket URL from an HTTP RPC URL.
func WSURLFromHTTP(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return httpURL
}
