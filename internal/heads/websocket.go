package heads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
)

// WSSource subscribes to newHeads over a websocket connection.
type WSSource struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// WSConfig configures a WSSource.
type WSConfig struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewWSSource creates a websocket head source.
func NewWSSource(cfg WSConfig) *WSSource {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSource{url: cfg.URL, dialer: dialer, logger: logger}
}

type wsMessage struct {
	ID     *int            `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Hash   common.Hash `json:"hash"`
			Number string      `json:"number"`
		} `json:"result"`
	} `json:"params,omitempty"`
}

// SubscribeNewHeads dials the node, issues eth_subscribe and waits for the
// subscription id before returning.
func (s *WSSource) SubscribeNewHeads(ctx context.Context, ch chan<- common.Hash) (event.Subscription, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	subscribeMsg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
		"id":      1,
	}
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send eth_subscribe: %w", err)
	}

	var reply wsMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read eth_subscribe reply: %w", err)
	}
	if reply.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("eth_subscribe: %d %s", reply.Error.Code, reply.Error.Message)
	}
	var subID string
	if err := json.Unmarshal(reply.Result, &subID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode subscription id: %w", err)
	}

	s.logger.Info("subscribed to newHeads", slog.String("url", s.url), slog.String("subscription", subID))

	return event.NewSubscription(func(quit <-chan struct{}) error {
		var once sync.Once
		closeConn := func() { once.Do(func() { conn.Close() }) }
		defer closeConn()

		// Closing the connection unblocks ReadJSON on unsubscribe.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-quit:
				closeConn()
			case <-done:
			}
		}()

		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case <-quit:
					return nil
				default:
				}
				return fmt.Errorf("newHeads read: %w", err)
			}
			if msg.Params == nil || msg.Params.Subscription != subID {
				continue
			}

			select {
			case ch <- msg.Params.Result.Hash:
			case <-quit:
				return nil
			}
		}
	}), nil
}
