package heads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Caller is the part of rpc.Client the poller needs.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// PollSource watches blocks with eth_newBlockFilter and eth_getFilterChanges.
type PollSource struct {
	client   Caller
	interval time.Duration
	logger   *slog.Logger
}

// PollConfig configures a PollSource.
type PollConfig struct {
	Client   Caller
	Interval time.Duration // default 1s
	Logger   *slog.Logger
}

// NewPollSource creates a filter-polling head source.
func NewPollSource(cfg PollConfig) *PollSource {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollSource{client: cfg.Client, interval: interval, logger: logger}
}

// SubscribeNewHeads installs a block filter and polls it until unsubscribed.
func (p *PollSource) SubscribeNewHeads(ctx context.Context, ch chan<- common.Hash) (event.Subscription, error) {
	res, err := p.client.Call(ctx, "eth_newBlockFilter", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_newBlockFilter: %w", err)
	}
	var filterID string
	if err := json.Unmarshal(res, &filterID); err != nil {
		return nil, fmt.Errorf("decode filter id: %w", err)
	}

	p.logger.Info("polling block filter", slog.String("filter", filterID), slog.Duration("interval", p.interval))

	return event.NewSubscription(func(quit <-chan struct{}) error {
		pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-pollCtx.Done():
			}
		}()
		defer func() {
			uninstallCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer stop()
			if _, err := p.client.Call(uninstallCtx, "eth_uninstallFilter", []any{filterID}); err != nil {
				p.logger.Debug("uninstall block filter failed", slog.String("error", err.Error()))
			}
		}()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-ticker.C:
			}

			res, err := p.client.Call(pollCtx, "eth_getFilterChanges", []any{filterID})
			if err != nil {
				select {
				case <-quit:
					return nil
				default:
				}
				return fmt.Errorf("eth_getFilterChanges: %w", err)
			}
			var hashes []common.Hash
			if err := json.Unmarshal(res, &hashes); err != nil {
				return fmt.Errorf("decode filter changes: %w", err)
			}
			for _, h := range hashes {
				select {
				case ch <- h:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}
