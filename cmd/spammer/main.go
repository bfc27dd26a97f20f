package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/blockspammer/internal/account"
	"github.com/gateway-fm/blockspammer/internal/bundle"
	"github.com/gateway-fm/blockspammer/internal/config"
	"github.com/gateway-fm/blockspammer/internal/contract"
	"github.com/gateway-fm/blockspammer/internal/generator"
	"github.com/gateway-fm/blockspammer/internal/heads"
	"github.com/gateway-fm/blockspammer/internal/metrics"
	"github.com/gateway-fm/blockspammer/internal/results"
	"github.com/gateway-fm/blockspammer/internal/rpc"
	"github.com/gateway-fm/blockspammer/internal/spammer"
	"github.com/gateway-fm/blockspammer/internal/storage"
	"github.com/gateway-fm/blockspammer/internal/transport"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("interrupted, stopping run")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("spam run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	var store storage.Storage
	if cfg.Persist {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open storage %s: %w", cfg.DatabasePath, err)
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))
	}

	clientCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	clientCfg.Observe = m.ObserveRPC
	clientCfg.Logger = logger
	client := rpc.NewHTTPClient(clientCfg)

	wallet, pool, err := buildWallet(cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		if err := fundPool(ctx, cfg, client, pool, logger); err != nil {
			return err
		}
	}
	if warning := config.CheckSenderSufficiency(wallet.Len(), cfg.TxsPerBlock); warning != "" {
		logger.Warn(warning)
	}

	plan := generator.DefaultPlan()
	if cfg.PlanPath != "" {
		if plan, err = generator.LoadPlan(cfg.PlanPath); err != nil {
			return err
		}
	}
	if err := bindContracts(ctx, cfg, client, cacheOrNil(store), plan, logger); err != nil {
		return err
	}
	gen, err := generator.New(generator.Config{Plan: plan, Senders: wallet.Addresses()})
	if err != nil {
		return fmt.Errorf("build generator: %w", err)
	}

	bundles, err := bundle.DefaultRegistry().Build(cfg.BundleVenue, bundle.VenueConfig{
		Target:   client,
		RelayURL: cfg.BundleRelayURL,
		AuthKey:  cfg.BundleAuthKey,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("bundle venue: %w", err)
	}

	actorCfg := results.Config{Observer: m, Logger: logger}
	if store != nil {
		actorCfg.Persister = store
	}
	if cfg.ConfirmReceipts {
		actorCfg.Receipts = client
	}
	actor := results.New(actorCfg)
	defer actor.Close()

	sp := spammer.New(spammer.Config{
		Client:        client,
		Heads:         headSource(cfg, client, logger),
		Wallet:        wallet,
		Generator:     gen,
		Results:       actor,
		Bundles:       bundles,
		MaxInFlight:   cfg.MaxInFlight,
		DrainAttempts: cfg.DrainAttempts,
		DrainInterval: cfg.DrainInterval,
		Legacy:        cfg.Legacy,
		Metrics:       m,
		Logger:        logger,
	})

	var httpServer *http.Server
	if cfg.ListenAddr != "" {
		api := transport.NewServer(transport.Config{
			Store:              storeOrNil(store),
			Status:             sp,
			Checks:             healthChecks(client, store),
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:             logger,
		})
		defer api.Close()
		httpServer = &http.Server{Addr: cfg.ListenAddr, Handler: api.Handler()}
		go func() {
			logger.Info("HTTP API listening", slog.String("addr", cfg.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", slog.Any("error", err))
			}
		}()
	}

	runErr := spamOnce(ctx, cfg, sp, store, logger)

	if httpServer != nil {
		if runErr == nil && ctx.Err() == nil {
			logger.Info("run finished, API serving until interrupted")
			<-ctx.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}
	return runErr
}

// spamOnce runs the spammer and records the run when persisting.
func spamOnce(ctx context.Context, cfg *config.Config, sp *spammer.Spammer, store storage.Storage, logger *slog.Logger) error {
	runID := types.NoRun
	if store != nil {
		id, err := store.CreateRun(ctx, &types.Run{
			Name:        cfg.RunName,
			TxsPerBlock: cfg.TxsPerBlock,
			NumBlocks:   cfg.Blocks,
		})
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		runID = id
	}

	summary, err := sp.Run(ctx, cfg.TxsPerBlock, cfg.Blocks, runID)

	if store != nil {
		finishCtx := context.WithoutCancel(ctx)
		var finishErr error
		if err != nil {
			finishErr = store.FailRun(finishCtx, runID, summary, err.Error())
		} else {
			finishErr = store.CompleteRun(finishCtx, runID, summary)
		}
		if finishErr != nil {
			logger.Error("failed to record run result", slog.Uint64("run", uint64(runID)), slog.Any("error", finishErr))
		}
	}

	if summary != nil {
		logger.Info("run summary",
			slog.Uint64("run", uint64(runID)),
			slog.Uint64("firstBlock", summary.FirstBlock),
			slog.Uint64("lastBlock", summary.LastBlock),
			slog.Int("sent", summary.Sent),
			slog.Int("failed", summary.Failed),
			slog.String("drain", string(summary.Drain.State)),
			slog.Bool("drainTimedOut", summary.Drain.TimedOut),
			slog.Duration("took", time.Duration(summary.Duration)),
		)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildWallet loads the configured keys plus the derived pool. The pool is
// returned separately so it can be funded from the first key.
func buildWallet(cfg *config.Config) (*account.Wallet, []*account.Account, error) {
	keys, err := account.FromHexKeys(cfg.PrivateKeys)
	if err != nil {
		return nil, nil, err
	}
	all := keys

	var pool []*account.Account
	if cfg.PoolSize > 0 {
		pool, err = account.DerivePool(cfg.PoolSeed, cfg.PoolSize)
		if err != nil {
			return nil, nil, err
		}
		all = append(append([]*account.Account{}, keys...), pool...)
	}

	wallet, err := account.NewWallet(account.Signers(all)...)
	if err != nil {
		return nil, nil, fmt.Errorf("build wallet: %w", err)
	}
	return wallet, pool, nil
}

func fundPool(ctx context.Context, cfg *config.Config, client rpc.Client, pool []*account.Account, logger *slog.Logger) error {
	minBalance, err := config.EtherToWei(cfg.MinBalanceEther)
	if err != nil {
		return err
	}
	amount, err := config.EtherToWei(cfg.FundEther)
	if err != nil {
		return err
	}

	addrs := make([]common.Address, len(pool))
	for i, a := range pool {
		addrs[i] = a.Address()
	}
	needy, err := account.FindInsufficient(ctx, client, addrs, minBalance)
	if err != nil {
		return fmt.Errorf("check pool balances: %w", err)
	}
	if len(needy) == 0 {
		logger.Info("pool already funded", slog.Int("accounts", len(pool)))
		return nil
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", spammer.ErrChainID, err)
	}
	funder, err := account.NewAccountFromHex(cfg.PrivateKeys[0])
	if err != nil {
		return err
	}

	logger.Info("funding pool accounts",
		slog.Int("accounts", len(needy)),
		slog.String("funder", funder.Address().Hex()),
		slog.String("amount", amount.String()),
	)
	f := account.NewFunder(account.FunderConfig{
		Client:  client,
		Funder:  funder,
		ChainID: chainID,
		Logger:  logger,
	})
	return f.Fund(ctx, needy, amount, minBalance)
}

// bindContracts deploys, or reuses, every contract the plan references as
// "@name" and binds the addresses into the plan. Addresses cached for this
// chain are tried first, explicit pins override them.
func bindContracts(ctx context.Context, cfg *config.Config, client *rpc.HTTPClient, cache storage.ContractCache, plan *generator.Plan, logger *slog.Logger) error {
	refs := plan.ContractRefs()
	if len(refs) == 0 {
		return nil
	}
	pinned, err := contract.ParsePinned(cfg.Contracts)
	if err != nil {
		return err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", spammer.ErrChainID, err)
	}
	deployer, err := account.NewAccountFromHex(cfg.PrivateKeys[0])
	if err != nil {
		return err
	}

	known := make(map[string]common.Address)
	if cache != nil {
		cached, err := cache.LoadCachedContracts(ctx, chainID.Uint64())
		if err != nil {
			logger.Warn("failed to load cached contracts", slog.Any("error", err))
		}
		maps.Copy(known, cached)
	}
	maps.Copy(known, pinned)

	d := contract.NewDeployer(contract.Config{
		Client:  client,
		ChainID: chainID,
		Legacy:  cfg.Legacy,
		Logger:  logger,
	})
	addrs, err := d.Ensure(ctx, deployer, refs, known)
	if err != nil {
		return fmt.Errorf("plan contracts: %w", err)
	}

	if cache != nil {
		for name, addr := range addrs {
			if known[name] == addr {
				continue
			}
			if err := cache.SaveCachedContract(ctx, chainID.Uint64(), name, addr); err != nil {
				logger.Warn("failed to cache contract", slog.String("name", name), slog.Any("error", err))
			}
		}
	}
	return plan.Bind(addrs)
}

func headSource(cfg *config.Config, client rpc.Client, logger *slog.Logger) heads.Source {
	if cfg.HeadSource == config.HeadSourcePoll {
		return heads.NewPollSource(heads.PollConfig{Client: client, Interval: cfg.PollInterval, Logger: logger})
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = heads.WSURLFromHTTP(cfg.RPCURL)
	}
	return heads.NewWSSource(heads.WSConfig{URL: wsURL, Logger: logger})
}

func healthChecks(client rpc.Client, store storage.Storage) []transport.HealthCheck {
	checks := []transport.HealthCheck{{
		Name: "rpc",
		Check: func(ctx context.Context) error {
			_, err := client.GetBlockNumber(ctx)
			return err
		},
	}}
	if store != nil {
		checks = append(checks, transport.HealthCheck{
			Name: "storage",
			Check: func(ctx context.Context) error {
				_, err := store.ListRuns(ctx, 1, 0)
				return err
			},
		})
	}
	return checks
}

func cacheOrNil(store storage.Storage) storage.ContractCache {
	if store == nil {
		return nil
	}
	return store
}

// storeOrNil avoids handing transport a non-nil interface holding nil.
func storeOrNil(store storage.Storage) transport.RunStore {
	if store == nil {
		return nil
	}
	return store
}
