package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"giftlock/internal/clock"
	"giftlock/internal/codehash"
	"giftlock/internal/config"
	"giftlock/internal/custody"
	"giftlock/internal/dlq"
	"giftlock/internal/idempotency"
	"giftlock/internal/ledger"
	"giftlock/internal/logging"
	"giftlock/internal/metrics"
	"giftlock/internal/retry"
	"giftlock/internal/server"
	"giftlock/internal/store"
	"giftlock/internal/sweeper"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", os.Getenv("GIFTLOCK_CONFIG"), "path to a yaml or toml config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level)
	if err := run(cfg, log); err != nil {
		log.Error("giftlock.exit", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	gifts, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer gifts.Close()

	adapter, closeAdapter, err := openCustody(ctx, cfg)
	if err != nil {
		return fmt.Errorf("custody: %w", err)
	}
	defer closeAdapter()

	keys, closeKeys, err := openIdempotency(ctx, cfg)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeKeys()

	deadLetters, err := dlq.New(cfg.DLQ.Path)
	if err != nil {
		return fmt.Errorf("dlq: %w", err)
	}

	verifier, err := codehash.NewVerifier(cfg.Ledger.HashAlgorithm)
	if err != nil {
		return err
	}

	clk := clock.NewMonotonic(clock.System{})
	l, err := ledger.New(gifts, adapter,
		ledger.WithFeePolicy(cfg.FeePolicy()),
		ledger.WithClock(clk),
		ledger.WithVerifier(verifier),
		ledger.WithRetry(retry.Policy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff.Duration,
			MaxBackoff:        cfg.Retry.MaxBackoff.Duration,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		}),
		ledger.WithDeadLetters(deadLetters),
		ledger.WithLogger(log),
		ledger.WithMetrics(reg),
		ledger.WithTransferTimeout(cfg.Ledger.TransferTimeout.Duration),
	)
	if err != nil {
		return err
	}
	reg.SetDLQDepth(l.PendingFees())

	apiServer := server.NewServer(cfg, l, adapter, keys, reg, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		log.Info("server.shutdown")
		return apiServer.Shutdown(shutdownCtx)
	})
	if cfg.Sweeper.Enabled {
		sw := sweeper.New(l,
			sweeper.WithClock(clk),
			sweeper.WithInterval(cfg.Sweeper.Interval.Duration),
			sweeper.WithBatchSize(cfg.Sweeper.BatchSize),
			sweeper.WithRunTimeout(cfg.Sweeper.RunTimeout.Duration),
			sweeper.WithLogger(log),
			sweeper.WithMetrics(reg),
		)
		g.Go(func() error { return sw.Run(gctx) })
	}

	log.Info("giftlock.started",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Type,
		"custody", adapterName(cfg),
		"hash", verifier.Algorithm,
		"fee_bps", cfg.Fees.BasisPoints,
	)
	if len(cfg.Server.HMACKeys) == 0 {
		log.Warn("server.unauthenticated", "reason", "no hmac_keys configured, routes accept unsigned requests")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Type {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.Store.PostgresDSN, store.WithTable(cfg.Store.Table))
	case "redis":
		st, err = store.NewRedis(ctx, redisOptions(cfg), cfg.Store.Redis.Prefix)
	default:
		st = store.NewMemory()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.CacheSize <= 0 {
		return st, nil
	}
	cached, err := store.NewCached(st, cfg.Store.CacheSize)
	if err != nil {
		st.Close()
		return nil, err
	}
	return cached, nil
}

// openCustody falls back to the in-memory bank when no signing key is set.
func openCustody(ctx context.Context, cfg *config.Config) (custody.Adapter, func(), error) {
	if cfg.Chain.PrivateKey == "" {
		return custody.NewBank(cfg.Chain.EscrowAccount), func() {}, nil
	}
	eth, err := custody.NewEthAdapter(ctx, custody.EthAdapterConfig{
		RPCURL:         cfg.Chain.RPCURL,
		PrivateKeyHex:  cfg.Chain.PrivateKey,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
	})
	if err != nil {
		return nil, nil, err
	}
	return eth, eth.Close, nil
}

func openIdempotency(ctx context.Context, cfg *config.Config) (idempotency.Store, func(), error) {
	switch cfg.Idempotency.Store {
	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	case "postgres":
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "redis":
		client := redis.NewClient(redisOptions(cfg))
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return idempotency.NewRedisStore(client, cfg.Store.Redis.Prefix), func() { client.Close() }, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Idempotency.Path), 0o755); err != nil {
			return nil, nil, err
		}
		fs, err := idempotency.NewFileStore(cfg.Idempotency.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func redisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	}
}

func adapterName(cfg *config.Config) string {
	if cfg.Chain.PrivateKey == "" {
		return "bank"
	}
	return "ethereum"
}
