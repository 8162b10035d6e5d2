// Package main wires together the rip service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ripperd/internal/api"
	"ripperd/internal/clock/system"
	"ripperd/internal/config"
	"ripperd/internal/id/uuid"
	"ripperd/internal/logging"
	"ripperd/internal/metrics"
	"ripperd/internal/notify"
	"ripperd/internal/queue"
	"ripperd/internal/registry"
	"ripperd/internal/runner"
	"ripperd/internal/sweeper"
	"ripperd/internal/token"
	tokenmemory "ripperd/internal/token/memory"
	tokenpostgres "ripperd/internal/token/postgres"
	tokensqlite "ripperd/internal/token/sqlite"
	"ripperd/internal/worker"
)

func main() {
	// .env is a local-development convenience; absence is fine.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		logger.Fatal("create storage dir failed", zap.Error(err))
	}

	clock := system.New()
	idGen := uuid.New()
	q := queue.New(cfg.Queue.Limit)
	reg := registry.New(q, clock, idGen, registry.Config{
		TTL:          cfg.JobTTL(),
		AllowedHosts: cfg.Jobs.AllowedHosts,
		LogReadLimit: cfg.Jobs.LogReadLimit,
	})

	tokenStore, err := newTokenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("token store init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := tokenStore.Close(); closeErr != nil {
			logger.Warn("token store close failed", zap.Error(closeErr))
		}
	}()

	issuer, err := token.NewIssuer(tokenStore, []byte(cfg.Tokens.Secret), clock)
	if err != nil {
		logger.Fatal("token issuer init failed", zap.Error(err))
	}

	collect, err := metrics.New(func() float64 { return float64(q.Depth()) })
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	publisher := newPublisher(ctx, cfg, logger)
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	runnerCfg := runner.Config{
		JobsRoot:        cfg.Storage.Dir,
		UserAgent:       cfg.Runner.UserAgent,
		ResolveTimeout:  time.Duration(cfg.Runner.ResolveTimeoutSeconds) * time.Second,
		RequestTimeout:  time.Duration(cfg.Runner.RequestTimeoutSeconds) * time.Second,
		MaxDepth:        cfg.Runner.MaxDepth,
		Parallelism:     cfg.Runner.Parallelism,
		MinArchiveBytes: cfg.Runner.MinArchiveBytes,
	}
	resolver := runner.NewChromedpResolver(runnerCfg, logger.Named("resolver"))
	run := runner.New(runnerCfg, resolver, logger.Named("runner"))

	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.Max; i++ {
		workers = append(workers, worker.New(
			q,
			reg,
			run,
			issuer,
			publisher,
			collect,
			clock,
			worker.Config{TokenTTL: cfg.JobTTL()},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	pool := worker.NewPool(workers)

	sweep := sweeper.New(reg, issuer, clock, sweeper.Config{
		Interval: cfg.SweepInterval(),
		JobsRoot: cfg.Storage.Dir,
	}, logger.Named("sweeper"))

	apiServer := api.NewServer(reg, issuer, collect, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker pool started", zap.Int("workers", pool.Size()))
		pool.Run(ctx)
	}()

	go func() {
		logger.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval()))
		sweep.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	q.Close()
	logger.Info("shutdown complete")
}

func newTokenStore(ctx context.Context, cfg config.Config) (token.Store, error) {
	switch cfg.Tokens.Store {
	case "sqlite":
		return tokensqlite.Open(cfg.Tokens.SQLitePath)
	case "postgres":
		return tokenpostgres.New(ctx, tokenpostgres.Config{DSN: cfg.Tokens.PostgresDSN})
	case "memory":
		return tokenmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown token store %q", cfg.Tokens.Store)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) notify.Publisher {
	if cfg.Notify.Provider != "pubsub" {
		return notify.NoOp{}
	}
	pub, err := notify.NewPubSub(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicName)
	if err != nil {
		logger.Warn("pubsub init failed, completion events disabled", zap.Error(err))
		return notify.NoOp{}
	}
	return pub
}
