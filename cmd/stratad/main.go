// Package main is the entry point for the Strata control-plane daemon.
//
// One process runs everything: the lease-guarded event ingestor, the task
// pool with all engine handlers, the periodic scheduler, and the HTTP API.
// Horizontal instances are safe; the ingestor lease and the emergency-driver
// lease keep the singleton roles single.
//
// Configuration is via environment variables (12-factor pattern).
//
// Lifecycle:
// 1. Load and validate configuration
// 2. Connect Redis, PostgreSQL, chain RPC and the key service
// 3. Build and register the engines
// 4. Start the pool, scheduler, ingestor and HTTP server
// 5. Wait for SIGINT/SIGTERM and drain gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/api"
	"github.com/kelpejol/strata/internal/approval"
	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/coord"
	"github.com/kelpejol/strata/internal/dispatch"
	"github.com/kelpejol/strata/internal/forecast"
	"github.com/kelpejol/strata/internal/ingest"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/ops"
	"github.com/kelpejol/strata/internal/rebalance"
	"github.com/kelpejol/strata/internal/risk"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Str("vault", cfg.VaultAddress).
		Msg("starting strata control plane")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: 50,
	})
	pingCtx, pingCancel := context.WithTimeout(rootCtx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	// PostgreSQL
	st, err := store.Open(cfg.PostgresURL, cfg.DBTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()
	logger.Info().Msg("connected to postgres")

	coordinator := coord.New(rdb, logger)

	// Chain access
	registry := chain.NewRegistry()
	signer := chain.NewKeyServiceClient(cfg.KeyServiceURL, cfg.KeyServiceToken, logger)
	gw, err := chain.NewEthGateway(rootCtx, chain.GatewayOptions{
		RPCURL:        cfg.RPCURL,
		WSURL:         cfg.WSURL,
		Contracts:     cfg.Contracts,
		Confirmations: cfg.Confirmations,
		RPCTimeout:    cfg.RPCTimeout,
	}, registry, signer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to chain rpc")
	}
	defer gw.Close()
	logger.Info().Str("rpc", cfg.RPCURL).Msg("connected to chain")

	// Task runtime
	queue := task.NewQueue(rdb, logger)
	pool := task.NewPool(queue, cfg.TaskWorkers, logger)

	notifier := buildNotifier(cfg, logger)

	// Engines
	approvalEng := approval.New(st, queue, gw, notifier, cfg.VaultAddress, logger)
	for addr, levelName := range cfg.Approvers {
		lvl, err := approval.ParseLevel(levelName)
		if err != nil {
			logger.Fatal().Err(err).Str("approver", addr).Msg("invalid approver level")
		}
		approvalEng.SetApproverLevel(addr, lvl)
	}
	logger.Info().Int("approvers", len(cfg.Approvers)).Msg("approver roster loaded")

	rebalanceEng := rebalance.New(st, queue, gw, approvalEng, notifier, rebalance.Options{
		Bounds:            cfg.Tiers,
		MinAmount:         cfg.MinRebalanceAmount,
		ApprovalThreshold: cfg.ApprovalThreshold,
		DriftToleranceBps: cfg.DriftToleranceBps,
		Vault:             cfg.VaultAddress,
	}, logger)

	forecastEng := forecast.New(st, notifier, cfg.MonteCarloTrials, logger)

	riskEng := risk.New(st, queue, coordinator, gw, notifier, rebalanceEng, forecastEng, risk.Options{
		Thresholds: cfg.Indicators,
		Bounds:     cfg.Tiers,
		Vault:      cfg.VaultAddress,
		LeaseTTL:   cfg.LeaseTTL,
		RenewEvery: cfg.LeaseRenewEvery,
	}, logger)

	opsEng := ops.New(st, gw, notifier, cfg.VaultAddress, cfg.OverdueLiabilityDays, logger)

	dispatcher := dispatch.New(st, coordinator, queue, approvalEng, logger)

	pool.Register(task.KindHandleEvent, dispatcher.HandleTask)
	approvalEng.Register(pool)
	rebalanceEng.Register(pool)
	forecastEng.Register(pool)
	riskEng.Register(pool)
	opsEng.Register(pool)

	pool.Start(rootCtx)
	defer pool.Close()

	scheduler := task.NewScheduler(pool, task.DefaultSchedule(), logger)
	scheduler.Start(rootCtx)
	defer scheduler.Close()

	// Ingestion. Reorg incidents become open risk events plus a page.
	incident := func(ctx context.Context, kind, title, detail string) {
		if err := st.InsertRiskEvent(ctx, st.DB(), &model.RiskEvent{
			ID:     uuid.NewString(),
			Kind:   kind,
			Level:  model.RiskCritical,
			Title:  title,
			Detail: detail,
			Source: "ingest",
		}); err != nil {
			logger.Error().Err(err).Msg("record ingest incident failed")
		}
		if err := notifier.Notify(ctx, notify.SevCritical, title, detail); err != nil {
			logger.Error().Err(err).Msg("ingest incident notification failed")
		}
	}
	ingestor := ingest.New(gw, registry, coordinator, queue, ingest.Options{
		Contracts:     cfg.Contracts,
		GenesisBlock:  cfg.GenesisBlock,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollingInterval,
		BatchSize:     cfg.BatchSize,
		DedupTTL:      cfg.DedupTTL,
	}, incident, logger)

	go runIngestor(rootCtx, ingestor, coordinator, cfg, logger)

	// HTTP API
	srv := api.NewServer(st, rdb, coordinator, approvalEng, rebalanceEng, forecastEng, riskEng, ingestor, logger)
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	rootCancel()
	logger.Info().Msg("shutdown complete")
}

// runIngestor holds the ingestor lease and runs the poll loop while it
// lasts. Losing the lease stops the loop; the next acquisition attempt
// starts from the persisted checkpoints.
func runIngestor(ctx context.Context, in *ingest.Ingestor, c *coord.Coordinator, cfg *config.Config, logger zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := c.AcquireLease(ctx, "ingestor", cfg.LeaseTTL)
		if errors.Is(err, coord.ErrLeaseHeld) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.LeaseTTL):
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("acquire ingestor lease failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.LeaseTTL):
			}
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		lost := lease.KeepAlive(runCtx, cfg.LeaseRenewEvery)
		go func() {
			<-lost
			cancel()
		}()

		if err := in.Run(runCtx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("ingestor stopped")
		}
		cancel()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("release ingestor lease failed")
		}
	}
}

func buildNotifier(cfg *config.Config, logger zerolog.Logger) notify.Notifier {
	if cfg.SlackToken == "" {
		logger.Info().Msg("no slack token configured, notifications go to the log")
		return notify.NewLogNotifier(logger)
	}
	channels := make(map[notify.Severity]string, len(cfg.SlackChannels))
	for sev, channel := range cfg.SlackChannels {
		channels[notify.Severity(sev)] = channel
	}
	return notify.NewSlackNotifier(cfg.SlackToken, channels, logger)
}

// setupLogger creates a structured logger: pretty console output in
// development, JSON elsewhere.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "stratad").
		Str("environment", environment).
		Logger()
}
