package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/settlement-ledger/internal/bootstrap"
	"github.com/angelmondragon/settlement-ledger/internal/cron"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/metrics"
	"github.com/angelmondragon/settlement-ledger/pkg/migrate"
	"github.com/angelmondragon/settlement-ledger/pkg/redis"
)

const lockKeyFormat = "settlement:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	svcs, err := bootstrap.Build(context.Background(), bootstrap.Params{
		Config:  cfg,
		Logger:  logg,
		DB:      dbClient,
		Redis:   redisClient,
		Metrics: metrics.NewFinanceMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build services", err)
		os.Exit(1)
	}

	marker, err := cron.NewRedisSweepMarker(redisClient, redisClient.LockKey(reconcileMarkerName(cfg.App.Env)))
	if err != nil {
		logg.Error(context.Background(), "failed to build reconcile sweep marker", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, svcs, marker)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func reconcileMarkerName(env string) string {
	if env == "" {
		env = "local"
	}
	return "reconcile-full:" + env
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

// buildRegistry registers every finance job. A zero period runs the job on
// each tick.
func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, svcs *bootstrap.Services, marker cron.SweepMarker) (*cron.Registry, error) {
	registry := cron.NewRegistry()
	batch := cfg.Payout.BatchSize * 4

	reconcileJob, err := cron.NewReconcileJob(logg, svcs.Reconcile, marker)
	if err != nil {
		return nil, err
	}
	registry.Register(reconcileJob, 0)

	holdJob, err := cron.NewHoldReleaseJob(logg, svcs.Settlement, batch)
	if err != nil {
		return nil, err
	}
	registry.Register(holdJob, 0)

	claimJob, err := cron.NewStuckClaimJob(logg, svcs.Payouts, batch)
	if err != nil {
		return nil, err
	}
	registry.Register(claimJob, 0)

	sentinelJob, err := cron.NewSentinelJob(logg, svcs.Reconcile)
	if err != nil {
		return nil, err
	}
	registry.Register(sentinelJob, time.Hour)

	trustJob, err := cron.NewTrustRecomputeJob(logg, svcs.Trust)
	if err != nil {
		return nil, err
	}
	registry.Register(trustJob, 24*time.Hour)

	outboxJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: svcs.OutboxRepo,
		Retention:  cfg.Outbox.Retention,
	})
	if err != nil {
		return nil, err
	}
	registry.Register(outboxJob, 24*time.Hour)

	inboxJob, err := cron.NewInboxRetentionJob(logg, svcs.Webhooks)
	if err != nil {
		return nil, err
	}
	registry.Register(inboxJob, 24*time.Hour)

	return registry, nil
}
