// Package bootstrap assembles the finance service graph shared by the api,
// payout-worker and cron-worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/commission"
	"github.com/angelmondragon/settlement-ledger/internal/destinations"
	"github.com/angelmondragon/settlement-ledger/internal/idempotency"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/internal/provider/sandbox"
	"github.com/angelmondragon/settlement-ledger/internal/provider/stripeconnect"
	"github.com/angelmondragon/settlement-ledger/internal/reconcile"
	"github.com/angelmondragon/settlement-ledger/internal/rollout"
	"github.com/angelmondragon/settlement-ledger/internal/settlement"
	"github.com/angelmondragon/settlement-ledger/internal/trust"
	"github.com/angelmondragon/settlement-ledger/internal/webhooks"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/metrics"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
	"github.com/angelmondragon/settlement-ledger/pkg/redis"
	"github.com/angelmondragon/settlement-ledger/pkg/security"
	pkgstripe "github.com/angelmondragon/settlement-ledger/pkg/stripe"
)

const seenCacheTTL = 24 * time.Hour

type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	// Redis is optional; without it webhook dedupe falls back to the inbox table.
	Redis    redis.IdempotencyStore
	Metrics  *metrics.FinanceMetrics
	Provider provider.Provider
}

type Services struct {
	Provider     provider.Provider
	Ledger       ledger.Service
	LedgerRepo   ledger.Repository
	Audit        *audit.Log
	Events       *outbox.Service
	OutboxRepo   *outbox.Repository
	Guard        *idempotency.Guard
	Plans        commission.PlanService
	Resolver     *commission.Resolver
	Trust        *trust.Service
	Rollout      *rollout.Service
	Destinations *destinations.Service
	Alerts       *alerts.Service
	PayoutRepo   payouts.Repository
	Payouts      *payouts.Service
	Settlement   *settlement.Service
	Webhooks     *webhooks.Service
	Reconcile    *reconcile.Service
}

// NewProvider picks the payout rail named in config.
func NewProvider(ctx context.Context, cfg *config.Config, logg *logger.Logger) (provider.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderStripe:
		client, err := pkgstripe.NewClient(ctx, cfg.Provider, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		return stripeconnect.New(client, cfg.Webhook.FreshnessWindow)
	case config.ProviderSandbox, "":
		if cfg.App.IsProd() {
			return nil, fmt.Errorf("sandbox payout provider is not allowed in %s", cfg.App.Env)
		}
		return sandbox.New(cfg.Webhook.Secret, cfg.Webhook.FreshnessWindow, nil), nil
	default:
		return nil, fmt.Errorf("unsupported payout provider %q", cfg.Provider.Kind)
	}
}

func Build(ctx context.Context, p Params) (*Services, error) {
	if p.Config == nil || p.DB == nil {
		return nil, fmt.Errorf("config and db are required")
	}
	cfg, logg := p.Config, p.Logger
	conn := p.DB.DB()
	s := &Services{Provider: p.Provider}

	if s.Provider == nil {
		prov, err := NewProvider(ctx, cfg, logg)
		if err != nil {
			return nil, err
		}
		s.Provider = prov
	}

	var err error
	s.LedgerRepo = ledger.NewRepository(conn)
	if s.Ledger, err = ledger.NewService(s.LedgerRepo); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	s.Audit = audit.NewLog(conn)
	s.OutboxRepo = outbox.NewRepository(conn)
	s.Events = outbox.NewService(s.OutboxRepo, logg)
	if s.Guard, err = idempotency.NewGuard(p.DB, 0); err != nil {
		return nil, fmt.Errorf("idempotency guard: %w", err)
	}

	planRepo := commission.NewRepository(conn)
	if s.Plans, err = commission.NewPlanService(planRepo, p.DB, s.Audit); err != nil {
		return nil, fmt.Errorf("commission plans: %w", err)
	}
	s.Resolver = commission.NewResolver(planRepo)

	if s.Trust, err = trust.NewService(trust.Params{
		DB: conn, Tx: p.DB, Guard: s.Guard, Audit: s.Audit, Logger: logg, Config: cfg.Trust,
	}); err != nil {
		return nil, fmt.Errorf("trust: %w", err)
	}
	if s.Rollout, err = rollout.NewService(rollout.Params{DB: conn, Tx: p.DB, Audit: s.Audit, Logger: logg}); err != nil {
		return nil, fmt.Errorf("rollout: %w", err)
	}

	sealer, err := security.NewSealer(cfg.Destinations.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("destination sealer: %w", err)
	}
	if s.Destinations, err = destinations.NewService(destinations.Params{
		DB: conn, Tx: p.DB, Sealer: sealer, Audit: s.Audit, Logger: logg,
	}); err != nil {
		return nil, fmt.Errorf("destinations: %w", err)
	}
	if s.Alerts, err = alerts.NewService(alerts.Params{
		DB: conn, Tx: p.DB, Events: s.Events, Audit: s.Audit, Metrics: p.Metrics, Logger: logg,
	}); err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}

	s.PayoutRepo = payouts.NewRepository(conn)
	if s.Payouts, err = payouts.NewService(payouts.Params{
		DB:           conn,
		Tx:           p.DB,
		Repository:   s.PayoutRepo,
		Ledger:       s.Ledger,
		Policy:       s.Rollout,
		Destinations: s.Destinations,
		Events:       s.Events,
		Audit:        s.Audit,
		Alerts:       s.Alerts,
		Guard:        s.Guard,
		Provider:     s.Provider,
		Metrics:      p.Metrics,
		Logger:       logg,
		Config:       cfg.Payout,
	}); err != nil {
		return nil, fmt.Errorf("payouts: %w", err)
	}

	if s.Settlement, err = settlement.NewService(settlement.Params{
		DB:           conn,
		Tx:           p.DB,
		Guard:        s.Guard,
		Resolver:     s.Resolver,
		Ledger:       s.Ledger,
		Terms:        s.Trust,
		Policy:       s.Rollout,
		Destinations: s.Destinations,
		Payouts:      s.Payouts,
		Events:       s.Events,
		Audit:        s.Audit,
		Logger:       logg,
	}); err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}

	var seen *webhooks.SeenCache
	if p.Redis != nil {
		if seen, err = webhooks.NewSeenCache(p.Redis, seenCacheTTL, cfg.Webhook.Provider); err != nil {
			return nil, fmt.Errorf("webhook seen cache: %w", err)
		}
	}
	if s.Webhooks, err = webhooks.NewService(webhooks.Params{
		DB:       conn,
		Tx:       p.DB,
		Provider: s.Provider,
		Payouts:  s.Payouts,
		Repo:     s.PayoutRepo,
		Alerts:   s.Alerts,
		Ops:      s.Audit,
		Seen:     seen,
		Metrics:  p.Metrics,
		Logger:   logg,
		Config:   cfg.Webhook,
	}); err != nil {
		return nil, fmt.Errorf("webhooks: %w", err)
	}

	if s.Reconcile, err = reconcile.NewService(reconcile.Params{
		DB:              conn,
		Tx:              p.DB,
		Provider:        s.Provider,
		Payouts:         s.Payouts,
		Repo:            s.PayoutRepo,
		Ledger:          s.LedgerRepo,
		Alerts:          s.Alerts,
		Audit:           s.Audit,
		Logger:          logg,
		Config:          cfg.Reconcile,
		ProviderTimeout: cfg.Payout.ProviderTimeout,
	}); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	return s, nil
}
