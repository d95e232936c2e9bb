package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/settlement-ledger/api/controllers"
	"github.com/angelmondragon/settlement-ledger/api/middleware"
	"github.com/angelmondragon/settlement-ledger/internal/commission"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	pkgredis "github.com/angelmondragon/settlement-ledger/pkg/redis"
)

// RedisStore is what the HTTP edge needs from Redis: replayable
// Idempotency-Key responses and fixed-window counters.
type RedisStore interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Deps struct {
	Config  *config.Config
	Logger  *logger.Logger
	Redis   RedisStore
	Metrics http.Handler
	Ready   []controllers.Dependency

	Settlements  controllers.Settler
	Webhooks     controllers.WebhookIngester
	Payouts      controllers.PayoutAdmin
	Requests     controllers.PayoutRequestDesk
	Plans        commission.PlanService
	Balances     controllers.BalanceReader
	Holds        controllers.HoldDesk
	Trust        controllers.TrustDesk
	Policy       controllers.PolicyDesk
	Destinations controllers.DestinationDesk
	Alerts       controllers.AlertDesk
}

func NewRouter(d Deps) http.Handler {
	cfg, logg := d.Config, d.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	webhookPolicy := middleware.NewRateLimitPolicy("webhook", cfg.RateLimit.Window, cfg.RateLimit.WebhookLimit)
	adminPolicy := middleware.NewRateLimitPolicy("admin", cfg.RateLimit.Window, cfg.RateLimit.AdminLimit)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.Ready...))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalToken(cfg.Service.InternalToken, logg))
		r.Post("/settlements", controllers.SettleOrder(d.Settlements, logg))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookPolicy, d.Redis, logg))
		r.Post("/provider", controllers.ProviderWebhook(d.Webhooks, logg))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RateLimit(adminPolicy, d.Redis, logg))
		r.Use(middleware.RequireMutator(logg))
		r.Use(middleware.Idempotency(d.Redis, cfg.Redis.IdempotencyTTL, logg))

		r.Route("/payouts/{payoutId}", func(r chi.Router) {
			r.Get("/", controllers.GetPayout(d.Payouts, logg))
			r.Post("/cancel", controllers.CancelPayout(d.Payouts, logg))
			r.Post("/quarantine", controllers.QuarantinePayout(d.Payouts, logg))
			r.Post("/force-reconcile", controllers.ForceReconcilePayout(d.Payouts, logg))
			r.Post("/force-finalize", controllers.ForceFinalizePayout(d.Payouts, logg))
		})

		r.Route("/payout-requests", func(r chi.Router) {
			r.Get("/", controllers.ListPayoutRequests(d.Requests, logg))
			r.Post("/", controllers.CreatePayoutRequest(d.Requests, logg))
			r.Post("/{requestId}/approve", controllers.ApprovePayoutRequest(d.Requests, logg))
			r.Post("/{requestId}/reject", controllers.RejectPayoutRequest(d.Requests, logg))
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", controllers.ListPlans(d.Plans, logg))
			r.Post("/", controllers.CreatePlan(d.Plans, logg))
			r.Get("/{planId}", controllers.GetPlan(d.Plans, logg))
			r.Post("/{planId}/activate", controllers.ActivatePlan(d.Plans, logg))
			r.Post("/{planId}/archive", controllers.ArchivePlan(d.Plans, logg))
		})

		r.Route("/sellers/{sellerId}", func(r chi.Router) {
			r.Get("/balance", controllers.SellerBalance(d.Balances, logg))
			r.Get("/holds", controllers.SellerHolds(d.Holds, logg))
			r.Post("/payouts", controllers.CreatePayout(d.Payouts, logg))
			r.Get("/trust", controllers.SellerTrust(d.Trust, logg))
			r.Post("/trust/recompute", controllers.RecomputeTrust(d.Trust, logg))
			r.Get("/policy", controllers.GetPolicy(d.Policy, logg))
			r.Put("/policy", controllers.PutPolicy(d.Policy, logg))
			r.Get("/destinations", controllers.ListDestinations(d.Destinations, logg))
			r.Post("/destinations", controllers.RegisterDestination(d.Destinations, logg))
		})

		r.Post("/holds/{holdId}/early-release", controllers.EarlyRelease(d.Holds, logg))

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", controllers.ListAlerts(d.Alerts, logg))
			r.Post("/{alertId}/ack", controllers.AcknowledgeAlert(d.Alerts, logg))
		})
	})

	return r
}
