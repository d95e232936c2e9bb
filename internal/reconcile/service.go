// Package reconcile compares internal payout state against the provider
// and scans the ledger for integrity drift.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

const actor = "reconciler"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

type alertRaiser interface {
	Raise(ctx context.Context, tx *gorm.DB, a alerts.Alert) (*models.IntegrityAlert, bool, error)
	RaiseNow(ctx context.Context, a alerts.Alert) (*models.IntegrityAlert, bool, error)
}

type payoutEffects interface {
	MarkReconciled(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, actor, reason string) (bool, error)
	MarkReversed(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, alertType enums.AlertType, reason string) (bool, error)
}

// Summary counts one reconciliation pass.
type Summary struct {
	Checked    int
	Reconciled int
	Reversed   int
	Missing    int
	Mismatched int
	Pending    int
	Failed     int
}

type Service struct {
	db       *gorm.DB
	tx       txRunner
	provider provider.Provider
	payouts  payoutEffects
	repo     payouts.Repository
	ledger   ledger.Repository
	alerts   alertRaiser
	audit    auditWriter
	logg     *logger.Logger
	cfg      config.ReconcileConfig
	timeout  time.Duration
	now      func() time.Time
}

type Params struct {
	DB              *gorm.DB
	Tx              txRunner
	Provider        provider.Provider
	Payouts         payoutEffects
	Repo            payouts.Repository
	Ledger          ledger.Repository
	Alerts          alertRaiser
	Audit           auditWriter
	Logger          *logger.Logger
	Config          config.ReconcileConfig
	ProviderTimeout time.Duration
}

func NewService(p Params) (*Service, error) {
	switch {
	case p.DB == nil || p.Tx == nil:
		return nil, fmt.Errorf("reconcile: database required")
	case p.Provider == nil:
		return nil, fmt.Errorf("reconcile: provider required")
	case p.Payouts == nil || p.Repo == nil || p.Ledger == nil:
		return nil, fmt.Errorf("reconcile: payouts and ledger required")
	case p.Alerts == nil || p.Audit == nil:
		return nil, fmt.Errorf("reconcile: alerts and audit required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	cfg := p.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 72 * time.Hour
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 24 * time.Hour
	}
	timeout := p.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		db:       p.DB,
		tx:       p.Tx,
		provider: p.Provider,
		payouts:  p.Payouts,
		repo:     p.Repo,
		ledger:   p.Ledger,
		alerts:   p.Alerts,
		audit:    p.Audit,
		logg:     logg,
		cfg:      cfg,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// FullSweepDue reports whether the daily full sweep should run at t.
func (s *Service) FullSweepDue(t time.Time) bool {
	return t.UTC().Hour() == s.cfg.FullSweepHour
}

// Run checks SENT and SUCCEEDED payouts against the provider. The recent
// pass only looks at payouts touched within the configured window; full
// covers every open payout.
func (s *Service) Run(ctx context.Context, full bool) (Summary, error) {
	var summary Summary
	now := s.now().UTC()
	var since time.Time
	if !full {
		since = now.Add(-s.cfg.RecentWindow)
	}
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	statuses := []enums.PayoutStatus{enums.PayoutSent, enums.PayoutSucceeded}

	var errs error
	var cursor *payouts.Cursor
	seen := map[uuid.UUID]struct{}{}
	for {
		candidates, err := s.repo.ListByStatus(ctx, statuses, since, cursor, batch)
		if err != nil {
			return summary, multierr.Append(errs, fmt.Errorf("listing payouts to reconcile: %w", err))
		}
		for i := range candidates {
			p := &candidates[i]
			if ctx.Err() != nil {
				return summary, multierr.Append(errs, ctx.Err())
			}
			// A repair that keeps the payout open moves it to the tail.
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			if s.cfg.MinAge > 0 && now.Sub(p.UpdatedAt) < s.cfg.MinAge {
				continue
			}
			summary.Checked++
			if err := s.check(ctx, p, now, &summary); err != nil {
				summary.Failed++
				errs = multierr.Append(errs, fmt.Errorf("payout %s: %w", p.ID, err))
			}
		}
		if len(candidates) < batch {
			break
		}
		cursor = payouts.CursorAt(candidates[len(candidates)-1])
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"full":       full,
		"checked":    summary.Checked,
		"reconciled": summary.Reconciled,
		"reversed":   summary.Reversed,
		"missing":    summary.Missing,
	}), "reconciliation pass finished")
	return summary, errs
}

func (s *Service) check(ctx context.Context, p *models.ProviderPayout, now time.Time, summary *Summary) error {
	ctx = s.logg.WithPayoutID(ctx, p.ID.String())
	lookup := provider.Lookup{PayoutID: p.ID.String(), IdempotencyKey: p.IdempotencyKey}
	if p.ProviderRef != nil {
		lookup.ProviderRef = *p.ProviderRef
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	snap, err := s.provider.LookupPayout(callCtx, lookup)
	cancel()

	switch {
	case errors.Is(err, provider.ErrNotFound):
		return s.missing(ctx, p, now, summary)
	case err != nil:
		return pkgerrors.ClassifyProvider(err)
	}

	if snap.AmountCents > 0 && snap.AmountCents != p.NetCents {
		summary.Mismatched++
		amount := snap.AmountCents
		_, _, err := s.alerts.RaiseNow(ctx, alerts.Alert{
			Type:        enums.AlertAmountMismatch,
			Severity:    s.severityFor(p.NetCents - snap.AmountCents),
			ReferenceID: p.ID.String(),
			SellerID:    p.SellerTenantID,
			AmountCents: &amount,
			Details:     map[string]any{"expected_cents": p.NetCents, "provider_cents": snap.AmountCents, "provider_ref": snap.ProviderRef},
		})
		return err
	}

	switch snap.Status {
	case provider.StatusSettled:
		applied, err := s.apply(ctx, p, audit.ActionPayoutReconciled, "provider confirmed settlement", func(tx *gorm.DB, cur *models.ProviderPayout) (bool, error) {
			return s.payouts.MarkReconciled(ctx, tx, cur, actor, "provider confirmed settlement")
		})
		if applied {
			summary.Reconciled++
		}
		return err
	case provider.StatusFailed, provider.StatusReversed:
		alertType, reason := enums.AlertProviderFailure, "provider reports failure"
		if snap.Status == provider.StatusReversed {
			alertType, reason = enums.AlertProviderReversal, "provider reports reversal"
		}
		applied, err := s.apply(ctx, p, audit.ActionPayoutReversed, reason, func(tx *gorm.DB, cur *models.ProviderPayout) (bool, error) {
			return s.payouts.MarkReversed(ctx, tx, cur, alertType, reason)
		})
		if applied {
			summary.Reversed++
			s.logg.Warn(s.logg.WithField(ctx, "provider_status", string(snap.Status)), "payout reversed by reconciliation")
		}
		return err
	default:
		summary.Pending++
		return nil
	}
}

// apply reloads the payout inside a transaction, runs fn and records an ops
// entry when fn changed anything. A payout that moved on concurrently is
// skipped.
func (s *Service) apply(ctx context.Context, p *models.ProviderPayout, action, reason string, fn func(tx *gorm.DB, cur *models.ProviderPayout) (bool, error)) (bool, error) {
	var applied bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cur, err := s.repo.WithTx(tx).FindByID(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Version != p.Version {
			return nil
		}
		before := cur.Status
		applied, err = fn(tx, cur)
		if err != nil || !applied {
			return err
		}
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryOps,
			Action:     action,
			Actor:      actor,
			EntityType: "payout",
			EntityID:   cur.ID.String(),
			Before:     map[string]any{"status": before},
			After:      map[string]any{"status": cur.Status},
			Reason:     reason,
		})
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		s.logg.Info(ctx, "payout changed during reconciliation, skipped")
		return false, nil
	}
	return applied, err
}

func (s *Service) missing(ctx context.Context, p *models.ProviderPayout, now time.Time, summary *Summary) error {
	since := p.CreatedAt
	if p.SentAt != nil {
		since = *p.SentAt
	}
	if now.Sub(since) < s.cfg.GracePeriod {
		summary.Pending++
		return nil
	}
	summary.Missing++
	amount := p.NetCents
	_, created, err := s.alerts.RaiseNow(ctx, alerts.Alert{
		Type:        enums.AlertProviderMissing,
		Severity:    enums.SeverityHigh,
		ReferenceID: p.ID.String(),
		SellerID:    p.SellerTenantID,
		AmountCents: &amount,
		Details:     map[string]any{"status": p.Status, "since": since},
	})
	if err == nil && created {
		s.logg.Warn(ctx, "provider has no record of payout, flagged for manual repair")
	}
	return err
}

func (s *Service) severityFor(diff int64) enums.AlertSeverity {
	if diff < 0 {
		diff = -diff
	}
	if s.cfg.LargeDriftCents > 0 && diff >= s.cfg.LargeDriftCents {
		return enums.SeverityCritical
	}
	return enums.SeverityHigh
}
