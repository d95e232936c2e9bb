package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/settlement-ledger/internal/reconcile"
	"github.com/angelmondragon/settlement-ledger/internal/settlement"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type reconciler interface {
	Run(ctx context.Context, full bool) (reconcile.Summary, error)
	FullSweepDue(t time.Time) bool
}

type sentinel interface {
	Scan(ctx context.Context) (reconcile.SentinelSummary, error)
}

type holdReleaser interface {
	ReleaseDue(ctx context.Context, limit int) (settlement.ReleaseSummary, error)
}

type trustRecomputer interface {
	RecomputeAll(ctx context.Context) (int, error)
}

type claimReleaser interface {
	ReleaseStuckClaims(ctx context.Context, limit int) (int, error)
}

type inboxPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// NewReconcileJob checks recent payouts every run and sweeps all open
// payouts once a day at the configured hour.
func NewReconcileJob(logg *logger.Logger, svc reconciler, marker SweepMarker) (Job, error) {
	if logg == nil || svc == nil || marker == nil {
		return nil, fmt.Errorf("logger, reconciler and sweep marker required")
	}
	return &reconcileJob{logg: logg, svc: svc, marker: marker, now: time.Now}, nil
}

type reconcileJob struct {
	logg   *logger.Logger
	svc    reconciler
	marker SweepMarker
	now    func() time.Time
}

func (j *reconcileJob) Name() string { return "payout-reconcile" }

func (j *reconcileJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	full := false
	if j.svc.FullSweepDue(now) {
		last, err := j.marker.LastSweep(ctx)
		if err != nil {
			return err
		}
		full = !sameDay(last, now)
	}
	summary, err := j.svc.Run(ctx, full)
	if full && err == nil {
		if err := j.marker.MarkSweep(ctx, now); err != nil {
			return err
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"full":       full,
		"checked":    summary.Checked,
		"reconciled": summary.Reconciled,
		"reversed":   summary.Reversed,
		"missing":    summary.Missing,
		"mismatched": summary.Mismatched,
	}), "reconcile job finished")
	return err
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func NewSentinelJob(logg *logger.Logger, svc sentinel) (Job, error) {
	if logg == nil || svc == nil {
		return nil, fmt.Errorf("logger and sentinel required")
	}
	return &sentinelJob{logg: logg, svc: svc}, nil
}

type sentinelJob struct {
	logg *logger.Logger
	svc  sentinel
}

func (j *sentinelJob) Name() string { return "integrity-sentinel" }

func (j *sentinelJob) Run(ctx context.Context) error {
	summary, err := j.svc.Scan(ctx)
	j.logg.Info(j.logg.WithField(ctx, "alerts_opened", summary.AlertsOpened), "integrity scan finished")
	return err
}

func NewHoldReleaseJob(logg *logger.Logger, svc holdReleaser, limit int) (Job, error) {
	if logg == nil || svc == nil {
		return nil, fmt.Errorf("logger and hold releaser required")
	}
	return &holdReleaseJob{logg: logg, svc: svc, limit: limit}, nil
}

type holdReleaseJob struct {
	logg  *logger.Logger
	svc   holdReleaser
	limit int
}

func (j *holdReleaseJob) Name() string { return "hold-release" }

func (j *holdReleaseJob) Run(ctx context.Context) error {
	summary, err := j.svc.ReleaseDue(ctx, j.limit)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"due":             summary.Due,
		"released":        summary.Released,
		"kept_reserved":   summary.KeptReserved,
		"payouts_created": summary.PayoutsCreated,
	}), "hold release finished")
	return err
}

func NewTrustRecomputeJob(logg *logger.Logger, svc trustRecomputer) (Job, error) {
	if logg == nil || svc == nil {
		return nil, fmt.Errorf("logger and trust service required")
	}
	return &trustRecomputeJob{logg: logg, svc: svc}, nil
}

type trustRecomputeJob struct {
	logg *logger.Logger
	svc  trustRecomputer
}

func (j *trustRecomputeJob) Name() string { return "trust-recompute" }

func (j *trustRecomputeJob) Run(ctx context.Context) error {
	n, err := j.svc.RecomputeAll(ctx)
	j.logg.Info(j.logg.WithField(ctx, "sellers", n), "trust recompute finished")
	return err
}

func NewStuckClaimJob(logg *logger.Logger, svc claimReleaser, limit int) (Job, error) {
	if logg == nil || svc == nil {
		return nil, fmt.Errorf("logger and payout service required")
	}
	return &stuckClaimJob{logg: logg, svc: svc, limit: limit}, nil
}

type stuckClaimJob struct {
	logg  *logger.Logger
	svc   claimReleaser
	limit int
}

func (j *stuckClaimJob) Name() string { return "stuck-claim-repair" }

func (j *stuckClaimJob) Run(ctx context.Context) error {
	n, err := j.svc.ReleaseStuckClaims(ctx, j.limit)
	if n > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "released", n), "released stuck payout claims")
	}
	return err
}

func NewInboxRetentionJob(logg *logger.Logger, svc inboxPurger) (Job, error) {
	if logg == nil || svc == nil {
		return nil, fmt.Errorf("logger and webhook service required")
	}
	return &inboxRetentionJob{logg: logg, svc: svc}, nil
}

type inboxRetentionJob struct {
	logg *logger.Logger
	svc  inboxPurger
}

func (j *inboxRetentionJob) Name() string { return "webhook-inbox-retention" }

func (j *inboxRetentionJob) Run(ctx context.Context) error {
	n, err := j.svc.Purge(ctx)
	j.logg.Info(j.logg.WithField(ctx, "rows_deleted", n), "webhook inbox retention finished")
	return err
}
