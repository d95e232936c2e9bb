package payouts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/destinations"
	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

// Summary counts what one dispatch pass did.
type Summary struct {
	Candidates  int
	Claimed     int
	Sent        int
	Retried     int
	Quarantined int
	Paused      int
}

// pausedRecheck is how long a payout of a paused tenant waits before the
// dispatcher looks at it again.
const pausedRecheck = 5 * time.Minute

// Dispatcher is the payout drain loop. Any number of dispatchers may run
// against the same database: a payout is only dispatched by the worker
// whose claim CAS won.
type Dispatcher struct {
	svc     *Service
	limiter *rate.Limiter
	token   func() string
}

func NewDispatcher(svc *Service) (*Dispatcher, error) {
	if svc == nil {
		return nil, fmt.Errorf("dispatcher: payout service required")
	}
	if svc.provider == nil {
		return nil, fmt.Errorf("dispatcher: payout provider required")
	}
	limit := rate.Inf
	if svc.cfg.RatePerSecond > 0 {
		limit = rate.Limit(svc.cfg.RatePerSecond)
	}
	burst := svc.cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		svc:     svc,
		limiter: rate.NewLimiter(limit, burst),
		token:   uuid.NewString,
	}, nil
}

// Run drains until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.svc.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logg := d.svc.logg
	logg.Info(logg.WithFields(ctx, map[string]any{
		"batch_size":  d.svc.cfg.BatchSize,
		"concurrency": d.svc.cfg.Concurrency,
		"provider":    d.svc.provider.Name(),
	}), "payout dispatcher started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		summary, err := d.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "payout dispatch pass failed", err)
		} else if summary.Claimed > 0 {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"claimed":     summary.Claimed,
				"sent":        summary.Sent,
				"retried":     summary.Retried,
				"quarantined": summary.Quarantined,
				"paused":      summary.Paused,
			}), "payout dispatch pass")
		}
		select {
		case <-ctx.Done():
			logg.Info(ctx, "payout dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeRetried
	outcomeQuarantined
	outcomePaused
)

// RunOnce claims one batch and dispatches it with bounded concurrency.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	batch := d.svc.cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	candidates, err := d.svc.repo.ListDispatchable(ctx, d.svc.now().UTC(), batch)
	if err != nil {
		return summary, fmt.Errorf("listing dispatchable payouts: %w", err)
	}
	summary.Candidates = len(candidates)

	claimed := make([]*models.ProviderPayout, 0, len(candidates))
	for i := range candidates {
		p := candidates[i]
		ok, err := d.claim(ctx, &p)
		if err != nil {
			return summary, err
		}
		if ok {
			claimed = append(claimed, &p)
		}
	}
	summary.Claimed = len(claimed)
	if len(claimed) == 0 {
		return summary, nil
	}

	concurrency := d.svc.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]outcome, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, p := range claimed {
		g.Go(func() error {
			res, err := d.dispatch(gctx, p)
			results[i] = res
			return err
		})
	}
	err = g.Wait()
	for _, r := range results {
		switch r {
		case outcomeSent:
			summary.Sent++
		case outcomeRetried:
			summary.Retried++
		case outcomeQuarantined:
			summary.Quarantined++
		case outcomePaused:
			summary.Paused++
		}
	}
	return summary, err
}

func (d *Dispatcher) claim(ctx context.Context, p *models.ProviderPayout) (bool, error) {
	token := d.token()
	now := d.svc.now().UTC()
	fields := map[string]any{"claim_token": token, "claimed_at": now}
	ok, err := d.svc.repo.UpdateCAS(ctx, p.ID, p.Version, fields)
	if err != nil || !ok {
		return false, err
	}
	applyFields(p, fields)
	return true, nil
}

// dispatch sends one claimed payout. Only infrastructure failures are
// returned; provider outcomes are recorded on the payout.
func (d *Dispatcher) dispatch(ctx context.Context, p *models.ProviderPayout) (outcome, error) {
	svc := d.svc
	ctx = svc.logg.WithPayoutID(svc.logg.WithSellerID(ctx, p.SellerTenantID), p.ID.String())

	if p.Attempts >= svc.cfg.MaxAttempts {
		return d.record(ctx, p, nil, pkgerrors.New(pkgerrors.CodeProviderRejected, "attempt ceiling reached"))
	}
	if p.DestinationID == nil {
		return d.record(ctx, p, nil, pkgerrors.New(pkgerrors.CodeProviderRejected, "payout has no destination"))
	}
	dest, err := svc.destinations.Get(ctx, nil, p.SellerTenantID, *p.DestinationID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return d.record(ctx, p, nil, pkgerrors.Wrap(pkgerrors.CodeProviderRejected, err, "destination missing"))
		}
		return outcomeSkipped, err
	}

	policy, err := svc.policy.Get(ctx, nil, p.SellerTenantID)
	if err != nil {
		return outcomeSkipped, err
	}
	if policy.PayoutPaused {
		return d.holdPaused(ctx, p)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return outcomeSkipped, err
	}
	callCtx, cancel := context.WithTimeout(ctx, svc.cfg.ProviderTimeout)
	started := time.Now()
	receipt, callErr := svc.provider.CreatePayout(callCtx, provider.Instruction{
		PayoutID:       p.ID.String(),
		SellerID:       p.SellerTenantID,
		DestinationRef: destinations.DispatchRef(*dest),
		AmountCents:    p.NetCents,
		Currency:       p.Currency,
		IdempotencyKey: p.IdempotencyKey,
	})
	cancel()
	elapsed := time.Since(started)

	res, err := d.record(ctx, p, &receipt, callErr)
	svc.metrics.ObserveDispatch(outcomeLabel(res, callErr), elapsed)
	return res, err
}

// holdPaused hands the claim back without spending an attempt. The payout
// stays QUEUED until the tenant is unpaused.
func (d *Dispatcher) holdPaused(ctx context.Context, p *models.ProviderPayout) (outcome, error) {
	svc := d.svc
	fields := map[string]any{
		"claim_token":     nil,
		"claimed_at":      nil,
		"next_attempt_at": svc.now().UTC().Add(pausedRecheck),
	}
	ok, err := svc.repo.UpdateCAS(ctx, p.ID, p.Version, fields)
	if err != nil || !ok {
		return outcomeSkipped, err
	}
	applyFields(p, fields)
	svc.policy.RecordViolation(ctx, p.SellerTenantID, "dispatch_payout",
		pkgerrors.Newf(pkgerrors.CodeTenantPaused, "payouts are paused for seller %s", p.SellerTenantID))
	svc.metrics.ObserveDispatch("paused", 0)
	return outcomePaused, nil
}

// record applies the provider response. A nil receipt means the provider
// was never called.
func (d *Dispatcher) record(ctx context.Context, p *models.ProviderPayout, receipt *provider.Receipt, callErr error) (outcome, error) {
	svc := d.svc
	res := outcomeSkipped
	err := svc.tx.WithTx(ctx, func(tx *gorm.DB) error {
		res = outcomeSkipped
		attempts := map[string]any{"attempts": p.Attempts + 1}
		if receipt == nil {
			attempts = nil
		}

		if callErr != nil {
			classified := pkgerrors.ClassifyProvider(callErr)
			rejected := classified.Code() == pkgerrors.CodeProviderRejected
			if _, err := svc.fail(ctx, tx, p, string(classified.Code()), callErr.Error(), rejected, attempts); err != nil {
				return err
			}
			res = outcomeRetried
			if p.Status == enums.PayoutQuarantined {
				res = outcomeQuarantined
			}
			return nil
		}

		fields := map[string]any{"attempts": p.Attempts + 1}
		if receipt.ProviderRef != "" {
			fields["provider_ref"] = receipt.ProviderRef
		}
		if err := svc.transition(ctx, tx, p, enums.PayoutSent, change{fields: fields, providerRef: receipt.ProviderRef}); err != nil {
			return err
		}
		res = outcomeSent
		switch receipt.Status {
		case provider.StatusSettled:
			_, err := svc.MarkSucceeded(ctx, tx, p, receipt.ProviderRef)
			return err
		case provider.StatusFailed, provider.StatusReversed:
			if _, err := svc.MarkFailed(ctx, tx, p, string(receipt.Status), "provider reported failure at dispatch", false); err != nil {
				return err
			}
			res = outcomeRetried
			if p.Status == enums.PayoutQuarantined {
				res = outcomeQuarantined
			}
		}
		return nil
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		svc.logg.Warn(svc.logg.WithField(ctx, "error", err.Error()), "payout changed while dispatching")
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	if callErr != nil {
		svc.logg.Warn(svc.logg.WithFields(ctx, map[string]any{
			"attempts": p.Attempts,
			"status":   p.Status,
			"error":    callErr.Error(),
		}), "payout dispatch failed")
	}
	return res, nil
}

func outcomeLabel(res outcome, callErr error) string {
	switch {
	case res == outcomeQuarantined:
		return "quarantined"
	case callErr != nil:
		return "transient"
	case res == outcomeSent:
		return "sent"
	default:
		return "skipped"
	}
}
