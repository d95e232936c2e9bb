package payouts

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

var (
	jitterMu     sync.Mutex
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff is base * 2^(attempts-1), capped, plus up to 20% jitter.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempts && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return withJitter(d)
}

func withJitter(d time.Duration) time.Duration {
	window := int64(d) / 5
	if window <= 0 {
		return d
	}
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return d + time.Duration(jitterSource.Int63n(window))
}

// MarkSucceeded applies a provider success. A QUEUED payout is moved
// through SENT first. Returns false when the payout is already past
// SUCCEEDED.
func (s *Service) MarkSucceeded(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, providerRef string) (bool, error) {
	switch p.Status {
	case enums.PayoutQueued:
		c := change{}
		if providerRef != "" {
			c.fields = map[string]any{"provider_ref": providerRef}
		}
		if err := s.transition(ctx, tx, p, enums.PayoutSent, c); err != nil {
			return false, err
		}
	case enums.PayoutSent, enums.PayoutFailed:
	default:
		return false, nil
	}
	c := change{}
	if p.ProviderRef == nil && providerRef != "" {
		c.fields = map[string]any{"provider_ref": providerRef}
	}
	if err := s.transition(ctx, tx, p, enums.PayoutSucceeded, c); err != nil {
		return false, err
	}
	return true, nil
}

// MarkFailed records a provider failure. Rejected failures and failures on
// the last allowed attempt quarantine the payout and raise an alert; the
// rest are re-queued with backoff.
func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, code, reason string, rejected bool) (bool, error) {
	return s.fail(ctx, tx, p, code, reason, rejected, nil)
}

func (s *Service) fail(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, code, reason string, rejected bool, extra map[string]any) (bool, error) {
	if p.Status != enums.PayoutSent && p.Status != enums.PayoutQueued {
		return false, nil
	}
	fields := map[string]any{"failure_reason": reason}
	for k, v := range extra {
		fields[k] = v
	}
	if code != "" {
		fields["failure_code"] = code
	}
	if err := s.transition(ctx, tx, p, enums.PayoutFailed, change{reason: reason, fields: fields}); err != nil {
		return false, err
	}
	if rejected || p.Attempts >= s.cfg.MaxAttempts {
		return true, s.quarantineFailed(ctx, tx, p, reason, rejected)
	}
	next := s.now().UTC().Add(Backoff(p.Attempts, s.cfg.BackoffBase, s.cfg.BackoffCap))
	return true, s.transition(ctx, tx, p, enums.PayoutQueued, change{
		reason: "retry scheduled",
		fields: map[string]any{"next_attempt_at": next},
	})
}

func (s *Service) quarantineFailed(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, reason string, rejected bool) error {
	if err := s.transition(ctx, tx, p, enums.PayoutQuarantined, change{reason: reason}); err != nil {
		return err
	}
	amount := p.NetCents
	_, _, err := s.alerts.Raise(ctx, tx, alerts.Alert{
		Type:        enums.AlertPayoutQuarantined,
		Severity:    enums.SeverityHigh,
		ReferenceID: p.ID.String(),
		SellerID:    p.SellerTenantID,
		AmountCents: &amount,
		Details: map[string]any{
			"attempts": p.Attempts,
			"rejected": rejected,
			"reason":   reason,
		},
	})
	if err != nil {
		return err
	}
	s.logg.Warn(s.logg.WithFields(s.logg.WithPayoutID(ctx, p.ID.String()), map[string]any{
		"attempts": p.Attempts,
		"rejected": rejected,
		"reason":   reason,
	}), "payout quarantined")
	return nil
}

// MarkReversed returns the debit for a payout the provider reversed or
// failed after it left the dispatch loop, and raises an alert.
func (s *Service) MarkReversed(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, alertType enums.AlertType, reason string) (bool, error) {
	switch p.Status {
	case enums.PayoutSent, enums.PayoutFailed, enums.PayoutSucceeded:
	default:
		return false, nil
	}
	prior := p.Status
	if err := s.reverse(ctx, tx, p, "system", reason); err != nil {
		return false, err
	}
	amount := p.NetCents
	if _, _, err := s.alerts.Raise(ctx, tx, alerts.Alert{
		Type:        alertType,
		Severity:    enums.SeverityCritical,
		ReferenceID: p.ID.String(),
		SellerID:    p.SellerTenantID,
		AmountCents: &amount,
		Details:     map[string]any{"prior_status": prior, "reason": reason},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// MarkReconciled confirms provider settlement.
func (s *Service) MarkReconciled(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, actor, reason string) (bool, error) {
	switch p.Status {
	case enums.PayoutSent, enums.PayoutFailed:
		if err := s.transition(ctx, tx, p, enums.PayoutSucceeded, change{actor: actor, reason: reason}); err != nil {
			return false, err
		}
	case enums.PayoutSucceeded, enums.PayoutQuarantined:
	default:
		return false, nil
	}
	if err := s.transition(ctx, tx, p, enums.PayoutReconciled, change{actor: actor, reason: reason}); err != nil {
		return false, err
	}
	return true, nil
}
