package payouts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

// Cancel is only allowed before dispatch: CREATED or QUEUED and not
// claimed by a worker. A debited payout gets a REVERSAL credit.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	var out *models.ProviderPayout
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		p, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != enums.PayoutCreated && p.Status != enums.PayoutQueued {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout %s is %s and can no longer be cancelled", id, p.Status)
		}
		if p.ClaimToken != nil {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout %s is being dispatched", id)
		}
		before := p.Status
		if p.Status == enums.PayoutQueued {
			if _, err := s.ledger.Credit(ctx, tx, ledger.Movement{
				SellerID:     p.SellerTenantID,
				Bucket:       enums.BucketAvailable,
				AmountCents:  p.NetCents,
				Currency:     p.Currency,
				Reason:       enums.ReasonReversal,
				ReferenceID:  p.ID.String(),
				OperationKey: "payout-cancel:" + p.ID.String(),
			}); err != nil {
				return err
			}
		}
		if err := s.transition(ctx, tx, p, enums.PayoutCancelled, change{actor: actor, reason: reason}); err != nil {
			return err
		}
		out = p
		return s.audit.Record(ctx, tx, statusEntry(audit.ActionPayoutCancelled, actor, reason, p, before))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Quarantine parks a non-terminal payout for manual review.
func (s *Service) Quarantine(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	var out *models.ProviderPayout
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		p, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout %s is already %s", id, p.Status)
		}
		before := p.Status
		if err := s.transition(ctx, tx, p, enums.PayoutQuarantined, change{actor: actor, reason: reason}); err != nil {
			return err
		}
		out = p
		return s.audit.Record(ctx, tx, statusEntry(audit.ActionPayoutQuarantined, actor, reason, p, before))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForceReconcile asks the provider for the payout's real outcome and
// applies it. Each payout can be force-reconciled once; repeats return the
// payout as is.
func (s *Service) ForceReconcile(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "no payout provider configured")
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case enums.PayoutQuarantined, enums.PayoutSent, enums.PayoutFailed, enums.PayoutSucceeded:
	case enums.PayoutReconciled, enums.PayoutReversed:
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout %s is %s and was never dispatched", id, p.Status)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	snap, err := s.provider.LookupPayout(lookupCtx, lookupFor(p))
	cancel()
	if errors.Is(err, provider.ErrNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "provider has no record of payout %s", id)
	}
	if err != nil {
		return nil, pkgerrors.ClassifyProvider(err)
	}

	key := "force-reconcile:" + id.String()
	res, err := s.guard.Execute(ctx, key, "payout_force_reconcile", func(tx *gorm.DB) (any, error) {
		p, err := s.load(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		before := p.Status
		switch snap.Status {
		case provider.StatusSettled:
			if _, err := s.MarkReconciled(ctx, tx, p, actor, reason); err != nil {
				return nil, err
			}
		case provider.StatusFailed, provider.StatusReversed:
			if p.Status != enums.PayoutReversed {
				if err := s.reverse(ctx, tx, p, actor, reason); err != nil {
					return nil, err
				}
			}
		default:
			return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "provider reports payout %s as %s", id, snap.Status)
		}
		entry := statusEntry(audit.ActionPayoutForceReconcile, actor, reason, p, before)
		entry.After = map[string]any{"status": p.Status, "provider_status": snap.Status, "provider_ref": snap.ProviderRef}
		if err := s.audit.Record(ctx, tx, entry); err != nil {
			return nil, err
		}
		return map[string]any{"status": p.Status}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		s.logg.Info(s.logg.WithPayoutID(ctx, id.String()), "force reconcile already applied")
	}
	return s.Get(ctx, id)
}

// ForceFinalize closes a quarantined payout with an admin attested
// outcome: SUCCEEDED reconciles it, FAILED reverses the debit.
func (s *Service) ForceFinalize(ctx context.Context, id uuid.UUID, outcome FinalOutcome, actor, reason string) (*models.ProviderPayout, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	if outcome != OutcomeSucceeded && outcome != OutcomeFailed {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "outcome must be %s or %s", OutcomeSucceeded, OutcomeFailed)
	}
	key := fmt.Sprintf("force-finalize:%s", id)
	_, err := s.guard.Execute(ctx, key, "payout_force_finalize", func(tx *gorm.DB) (any, error) {
		p, err := s.load(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if p.Status != enums.PayoutQuarantined && p.Status != enums.PayoutFailed {
			return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "only quarantined payouts can be finalized, %s is %s", id, p.Status)
		}
		before := p.Status
		if outcome == OutcomeSucceeded {
			if _, err := s.MarkReconciled(ctx, tx, p, actor, reason); err != nil {
				return nil, err
			}
		} else if err := s.reverse(ctx, tx, p, actor, reason); err != nil {
			return nil, err
		}
		entry := statusEntry(audit.ActionPayoutForceFinalize, actor, reason, p, before)
		entry.After = map[string]any{"status": p.Status, "outcome": outcome}
		if err := s.audit.Record(ctx, tx, entry); err != nil {
			return nil, err
		}
		return map[string]any{"status": p.Status, "outcome": outcome}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ReleaseStuckClaims frees QUEUED payouts whose claim outlived the lease.
// The abandoned attempt counts towards the attempt ceiling.
func (s *Service) ReleaseStuckClaims(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.now().UTC().Add(-s.cfg.ClaimLease)
	stuck, err := s.repo.ListStuckClaims(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range stuck {
		p := stuck[i]
		won := false
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			fields := map[string]any{
				"claim_token": nil,
				"claimed_at":  nil,
				"attempts":    p.Attempts + 1,
			}
			ok, err := s.repo.WithTx(tx).UpdateCAS(ctx, p.ID, p.Version, fields)
			if err != nil || !ok {
				return err
			}
			won = true
			return s.audit.Record(ctx, tx, audit.Entry{
				Category:   audit.CategoryOps,
				Action:     audit.ActionClaimReleased,
				EntityType: "payout",
				EntityID:   p.ID.String(),
				Before:     map[string]any{"claimed_at": p.ClaimedAt, "attempts": p.Attempts},
				After:      map[string]any{"attempts": p.Attempts + 1},
				Severity:   "WARN",
			})
		})
		if err != nil {
			return released, err
		}
		if won {
			released++
		}
	}
	if released > 0 {
		s.logg.Warn(s.logg.WithField(ctx, "released", released), "released stuck payout claims")
	}
	return released, nil
}

func lookupFor(p *models.ProviderPayout) provider.Lookup {
	l := provider.Lookup{PayoutID: p.ID.String(), IdempotencyKey: p.IdempotencyKey}
	if p.ProviderRef != nil {
		l.ProviderRef = *p.ProviderRef
	}
	return l
}

func statusEntry(action, actor, reason string, p *models.ProviderPayout, before enums.PayoutStatus) audit.Entry {
	return audit.Entry{
		Category:   audit.CategoryAudit,
		Action:     action,
		Actor:      actor,
		EntityType: "payout",
		EntityID:   p.ID.String(),
		Before:     map[string]any{"status": before},
		After:      map[string]any{"status": p.Status},
		Reason:     reason,
	}
}
