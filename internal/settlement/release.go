package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/money"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox/payloads"
)

// ReleaseSummary counts one hold release pass.
type ReleaseSummary struct {
	Due            int
	Released       int
	KeptReserved   int
	PayoutsCreated int
}

// ReleaseDue moves every expired hold to available. Holds of tenants with
// escrow paused stop at reserved until the pause is lifted.
func (s *Service) ReleaseDue(ctx context.Context, limit int) (ReleaseSummary, error) {
	var summary ReleaseSummary
	if limit <= 0 {
		limit = 500
	}
	var due []models.SettlementHold
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND release_at <= ?", []enums.HoldStatus{enums.HoldPending, enums.HoldReserved}, s.now().UTC()).
		Order("release_at ASC").
		Limit(limit).
		Find(&due).Error; err != nil {
		return summary, fmt.Errorf("listing due holds: %w", err)
	}
	summary.Due = len(due)

	var errs error
	for _, h := range due {
		if ctx.Err() != nil {
			return summary, multierr.Append(errs, ctx.Err())
		}
		hold, released, err := s.releaseHold(ctx, h.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("hold %s: %w", h.ID, err))
			continue
		}
		if !released {
			summary.KeptReserved++
			continue
		}
		summary.Released++
		created, err := s.autoPayout(ctx, hold, hold.AmountCents)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("hold %s payout: %w", h.ID, err))
			continue
		}
		if created {
			summary.PayoutsCreated++
		}
	}
	return summary, errs
}

func (s *Service) releaseHold(ctx context.Context, id uuid.UUID) (*models.SettlementHold, bool, error) {
	var (
		hold     *models.SettlementHold
		released bool
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		hold, err = loadHold(ctx, tx, id)
		if err != nil {
			return err
		}
		if hold.Status == enums.HoldReleased {
			return nil
		}
		policy, err := s.policy.Get(ctx, tx, hold.SellerID)
		if err != nil {
			return err
		}
		if err := s.reserve(ctx, tx, hold); err != nil {
			return err
		}
		if policy.EscrowPaused {
			return nil
		}
		if err := s.makeAvailable(ctx, tx, hold, hold.AmountCents, 0); err != nil {
			return err
		}
		released = true
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryOps,
			Action:     audit.ActionHoldReleased,
			EntityType: "settlement_hold",
			EntityID:   hold.ID.String(),
			After:      map[string]any{"amount_cents": hold.AmountCents, "release_at": hold.ReleaseAt},
		})
	})
	return hold, released, err
}

// reserve moves a PENDING hold's funds to reserved.
func (s *Service) reserve(ctx context.Context, tx *gorm.DB, hold *models.SettlementHold) error {
	if hold.Status != enums.HoldPending {
		return nil
	}
	if _, err := s.ledger.Move(ctx, tx, ledger.Transfer{
		SellerID:     hold.SellerID,
		From:         enums.BucketPending,
		To:           enums.BucketReserved,
		AmountCents:  hold.AmountCents,
		Currency:     hold.Currency,
		Reason:       enums.ReasonAdjustment,
		ReferenceID:  hold.ID.String(),
		OperationKey: "hold-reserve:" + hold.ID.String(),
	}); err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.updateHold(ctx, tx, hold, enums.HoldPending, map[string]any{
		"status":      enums.HoldReserved,
		"reserved_at": now,
	}); err != nil {
		return err
	}
	hold.Status = enums.HoldReserved
	hold.ReservedAt = &now
	return nil
}

// makeAvailable releases amount from reserved to available and closes the
// hold. fee is the part already taken as commission.
func (s *Service) makeAvailable(ctx context.Context, tx *gorm.DB, hold *models.SettlementHold, amount, fee int64) error {
	if amount > 0 {
		if _, err := s.ledger.Move(ctx, tx, ledger.Transfer{
			SellerID:     hold.SellerID,
			From:         enums.BucketReserved,
			To:           enums.BucketAvailable,
			AmountCents:  amount,
			Currency:     hold.Currency,
			Reason:       enums.ReasonAdjustment,
			ReferenceID:  hold.ID.String(),
			OperationKey: "hold-release:" + hold.ID.String(),
		}); err != nil {
			return err
		}
	}
	now := s.now().UTC()
	fields := map[string]any{"status": enums.HoldReleased, "released_at": now}
	if fee > 0 {
		fields["early_release_fee_cents"] = fee
	}
	if err := s.updateHold(ctx, tx, hold, enums.HoldReserved, fields); err != nil {
		return err
	}
	hold.Status = enums.HoldReleased
	hold.ReleasedAt = &now
	hold.EarlyReleaseFeeCents = fee

	return s.events.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventHoldReleased,
		AggregateType: enums.AggregateHold,
		AggregateID:   hold.ID.String(),
		Actor:         outbox.SystemActor("settlement"),
		OccurredAt:    now,
		Data: payloads.HoldReleasedEvent{
			HoldID:       hold.ID.String(),
			SellerID:     hold.SellerID,
			AmountCents:  amount,
			FeeCents:     fee,
			Currency:     hold.Currency,
			EarlyRelease: hold.EarlyRelease,
		},
	})
}

func (s *Service) updateHold(ctx context.Context, tx *gorm.DB, hold *models.SettlementHold, expected enums.HoldStatus, fields map[string]any) error {
	res := tx.WithContext(ctx).Model(&models.SettlementHold{}).
		Where("id = ? AND status = ?", hold.ID, expected).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "settlement hold %s changed concurrently", hold.ID)
	}
	return nil
}

// EarlyRelease releases a hold before its release date. The seller's
// effective early release fee is booked to platform revenue and the rest
// becomes available.
func (s *Service) EarlyRelease(ctx context.Context, id uuid.UUID, actor string) (*models.SettlementHold, error) {
	var hold *models.SettlementHold
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		hold, err = loadHold(ctx, tx, id)
		if err != nil {
			return err
		}
		if hold.Status == enums.HoldReleased {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "settlement hold %s is already released", id)
		}
		policy, err := s.policy.Get(ctx, tx, hold.SellerID)
		if err != nil {
			return err
		}
		if policy.EscrowPaused {
			return pkgerrors.Newf(pkgerrors.CodeTenantPaused, "escrow is paused for seller %s", hold.SellerID)
		}
		terms, err := s.terms.TermsFor(ctx, tx, hold.SellerID, policy.HoldDaysOverride)
		if err != nil {
			return err
		}
		fee := money.ApplyPercent(hold.AmountCents, terms.FeePct)
		if fee > hold.AmountCents {
			fee = hold.AmountCents
		}
		if fee < 0 {
			fee = 0
		}

		if err := s.reserve(ctx, tx, hold); err != nil {
			return err
		}
		if fee > 0 {
			if _, err := s.ledger.Post(ctx, tx, ledger.Posting{
				OperationKey: "early-release-fee:" + hold.ID.String(),
				Reason:       enums.ReasonCommission,
				ReferenceID:  hold.ID.String(),
				Currency:     hold.Currency,
				Legs: []ledger.Leg{
					{SellerID: hold.SellerID, Bucket: enums.BucketReserved, Direction: enums.DirectionDebit, AmountCents: fee},
					{Bucket: enums.BucketRevenue, Direction: enums.DirectionCredit, AmountCents: fee},
				},
			}); err != nil {
				return err
			}
		}
		if err := tx.WithContext(ctx).Model(&models.SettlementHold{}).
			Where("id = ?", hold.ID).Update("early_release", true).Error; err != nil {
			return err
		}
		hold.EarlyRelease = true
		if err := s.makeAvailable(ctx, tx, hold, hold.AmountCents-fee, fee); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionEarlyRelease,
			Actor:      actor,
			EntityType: "settlement_hold",
			EntityID:   hold.ID.String(),
			After: map[string]any{
				"amount_cents": hold.AmountCents,
				"fee_cents":    fee,
				"fee_pct":      terms.FeePct.String(),
				"trust_tier":   terms.Tier,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithSellerID(ctx, hold.SellerID), map[string]any{
		"hold_id":   hold.ID.String(),
		"fee_cents": hold.EarlyReleaseFeeCents,
	}), "hold released early")
	if _, err := s.autoPayout(ctx, hold, hold.AmountCents-hold.EarlyReleaseFeeCents); err != nil {
		s.logg.Error(s.logg.WithSellerID(ctx, hold.SellerID), "early release payout failed", err)
	}
	return hold, nil
}

// autoPayout pays released funds out to the seller's default destination.
// Policy refusals leave the funds available and are not errors.
func (s *Service) autoPayout(ctx context.Context, hold *models.SettlementHold, amount int64) (bool, error) {
	if s.payouts == nil || s.destinations == nil || amount <= 0 {
		return false, nil
	}
	dest, err := s.destinations.Default(ctx, nil, hold.SellerID)
	if err != nil {
		return false, err
	}
	if dest == nil {
		s.logg.Debug(s.logg.WithSellerID(ctx, hold.SellerID), "no payout destination, funds stay available")
		return false, nil
	}
	destID := dest.ID
	payout, created, err := s.payouts.Create(ctx, payouts.CreateInput{
		SellerID:       hold.SellerID,
		DestinationID:  &destID,
		AmountCents:    amount,
		Currency:       hold.Currency,
		IdempotencyKey: "hold-release:" + hold.ID.String(),
		Source:         "hold_release",
		Actor:          "system",
	})
	switch {
	case pkgerrors.IsCode(err, pkgerrors.CodeTenantPaused),
		pkgerrors.IsCode(err, pkgerrors.CodeLimitExceeded),
		pkgerrors.IsCode(err, pkgerrors.CodeInsufficientFunds):
		s.logg.Warn(s.logg.WithFields(s.logg.WithSellerID(ctx, hold.SellerID), map[string]any{
			"hold_id": hold.ID.String(),
			"error":   err.Error(),
		}), "automatic payout skipped")
		return false, nil
	case err != nil:
		return false, err
	}
	if err := s.db.WithContext(ctx).Model(&models.SettlementHold{}).
		Where("id = ?", hold.ID).Update("payout_id", payout.ID).Error; err != nil {
		return created, err
	}
	hold.PayoutID = &payout.ID
	return created, nil
}
