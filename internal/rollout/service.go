// Package rollout owns per-tenant kill switches and payout caps.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
	RecordNow(ctx context.Context, entry audit.Entry) error
}

// Update is a partial policy change. Nil fields are left untouched; the
// Clear flags remove an optional cap or override.
type Update struct {
	PayoutPaused        *bool  `json:"payout_paused"`
	BoostPaused         *bool  `json:"boost_paused"`
	EscrowPaused        *bool  `json:"escrow_paused"`
	MaxDailyPayoutCents *int64 `json:"max_daily_payout_cents" validate:"omitempty,gte=0"`
	ClearMaxDailyPayout bool   `json:"clear_max_daily_payout"`
	HoldDaysOverride    *int   `json:"hold_days_override" validate:"omitempty,gte=0,lte=365"`
	ClearHoldOverride   bool   `json:"clear_hold_days_override"`
}

type Service struct {
	db    *gorm.DB
	tx    txRunner
	audit auditWriter
	logg  *logger.Logger
	now   func() time.Time
}

type Params struct {
	DB     *gorm.DB
	Tx     txRunner
	Audit  auditWriter
	Logger *logger.Logger
}

func NewService(p Params) (*Service, error) {
	if p.DB == nil || p.Tx == nil {
		return nil, fmt.Errorf("rollout: database required")
	}
	if p.Audit == nil {
		return nil, fmt.Errorf("rollout: audit writer required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{db: p.DB, tx: p.Tx, audit: p.Audit, logg: logg, now: time.Now}, nil
}

// Get returns the seller's policy. A seller without a row gets the zero
// policy: nothing paused, no cap, no override. tx may be nil.
func (s *Service) Get(ctx context.Context, tx *gorm.DB, sellerID string) (models.TenantRolloutPolicy, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}
	var row models.TenantRolloutPolicy
	err := conn.WithContext(ctx).Where("seller_id = ?", sellerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TenantRolloutPolicy{SellerID: sellerID, UpdatedBy: "system"}, nil
	}
	if err != nil {
		return models.TenantRolloutPolicy{}, err
	}
	return row, nil
}

// Put applies an update and audit-logs the before and after policy.
func (s *Service) Put(ctx context.Context, sellerID string, in Update, actor, reason string) (*models.TenantRolloutPolicy, error) {
	if sellerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	}
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	if in.MaxDailyPayoutCents != nil && *in.MaxDailyPayoutCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max daily payout must not be negative")
	}
	if in.HoldDaysOverride != nil && *in.HoldDaysOverride < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "hold days override must not be negative")
	}

	var out models.TenantRolloutPolicy
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		before, err := s.Get(ctx, tx, sellerID)
		if err != nil {
			return err
		}
		after := apply(before, in)
		after.UpdatedBy = actor
		after.UpdatedAt = s.now().UTC()

		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "seller_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"payout_paused", "boost_paused", "escrow_paused",
				"max_daily_payout_cents", "hold_days_override", "updated_by", "updated_at",
			}),
		}).Create(&after).Error; err != nil {
			return err
		}
		out = after
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionPolicyUpdated,
			Actor:      actor,
			EntityType: "tenant_rollout_policy",
			EntityID:   sellerID,
			Before:     before,
			After:      after,
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithSellerID(ctx, sellerID), map[string]any{
		"payout_paused": out.PayoutPaused,
		"escrow_paused": out.EscrowPaused,
	}), "rollout policy updated")
	return &out, nil
}

func apply(p models.TenantRolloutPolicy, in Update) models.TenantRolloutPolicy {
	if in.PayoutPaused != nil {
		p.PayoutPaused = *in.PayoutPaused
	}
	if in.BoostPaused != nil {
		p.BoostPaused = *in.BoostPaused
	}
	if in.EscrowPaused != nil {
		p.EscrowPaused = *in.EscrowPaused
	}
	switch {
	case in.ClearMaxDailyPayout:
		p.MaxDailyPayoutCents = nil
	case in.MaxDailyPayoutCents != nil:
		v := *in.MaxDailyPayoutCents
		p.MaxDailyPayoutCents = &v
	}
	switch {
	case in.ClearHoldOverride:
		p.HoldDaysOverride = nil
	case in.HoldDaysOverride != nil:
		v := *in.HoldDaysOverride
		p.HoldDaysOverride = &v
	}
	return p
}

// CheckPayout enforces the payout kill switch and the daily cap for a new
// payout of amountCents. It must run inside the transaction that creates
// the payout so the cap sees the rows committed before it.
func (s *Service) CheckPayout(ctx context.Context, tx *gorm.DB, policy models.TenantRolloutPolicy, amountCents int64) error {
	if policy.PayoutPaused {
		return pkgerrors.Newf(pkgerrors.CodeTenantPaused, "payouts are paused for seller %s", policy.SellerID)
	}
	if policy.MaxDailyPayoutCents == nil {
		return nil
	}
	used, err := s.PaidToday(ctx, tx, policy.SellerID)
	if err != nil {
		return err
	}
	limit := *policy.MaxDailyPayoutCents
	if used+amountCents > limit {
		return pkgerrors.Newf(pkgerrors.CodeLimitExceeded, "daily payout cap of %d exceeded", limit).
			WithDetails(map[string]any{
				"seller_id":    policy.SellerID,
				"used_cents":   used,
				"amount_cents": amountCents,
				"limit_cents":  limit,
			})
	}
	return nil
}

// PaidToday sums today's (UTC) payouts that count towards the daily cap.
func (s *Service) PaidToday(ctx context.Context, tx *gorm.DB, sellerID string) (int64, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var total int64
	err := conn.WithContext(ctx).Model(&models.ProviderPayout{}).
		Select("COALESCE(SUM(net_cents),0)").
		Where("seller_tenant_id = ? AND status IN ? AND created_at >= ?", sellerID, enums.DailyCapStatuses, dayStart).
		Scan(&total).Error
	return total, err
}

// RecordViolation writes a POLICY_VIOLATION ops entry for a refused action.
// Call it after the refusing transaction rolled back.
func (s *Service) RecordViolation(ctx context.Context, sellerID, action string, cause error) {
	if cause == nil {
		return
	}
	if !pkgerrors.IsCode(cause, pkgerrors.CodeTenantPaused) && !pkgerrors.IsCode(cause, pkgerrors.CodeLimitExceeded) {
		return
	}
	details := map[string]any{"action": action, "error": cause.Error()}
	var typed *pkgerrors.Error
	if errors.As(cause, &typed) {
		details["code"] = typed.Code()
	}
	entry := audit.Entry{
		Category:   audit.CategoryOps,
		Action:     audit.ActionPolicyViolation,
		EntityType: "seller",
		EntityID:   sellerID,
		After:      details,
		Severity:   "WARN",
	}
	if err := s.audit.RecordNow(ctx, entry); err != nil {
		s.logg.Error(s.logg.WithSellerID(ctx, sellerID), "failed to record policy violation", err)
		return
	}
	s.logg.Warn(s.logg.WithFields(s.logg.WithSellerID(ctx, sellerID), details), "policy violation")
}
