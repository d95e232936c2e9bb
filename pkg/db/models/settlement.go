package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Settlement records the commission snapshot taken when an order settled.
type Settlement struct {
	ID              uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	OrderID         string         `gorm:"column:order_id;not null;uniqueIndex:ux_settlements_order_id"`
	SellerID        string         `gorm:"column:seller_id;not null;index"`
	Currency        enums.Currency `gorm:"column:currency;not null"`
	GrossCents      int64          `gorm:"column:gross_cents;not null"`
	CommissionCents int64          `gorm:"column:commission_cents;not null"`
	NetCents        int64          `gorm:"column:net_cents;not null"`
	PlanID          uuid.UUID      `gorm:"column:plan_id;type:uuid;not null"`
	RuleID          uuid.UUID      `gorm:"column:rule_id;type:uuid;not null"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (s *Settlement) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// SettlementHold tracks settled funds through pending -> reserved -> available.
type SettlementHold struct {
	ID                   uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	SettlementID         uuid.UUID        `gorm:"column:settlement_id;type:uuid;not null;uniqueIndex"`
	SellerID             string           `gorm:"column:seller_id;not null;index"`
	Currency             enums.Currency   `gorm:"column:currency;not null"`
	AmountCents          int64            `gorm:"column:amount_cents;not null"`
	HoldDays             int              `gorm:"column:hold_days;not null"`
	TrustTier            enums.TrustTier  `gorm:"column:trust_tier;not null"`
	ReleaseAt            time.Time        `gorm:"column:release_at;not null;index"`
	Status               enums.HoldStatus `gorm:"column:status;not null;index"`
	EarlyRelease         bool             `gorm:"column:early_release;not null;default:false"`
	EarlyReleaseFeeCents int64            `gorm:"column:early_release_fee_cents;not null;default:0"`
	ReservedAt           *time.Time       `gorm:"column:reserved_at"`
	ReleasedAt           *time.Time       `gorm:"column:released_at"`
	PayoutID             *uuid.UUID       `gorm:"column:payout_id;type:uuid"`
	CreatedAt            time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (h *SettlementHold) BeforeCreate(*gorm.DB) error {
	ensureID(&h.ID)
	return nil
}
