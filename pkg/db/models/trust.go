package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// SellerTrustScore is the current trust score of a seller.
type SellerTrustScore struct {
	SellerID    string          `gorm:"column:seller_id;primaryKey"`
	Score       int             `gorm:"column:score;not null"`
	Tier        enums.TrustTier `gorm:"column:tier;not null"`
	Components  json.RawMessage `gorm:"column:components_json;type:jsonb;not null"`
	ComputedAt  time.Time       `gorm:"column:computed_at;not null"`
	WindowStart time.Time       `gorm:"column:window_start;not null"`
	WindowEnd   time.Time       `gorm:"column:window_end;not null"`
}

// SellerRiskSignal is one day of externally sourced seller behavior.
type SellerRiskSignal struct {
	ID            uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	SellerID      string    `gorm:"column:seller_id;not null;uniqueIndex:ux_seller_risk_signals_day"`
	ObservedOn    time.Time `gorm:"column:observed_on;type:date;not null;uniqueIndex:ux_seller_risk_signals_day"`
	Orders        int       `gorm:"column:orders;not null;default:0"`
	LateShipments int       `gorm:"column:late_shipments;not null;default:0"`
	Disputes      int       `gorm:"column:disputes;not null;default:0"`
	Chargebacks   int       `gorm:"column:chargebacks;not null;default:0"`
	SLABreaches   int       `gorm:"column:sla_breaches;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (s *SellerRiskSignal) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// TenantRolloutPolicy carries per-tenant risk caps and kill switches.
type TenantRolloutPolicy struct {
	SellerID            string    `gorm:"column:seller_id;primaryKey"`
	PayoutPaused        bool      `gorm:"column:payout_paused;not null;default:false"`
	BoostPaused         bool      `gorm:"column:boost_paused;not null;default:false"`
	EscrowPaused        bool      `gorm:"column:escrow_paused;not null;default:false"`
	MaxDailyPayoutCents *int64    `gorm:"column:max_daily_payout_cents"`
	HoldDaysOverride    *int      `gorm:"column:hold_days_override"`
	UpdatedBy           string    `gorm:"column:updated_by;not null;default:'system'"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
