package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// CommissionPlan is a versioned, effective-dated set of commission rules.
// ScopeRef holds the category, brand or seller id; it is empty for GLOBAL.
type CommissionPlan struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	Name          string                `gorm:"column:name;not null"`
	Scope         enums.CommissionScope `gorm:"column:scope;not null;index:ix_commission_plans_scope"`
	ScopeRef      string                `gorm:"column:scope_ref;not null;default:'';index:ix_commission_plans_scope"`
	Status        enums.PlanStatus      `gorm:"column:status;not null"`
	IsDefault     bool                  `gorm:"column:is_default;not null;default:false"`
	Version       int                   `gorm:"column:version;not null;default:1"`
	EffectiveFrom time.Time             `gorm:"column:effective_from;not null"`
	ActivatedAt   *time.Time            `gorm:"column:activated_at"`
	ArchivedAt    *time.Time            `gorm:"column:archived_at"`
	ArchiveReason *string               `gorm:"column:archive_reason"`
	SupersedesID  *uuid.UUID            `gorm:"column:supersedes_id;type:uuid"`
	CreatedBy     string                `gorm:"column:created_by;not null"`
	Rules         []CommissionRule      `gorm:"foreignKey:PlanID"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *CommissionPlan) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// CommissionRule is one tier of a plan. Exactly one of RateBps and
// FlatFeeCents is set.
type CommissionRule struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	PlanID       uuid.UUID `gorm:"column:plan_id;type:uuid;not null;index"`
	Position     int       `gorm:"column:position;not null"`
	MinQty       int       `gorm:"column:min_qty;not null;default:1"`
	CategoryID   *string   `gorm:"column:category_id"`
	BrandID      *string   `gorm:"column:brand_id"`
	RateBps      *int      `gorm:"column:rate_bps"`
	FlatFeeCents *int64    `gorm:"column:flat_fee_cents"`
}

func (r *CommissionRule) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}
