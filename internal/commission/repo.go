package commission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Repository persists commission plans and their rules.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, plan *models.CommissionPlan) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.CommissionPlan, error)
	List(ctx context.Context, scope enums.CommissionScope, status enums.PlanStatus) ([]models.CommissionPlan, error)
	ActivePlans(ctx context.Context, scope enums.CommissionScope, scopeRef string, at time.Time) ([]models.CommissionPlan, error)
	CurrentDefault(ctx context.Context, scope enums.CommissionScope, scopeRef string) (*models.CommissionPlan, error)
	UpdateFields(ctx context.Context, id uuid.UUID, expected enums.PlanStatus, fields map[string]any) (bool, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, plan *models.CommissionPlan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.CommissionPlan, error) {
	var plan models.CommissionPlan
	err := r.db.WithContext(ctx).
		Preload("Rules", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		Take(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repository) List(ctx context.Context, scope enums.CommissionScope, status enums.PlanStatus) ([]models.CommissionPlan, error) {
	q := r.db.WithContext(ctx).
		Preload("Rules", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("created_at DESC")
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var plans []models.CommissionPlan
	return plans, q.Find(&plans).Error
}

// ActivePlans returns plans in force at `at`, most recently activated first.
func (r *repository) ActivePlans(ctx context.Context, scope enums.CommissionScope, scopeRef string, at time.Time) ([]models.CommissionPlan, error) {
	var plans []models.CommissionPlan
	err := r.db.WithContext(ctx).
		Preload("Rules").
		Where("scope = ? AND scope_ref = ? AND status = ? AND effective_from <= ?", scope, scopeRef, enums.PlanStatusActive, at).
		Order("activated_at DESC").
		Find(&plans).Error
	return plans, err
}

func (r *repository) CurrentDefault(ctx context.Context, scope enums.CommissionScope, scopeRef string) (*models.CommissionPlan, error) {
	var plan models.CommissionPlan
	err := r.db.WithContext(ctx).
		Where("scope = ? AND scope_ref = ? AND status = ? AND is_default = ?", scope, scopeRef, enums.PlanStatusActive, true).
		Take(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpdateFields applies fields only while the plan is still in expected.
func (r *repository) UpdateFields(ctx context.Context, id uuid.UUID, expected enums.PlanStatus, fields map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.CommissionPlan{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(fields)
	return res.RowsAffected == 1, res.Error
}
