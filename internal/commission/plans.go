package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

// RuleInput is one tier of a new plan.
type RuleInput struct {
	MinQty       int
	CategoryID   string
	BrandID      string
	RateBps      *int
	FlatFeeCents *int64
}

// CreatePlanInput creates a DRAFT plan.
type CreatePlanInput struct {
	Name          string
	Scope         enums.CommissionScope
	ScopeRef      string
	EffectiveFrom time.Time
	IsDefault     bool
	Rules         []RuleInput
	Actor         string
}

// PlanService covers the commission plan lifecycle DRAFT -> ACTIVE -> ARCHIVED.
type PlanService interface {
	Create(ctx context.Context, in CreatePlanInput) (*models.CommissionPlan, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CommissionPlan, error)
	List(ctx context.Context, scope enums.CommissionScope, status enums.PlanStatus) ([]models.CommissionPlan, error)
	Activate(ctx context.Context, id uuid.UUID, actor string) (*models.CommissionPlan, error)
	Archive(ctx context.Context, id uuid.UUID, actor, reason string) (*models.CommissionPlan, error)
}

type planService struct {
	repo  Repository
	tx    txRunner
	audit auditWriter
	now   func() time.Time
}

func NewPlanService(repo Repository, tx txRunner, auditLog auditWriter) (PlanService, error) {
	if repo == nil {
		return nil, fmt.Errorf("commission repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit writer required")
	}
	return &planService{repo: repo, tx: tx, audit: auditLog, now: time.Now}, nil
}

func (s *planService) Create(ctx context.Context, in CreatePlanInput) (*models.CommissionPlan, error) {
	if err := validatePlan(in); err != nil {
		return nil, err
	}
	effective := in.EffectiveFrom
	if effective.IsZero() {
		effective = s.now().UTC()
	}
	ref := strings.TrimSpace(in.ScopeRef)
	if in.Scope == enums.ScopeGlobal {
		ref = ""
	}

	plan := &models.CommissionPlan{
		Name:          strings.TrimSpace(in.Name),
		Scope:         in.Scope,
		ScopeRef:      ref,
		Status:        enums.PlanStatusDraft,
		IsDefault:     in.IsDefault,
		Version:       1,
		EffectiveFrom: effective.UTC(),
		CreatedBy:     in.Actor,
	}
	for i, r := range in.Rules {
		plan.Rules = append(plan.Rules, models.CommissionRule{
			Position:     i,
			MinQty:       r.MinQty,
			CategoryID:   optional(r.CategoryID),
			BrandID:      optional(r.BrandID),
			RateBps:      r.RateBps,
			FlatFeeCents: r.FlatFeeCents,
		})
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, plan); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionPlanCreated,
			Actor:      in.Actor,
			EntityType: "commission_plan",
			EntityID:   plan.ID.String(),
			After:      map[string]any{"scope": plan.Scope, "scope_ref": plan.ScopeRef, "rules": len(plan.Rules)},
		})
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *planService) Get(ctx context.Context, id uuid.UUID) (*models.CommissionPlan, error) {
	plan, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission plan not found")
	}
	return plan, err
}

func (s *planService) List(ctx context.Context, scope enums.CommissionScope, status enums.PlanStatus) ([]models.CommissionPlan, error) {
	return s.repo.List(ctx, scope, status)
}

// Activate moves a DRAFT plan to ACTIVE. A default plan takes over the
// default flag of its scope and records the plan it supersedes.
func (s *planService) Activate(ctx context.Context, id uuid.UUID, actor string) (*models.CommissionPlan, error) {
	var plan *models.CommissionPlan
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		plan, err = loadPlan(ctx, repo, id)
		if err != nil {
			return err
		}
		if plan.Status != enums.PlanStatusDraft {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "plan is %s, only DRAFT plans can be activated", plan.Status)
		}

		now := s.now().UTC()
		fields := map[string]any{"status": enums.PlanStatusActive, "activated_at": now}
		if plan.IsDefault {
			current, err := repo.CurrentDefault(ctx, plan.Scope, plan.ScopeRef)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if current != nil {
				if _, err := repo.UpdateFields(ctx, current.ID, enums.PlanStatusActive, map[string]any{"is_default": false}); err != nil {
					return err
				}
				fields["supersedes_id"] = current.ID
				fields["version"] = current.Version + 1
				plan.SupersedesID = &current.ID
				plan.Version = current.Version + 1
			}
		}

		ok, err := repo.UpdateFields(ctx, id, enums.PlanStatusDraft, fields)
		if err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "another default plan was activated concurrently")
			}
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "plan changed concurrently")
		}
		plan.Status = enums.PlanStatusActive
		plan.ActivatedAt = &now

		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionPlanActivated,
			Actor:      actor,
			EntityType: "commission_plan",
			EntityID:   id.String(),
			Before:     map[string]any{"status": enums.PlanStatusDraft},
			After:      map[string]any{"status": enums.PlanStatusActive, "is_default": plan.IsDefault, "supersedes_id": plan.SupersedesID},
		})
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Archive is irreversible. The default plan of a scope can only be archived
// while another ACTIVE plan exists to take over the default.
func (s *planService) Archive(ctx context.Context, id uuid.UUID, actor, reason string) (*models.CommissionPlan, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)

	var plan *models.CommissionPlan
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		plan, err = loadPlan(ctx, repo, id)
		if err != nil {
			return err
		}
		if plan.Status == enums.PlanStatusArchived {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "plan already archived")
		}

		previous := plan.Status
		if plan.Status == enums.PlanStatusActive && plan.IsDefault {
			successor, err := s.successor(ctx, repo, plan)
			if err != nil {
				return err
			}
			if successor == nil {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "cannot archive the default plan of a scope without an active successor")
			}
			if _, err := repo.UpdateFields(ctx, id, enums.PlanStatusActive, map[string]any{"is_default": false}); err != nil {
				return err
			}
			if _, err := repo.UpdateFields(ctx, successor.ID, enums.PlanStatusActive, map[string]any{"is_default": true}); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		ok, err := repo.UpdateFields(ctx, id, previous, map[string]any{
			"status":         enums.PlanStatusArchived,
			"is_default":     false,
			"archived_at":    now,
			"archive_reason": reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "plan changed concurrently")
		}
		plan.Status = enums.PlanStatusArchived
		plan.IsDefault = false
		plan.ArchivedAt = &now
		plan.ArchiveReason = &reason

		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionPlanArchived,
			Actor:      actor,
			EntityType: "commission_plan",
			EntityID:   id.String(),
			Before:     map[string]any{"status": previous},
			After:      map[string]any{"status": enums.PlanStatusArchived},
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *planService) successor(ctx context.Context, repo Repository, plan *models.CommissionPlan) (*models.CommissionPlan, error) {
	active, err := repo.ActivePlans(ctx, plan.Scope, plan.ScopeRef, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].ID != plan.ID {
			return &active[i], nil
		}
	}
	return nil, nil
}

func loadPlan(ctx context.Context, repo Repository, id uuid.UUID) (*models.CommissionPlan, error) {
	plan, err := repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission plan not found")
	}
	return plan, err
}

func validatePlan(in CreatePlanInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan name is required")
	}
	if !in.Scope.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid scope %q", in.Scope)
	}
	if in.Scope != enums.ScopeGlobal && strings.TrimSpace(in.ScopeRef) == "" {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "%s plans need a scope reference", in.Scope)
	}
	if len(in.Rules) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "a plan needs at least one rule")
	}
	seen := make(map[string]struct{}, len(in.Rules))
	for i, r := range in.Rules {
		if r.MinQty < 1 {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "rule %d: min quantity must be at least 1", i)
		}
		if (r.RateBps == nil) == (r.FlatFeeCents == nil) {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "rule %d: set exactly one of rate or flat fee", i)
		}
		if r.RateBps != nil && (*r.RateBps < 0 || *r.RateBps > 10000) {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "rule %d: rate must be within 0..10000 bps", i)
		}
		if r.FlatFeeCents != nil && *r.FlatFeeCents < 0 {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "rule %d: flat fee must not be negative", i)
		}
		key := fmt.Sprintf("%d|%s|%s", r.MinQty, r.CategoryID, r.BrandID)
		if _, dup := seen[key]; dup {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "rule %d duplicates an earlier tier", i)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
