package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	"github.com/angelmondragon/settlement-ledger/api/validators"
	"github.com/angelmondragon/settlement-ledger/internal/commission"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type ruleBody struct {
	MinQty       int    `json:"min_qty" validate:"gte=1"`
	CategoryID   string `json:"category_id"`
	BrandID      string `json:"brand_id"`
	RateBps      *int   `json:"rate_bps" validate:"omitempty,bps"`
	FlatFeeCents *int64 `json:"flat_fee_cents" validate:"omitempty,gte=0"`
}

type createPlanBody struct {
	Name          string     `json:"name" validate:"required,max=120"`
	Scope         string     `json:"scope" validate:"required"`
	ScopeRef      string     `json:"scope_ref"`
	EffectiveFrom *time.Time `json:"effective_from"`
	IsDefault     bool       `json:"is_default"`
	Rules         []ruleBody `json:"rules" validate:"required,min=1,dive"`
}

func CreatePlan(svc commission.PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body createPlanBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		scope, err := enums.ParseCommissionScope(body.Scope)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid scope"))
			return
		}
		in := commission.CreatePlanInput{
			Name:      validators.SanitizeString(body.Name, 120),
			Scope:     scope,
			ScopeRef:  strings.TrimSpace(body.ScopeRef),
			IsDefault: body.IsDefault,
			Actor:     actor,
		}
		if body.EffectiveFrom != nil {
			in.EffectiveFrom = body.EffectiveFrom.UTC()
		}
		for _, rule := range body.Rules {
			in.Rules = append(in.Rules, commission.RuleInput{
				MinQty:       rule.MinQty,
				CategoryID:   rule.CategoryID,
				BrandID:      rule.BrandID,
				RateBps:      rule.RateBps,
				FlatFeeCents: rule.FlatFeeCents,
			})
		}
		plan, err := svc.Create(r.Context(), in)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toPlanDTO(plan))
	}
}

func ListPlans(svc commission.PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			scope  enums.CommissionScope
			status enums.PlanStatus
			err    error
		)
		if raw := strings.TrimSpace(r.URL.Query().Get("scope")); raw != "" {
			if scope, err = enums.ParseCommissionScope(raw); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid scope"))
				return
			}
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			if status, err = enums.ParsePlanStatus(raw); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
		}
		plans, err := svc.List(r.Context(), scope, status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]*planDTO, 0, len(plans))
		for i := range plans {
			out = append(out, toPlanDTO(&plans[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func GetPlan(svc commission.PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "planId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		plan, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPlanDTO(plan))
	}
}

func ActivatePlan(svc commission.PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "planId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		plan, err := svc.Activate(r.Context(), id, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPlanDTO(plan))
	}
}

func ArchivePlan(svc commission.PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "planId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body reasonBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		plan, err := svc.Archive(r.Context(), id, actor, reasonText(body.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPlanDTO(plan))
	}
}
