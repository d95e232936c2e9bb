package commission

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/money"
)

// Line is the order data commission is resolved against.
type Line struct {
	SellerID   string
	CategoryID string
	BrandID    string
	Quantity   int
	GrossCents int64
}

// Quote is the resolved commission for a line.
type Quote struct {
	PlanID          uuid.UUID             `json:"plan_id"`
	RuleID          uuid.UUID             `json:"rule_id"`
	Scope           enums.CommissionScope `json:"scope"`
	RateBps         *int                  `json:"rate_bps,omitempty"`
	FlatFeeCents    *int64                `json:"flat_fee_cents,omitempty"`
	GrossCents      int64                 `json:"gross_cents"`
	CommissionCents int64                 `json:"commission_cents"`
	NetCents        int64                 `json:"net_cents"`
}

type Resolver struct {
	repo Repository
	now  func() time.Time
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// WithTx returns a resolver reading through tx.
func (r *Resolver) WithTx(tx *gorm.DB) *Resolver {
	return &Resolver{repo: r.repo.WithTx(tx), now: r.now}
}

type candidate struct {
	plan models.CommissionPlan
	rule models.CommissionRule
}

// Resolve walks scopes from most to least specific and returns the quote
// from the first scope with an applicable rule.
func (r *Resolver) Resolve(ctx context.Context, line Line) (*Quote, error) {
	if line.Quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	if line.GrossCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gross amount must not be negative")
	}
	at := r.now().UTC()

	for _, scope := range enums.ResolutionOrder() {
		ref, ok := scopeRef(scope, line)
		if !ok {
			continue
		}
		plans, err := r.repo.ActivePlans(ctx, scope, ref, at)
		if err != nil {
			return nil, err
		}
		if c, ok := pickRule(plans, line); ok {
			return quote(scope, c, line.GrossCents), nil
		}
	}
	return nil, pkgerrors.Newf(pkgerrors.CodeNoApplicablePlan,
		"no active commission plan applies to seller %s; a GLOBAL default is required", line.SellerID)
}

func scopeRef(scope enums.CommissionScope, line Line) (string, bool) {
	switch scope {
	case enums.ScopeSeller:
		return line.SellerID, line.SellerID != ""
	case enums.ScopeBrand:
		return line.BrandID, line.BrandID != ""
	case enums.ScopeCategory:
		return line.CategoryID, line.CategoryID != ""
	default:
		return "", true
	}
}

// pickRule selects the highest min-qty tier not exceeding the quantity.
// Rules pinned to the line's category or brand beat generic ones at the same
// tier and the most recently activated plan breaks remaining ties.
func pickRule(plans []models.CommissionPlan, line Line) (candidate, bool) {
	var candidates []candidate
	for _, plan := range plans {
		for _, rule := range plan.Rules {
			if rule.MinQty > line.Quantity {
				continue
			}
			if rule.CategoryID != nil && *rule.CategoryID != line.CategoryID {
				continue
			}
			if rule.BrandID != nil && *rule.BrandID != line.BrandID {
				continue
			}
			candidates = append(candidates, candidate{plan: plan, rule: rule})
		}
	}
	if len(candidates) == 0 {
		return candidate{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rule.MinQty != b.rule.MinQty {
			return a.rule.MinQty > b.rule.MinQty
		}
		if sa, sb := specificity(a.rule), specificity(b.rule); sa != sb {
			return sa > sb
		}
		ta, tb := activatedAt(a.plan), activatedAt(b.plan)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.rule.Position < b.rule.Position
	})
	return candidates[0], true
}

func specificity(rule models.CommissionRule) int {
	n := 0
	if rule.CategoryID != nil {
		n++
	}
	if rule.BrandID != nil {
		n++
	}
	return n
}

func activatedAt(plan models.CommissionPlan) time.Time {
	if plan.ActivatedAt == nil {
		return time.Time{}
	}
	return *plan.ActivatedAt
}

func quote(scope enums.CommissionScope, c candidate, gross int64) *Quote {
	q := &Quote{
		PlanID:     c.plan.ID,
		RuleID:     c.rule.ID,
		Scope:      scope,
		GrossCents: gross,
	}
	switch {
	case c.rule.RateBps != nil:
		rate := *c.rule.RateBps
		q.RateBps = &rate
		q.CommissionCents = money.ApplyBps(gross, rate)
	case c.rule.FlatFeeCents != nil:
		fee := *c.rule.FlatFeeCents
		q.FlatFeeCents = &fee
		q.CommissionCents = fee
	}
	if q.CommissionCents > gross {
		q.CommissionCents = gross
	}
	q.NetCents = gross - q.CommissionCents
	return q
}
