package commission

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

type harness struct {
	plans    PlanService
	resolver *Resolver
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	h := &harness{clock: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	svc, err := NewPlanService(repo, db.FromGorm(conn), audit.NewLog(conn))
	require.NoError(t, err)
	svc.(*planService).now = func() time.Time { return h.clock }
	h.plans = svc
	h.resolver = NewResolver(repo)
	h.resolver.now = func() time.Time { return h.clock.Add(time.Hour) }
	return h
}

func bps(v int) *int      { return &v }
func flat(v int64) *int64 { return &v }

func (h *harness) activePlan(t *testing.T, in CreatePlanInput) uuid.UUID {
	t.Helper()
	if in.Name == "" {
		in.Name = "plan"
	}
	in.Actor = "admin-1"
	in.EffectiveFrom = h.clock.Add(-time.Hour)
	plan, err := h.plans.Create(context.Background(), in)
	require.NoError(t, err)
	_, err = h.plans.Activate(context.Background(), plan.ID, "admin-1")
	require.NoError(t, err)
	h.clock = h.clock.Add(time.Minute)
	return plan.ID
}

func TestResolvePicksHighestTierNotExceedingQuantity(t *testing.T) {
	h := newHarness(t)
	h.activePlan(t, CreatePlanInput{
		Scope:     enums.ScopeGlobal,
		IsDefault: true,
		Rules: []RuleInput{
			{MinQty: 1, RateBps: bps(1000)},
			{MinQty: 10, RateBps: bps(800)},
		},
	})

	q, err := h.resolver.Resolve(context.Background(), Line{SellerID: "s-1", Quantity: 12, GrossCents: 1000})
	require.NoError(t, err)
	require.EqualValues(t, 80, q.CommissionCents)
	require.EqualValues(t, 920, q.NetCents)
	require.Equal(t, 800, *q.RateBps)

	q, err = h.resolver.Resolve(context.Background(), Line{SellerID: "s-1", Quantity: 3, GrossCents: 1000})
	require.NoError(t, err)
	require.EqualValues(t, 100, q.CommissionCents)
}

func TestResolvePrefersMostSpecificScope(t *testing.T) {
	h := newHarness(t)
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeGlobal, IsDefault: true, Rules: []RuleInput{{MinQty: 1, RateBps: bps(1000)}}})
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeCategory, ScopeRef: "shoes", Rules: []RuleInput{{MinQty: 1, RateBps: bps(700)}}})
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeSeller, ScopeRef: "s-vip", Rules: []RuleInput{{MinQty: 1, FlatFeeCents: flat(50)}}})

	ctx := context.Background()
	q, err := h.resolver.Resolve(ctx, Line{SellerID: "s-vip", CategoryID: "shoes", Quantity: 1, GrossCents: 2000})
	require.NoError(t, err)
	require.Equal(t, enums.ScopeSeller, q.Scope)
	require.EqualValues(t, 50, q.CommissionCents)

	q, err = h.resolver.Resolve(ctx, Line{SellerID: "s-2", CategoryID: "shoes", Quantity: 1, GrossCents: 2000})
	require.NoError(t, err)
	require.Equal(t, enums.ScopeCategory, q.Scope)
	require.EqualValues(t, 140, q.CommissionCents)

	q, err = h.resolver.Resolve(ctx, Line{SellerID: "s-2", CategoryID: "hats", Quantity: 1, GrossCents: 2000})
	require.NoError(t, err)
	require.Equal(t, enums.ScopeGlobal, q.Scope)
}

func TestResolveTieGoesToMostRecentlyActivatedPlan(t *testing.T) {
	h := newHarness(t)
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeBrand, ScopeRef: "acme", Rules: []RuleInput{{MinQty: 5, RateBps: bps(900)}}})
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeBrand, ScopeRef: "acme", Rules: []RuleInput{{MinQty: 5, RateBps: bps(600)}}})

	q, err := h.resolver.Resolve(context.Background(), Line{SellerID: "s", BrandID: "acme", Quantity: 5, GrossCents: 10000})
	require.NoError(t, err)
	require.EqualValues(t, 600, q.CommissionCents)
}

func TestResolveWithoutPlanIsConfigurationError(t *testing.T) {
	h := newHarness(t)
	_, err := h.resolver.Resolve(context.Background(), Line{SellerID: "s", Quantity: 1, GrossCents: 100})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNoApplicablePlan))
}

func TestFlatFeeIsCappedAtGross(t *testing.T) {
	h := newHarness(t)
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeGlobal, IsDefault: true, Rules: []RuleInput{{MinQty: 1, FlatFeeCents: flat(500)}}})
	q, err := h.resolver.Resolve(context.Background(), Line{SellerID: "s", Quantity: 1, GrossCents: 300})
	require.NoError(t, err)
	require.EqualValues(t, 300, q.CommissionCents)
	require.EqualValues(t, 0, q.NetCents)
}

func TestActivateDefaultSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.activePlan(t, CreatePlanInput{Scope: enums.ScopeGlobal, IsDefault: true, Rules: []RuleInput{{MinQty: 1, RateBps: bps(1000)}}})
	h.activePlan(t, CreatePlanInput{Scope: enums.ScopeGlobal, IsDefault: true, Rules: []RuleInput{{MinQty: 1, RateBps: bps(900)}}})

	defaults, err := h.plans.List(ctx, enums.ScopeGlobal, enums.PlanStatusActive)
	require.NoError(t, err)
	var count int
	for _, p := range defaults {
		if p.IsDefault {
			count++
			require.NotNil(t, p.SupersedesID)
			require.Equal(t, first, *p.SupersedesID)
			require.Equal(t, 2, p.Version)
		}
	}
	require.Equal(t, 1, count)
}

func TestArchiveRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	only, err := h.plans.Create(ctx, CreatePlanInput{Name: "g", Scope: enums.ScopeGlobal, IsDefault: true, Actor: "a", Rules: []RuleInput{{MinQty: 1, RateBps: bps(1000)}}})
	require.NoError(t, err)
	_, err = h.plans.Activate(ctx, only.ID, "a")
	require.NoError(t, err)

	_, err = h.plans.Archive(ctx, only.ID, "a", "no")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.plans.Archive(ctx, only.ID, "a", "replaced by new pricing")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "default without successor must be refused, got %v", err)

	h.clock = h.clock.Add(time.Minute)
	next, err := h.plans.Create(ctx, CreatePlanInput{Name: "g2", Scope: enums.ScopeGlobal, Actor: "a", Rules: []RuleInput{{MinQty: 1, RateBps: bps(900)}}})
	require.NoError(t, err)
	_, err = h.plans.Activate(ctx, next.ID, "a")
	require.NoError(t, err)

	archived, err := h.plans.Archive(ctx, only.ID, "a", "replaced by new pricing")
	require.NoError(t, err)
	require.Equal(t, enums.PlanStatusArchived, archived.Status)

	promoted, err := h.plans.Get(ctx, next.ID)
	require.NoError(t, err)
	require.True(t, promoted.IsDefault)

	_, err = h.plans.Archive(ctx, only.ID, "a", "replaced by new pricing")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	_, err = h.plans.Activate(ctx, only.ID, "a")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestCreateValidatesRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []CreatePlanInput{
		{Name: "x", Scope: enums.ScopeGlobal},
		{Name: "x", Scope: enums.ScopeSeller, Rules: []RuleInput{{MinQty: 1, RateBps: bps(10)}}},
		{Name: "x", Scope: enums.ScopeGlobal, Rules: []RuleInput{{MinQty: 1, RateBps: bps(10), FlatFeeCents: flat(1)}}},
		{Name: "x", Scope: enums.ScopeGlobal, Rules: []RuleInput{{MinQty: 0, RateBps: bps(10)}}},
		{Name: "x", Scope: enums.ScopeGlobal, Rules: []RuleInput{{MinQty: 1, RateBps: bps(10001)}}},
		{Name: "x", Scope: enums.ScopeGlobal, Rules: []RuleInput{{MinQty: 1, RateBps: bps(1)}, {MinQty: 1, RateBps: bps(2)}}},
	}
	for i, in := range cases {
		_, err := h.plans.Create(ctx, in)
		require.Truef(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "case %d: %v", i, err)
	}
}
