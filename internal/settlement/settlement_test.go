package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/commission"
	"github.com/angelmondragon/settlement-ledger/internal/destinations"
	"github.com/angelmondragon/settlement-ledger/internal/idempotency"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/internal/provider/sandbox"
	"github.com/angelmondragon/settlement-ledger/internal/rollout"
	"github.com/angelmondragon/settlement-ledger/internal/trust"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
	"github.com/angelmondragon/settlement-ledger/pkg/security"
)

const (
	seller  = "seller-1"
	testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	conn    *gorm.DB
	ledger  ledger.Service
	trust   *trust.Service
	rollout *rollout.Service
	dests   *destinations.Service
	svc     *Service
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	conn := dbtest.Open(t)
	tx := db.FromGorm(conn)
	h := &harness{conn: conn, clock: &clock{now: time.Now().UTC()}}

	var err error
	h.ledger, err = ledger.NewService(ledger.NewRepository(conn))
	require.NoError(t, err)
	auditLog := audit.NewLog(conn)
	events := outbox.NewService(outbox.NewRepository(conn), nil)
	guard, err := idempotency.NewGuard(tx, 0)
	require.NoError(t, err)

	plans, err := commission.NewPlanService(commission.NewRepository(conn), tx, auditLog)
	require.NoError(t, err)
	plan, err := plans.Create(ctx, commission.CreatePlanInput{
		Name:      "default",
		Scope:     enums.ScopeGlobal,
		IsDefault: true,
		Actor:     "admin-1",
		Rules: []commission.RuleInput{
			{MinQty: 1, RateBps: bps(1000)},
			{MinQty: 10, RateBps: bps(800)},
		},
	})
	require.NoError(t, err)
	_, err = plans.Activate(ctx, plan.ID, "admin-1")
	require.NoError(t, err)

	h.trust, err = trust.NewService(trust.Params{
		DB: conn, Tx: tx, Guard: guard, Audit: auditLog,
		Config: config.TrustConfig{BaseHoldDays: 14, BaseEarlyReleasePct: "3.0", WindowDays: 90, MinOrders: 5, ChargebackWeight: 25},
	})
	require.NoError(t, err)
	h.rollout, err = rollout.NewService(rollout.Params{DB: conn, Tx: tx, Audit: auditLog})
	require.NoError(t, err)
	sealer, err := security.NewSealer(testKey)
	require.NoError(t, err)
	h.dests, err = destinations.NewService(destinations.Params{DB: conn, Tx: tx, Sealer: sealer, Audit: auditLog})
	require.NoError(t, err)
	alertSvc, err := alerts.NewService(alerts.Params{DB: conn, Tx: tx, Events: events, Audit: auditLog})
	require.NoError(t, err)

	payoutSvc, err := payouts.NewService(payouts.Params{
		DB:           conn,
		Tx:           tx,
		Repository:   payouts.NewRepository(conn),
		Ledger:       h.ledger,
		Policy:       h.rollout,
		Destinations: h.dests,
		Events:       events,
		Audit:        auditLog,
		Alerts:       alertSvc,
		Guard:        guard,
		Provider:     sandbox.New("secret", time.Minute, nil),
		Config:       config.PayoutConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 5, BackoffBase: time.Second, BackoffCap: time.Minute, ProviderTimeout: time.Second, ClaimLease: 20 * time.Minute},
	})
	require.NoError(t, err)

	h.svc, err = NewService(Params{
		DB:           conn,
		Tx:           tx,
		Guard:        guard,
		Resolver:     commission.NewResolver(commission.NewRepository(conn)),
		Ledger:       h.ledger,
		Terms:        h.trust,
		Policy:       h.rollout,
		Destinations: h.dests,
		Payouts:      payoutSvc,
		Events:       events,
		Audit:        auditLog,
	})
	require.NoError(t, err)
	h.svc.now = h.clock.Now
	return h
}

func bps(v int) *int { return &v }

func order(id string) SettleInput {
	return SettleInput{OrderID: id, SellerID: seller, Quantity: 12, GrossCents: 1000, Currency: enums.CurrencyEUR}
}

func (h *harness) balances(t *testing.T, sellerID string) *ledger.Balances {
	t.Helper()
	b, err := h.ledger.Balances(context.Background(), sellerID)
	require.NoError(t, err)
	return b
}

func (h *harness) hold(t *testing.T, id uuid.UUID) models.SettlementHold {
	t.Helper()
	var row models.SettlementHold
	require.NoError(t, h.conn.Where("id = ?", id).Take(&row).Error)
	return row
}

func TestSettleCreditsPendingNetOfCommission(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Settle(context.Background(), order("ord-1"))
	require.NoError(t, err)

	assert.EqualValues(t, 80, res.CommissionCents)
	assert.EqualValues(t, 920, res.NetCents)
	assert.Equal(t, enums.TrustTierC, res.TrustTier)
	assert.Equal(t, 14, res.HoldDays)
	require.NotNil(t, res.HoldID)
	assert.False(t, res.Replayed)

	b := h.balances(t, seller)
	assert.EqualValues(t, 920, b.Account.PendingCents)
	assert.EqualValues(t, 0, b.Account.AvailableCents)
	assert.False(t, b.Drifted())

	platform := h.balances(t, ledger.SystemAccountID(enums.CurrencyEUR))
	assert.EqualValues(t, 80, platform.Replayed[enums.BucketRevenue])
	assert.EqualValues(t, -1000, platform.Replayed[enums.BucketClearing])

	hold := h.hold(t, *res.HoldID)
	assert.Equal(t, enums.HoldPending, hold.Status)
	assert.EqualValues(t, 920, hold.AmountCents)
}

func TestSettleReplaysSameOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)
	second, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.SettlementID, second.SettlementID)
	assert.EqualValues(t, 920, h.balances(t, seller).Account.PendingCents)

	changed := order("ord-1")
	changed.GrossCents = 2000
	_, err = h.svc.Settle(ctx, changed)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
}

func TestSettleValidatesInput(t *testing.T) {
	h := newHarness(t)
	in := order("ord-1")
	in.Quantity = 0
	_, err := h.svc.Settle(context.Background(), in)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestSettleHoldFollowsTrustTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.trust.RecordSignal(ctx, seller, time.Now().UTC(), trust.Signals{
		Orders: 10, LateShipments: 10, Disputes: 10, Chargebacks: 5, SLABreaches: 10,
	}))
	score, err := h.trust.RecomputeManual(ctx, seller, "ops")
	require.NoError(t, err)
	require.Equal(t, enums.TrustTierD, score.Tier)

	res, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)
	assert.Equal(t, 21, res.HoldDays)
	assert.WithinDuration(t, h.clock.Now().Add(21*24*time.Hour), res.ReleaseAt, time.Second)
}

func TestReleaseDueMovesFundsToAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)

	summary, err := h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Due)

	h.clock.Advance(15 * 24 * time.Hour)
	summary, err = h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReleaseSummary{Due: 1, Released: 1}, summary)

	b := h.balances(t, seller)
	assert.EqualValues(t, 0, b.Account.PendingCents)
	assert.EqualValues(t, 0, b.Account.ReservedCents)
	assert.EqualValues(t, 920, b.Account.AvailableCents)
	assert.False(t, b.Drifted())
	hold := h.hold(t, *res.HoldID)
	assert.Equal(t, enums.HoldReleased, hold.Status)
	assert.NotNil(t, hold.ReleasedAt)

	summary, err = h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Due)
}

func TestReleaseDueStopsAtReservedWhileEscrowPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)

	paused, resumed := true, false
	_, err = h.rollout.Put(ctx, seller, rollout.Update{EscrowPaused: &paused}, "ops-1", "risk review")
	require.NoError(t, err)

	h.clock.Advance(15 * 24 * time.Hour)
	summary, err := h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.KeptReserved)
	b := h.balances(t, seller)
	assert.EqualValues(t, 920, b.Account.ReservedCents)
	assert.EqualValues(t, 0, b.Account.AvailableCents)
	assert.Equal(t, enums.HoldReserved, h.hold(t, *res.HoldID).Status)

	_, err = h.svc.EarlyRelease(ctx, *res.HoldID, "ops-1")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTenantPaused))

	_, err = h.rollout.Put(ctx, seller, rollout.Update{EscrowPaused: &resumed}, "ops-1", "review done")
	require.NoError(t, err)
	summary, err = h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
	assert.EqualValues(t, 920, h.balances(t, seller).Account.AvailableCents)
}

func TestEarlyReleaseChargesFeeToRevenue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)

	hold, err := h.svc.EarlyRelease(ctx, *res.HoldID, "seller-admin")
	require.NoError(t, err)
	// 3% of 920, banker's rounding.
	assert.EqualValues(t, 28, hold.EarlyReleaseFeeCents)
	assert.True(t, hold.EarlyRelease)
	assert.Equal(t, enums.HoldReleased, hold.Status)

	b := h.balances(t, seller)
	assert.EqualValues(t, 892, b.Account.AvailableCents)
	assert.EqualValues(t, 0, b.Account.PendingCents+b.Account.ReservedCents)
	assert.False(t, b.Drifted())
	platform := h.balances(t, ledger.SystemAccountID(enums.CurrencyEUR))
	assert.EqualValues(t, 108, platform.Replayed[enums.BucketRevenue])

	_, err = h.svc.EarlyRelease(ctx, *res.HoldID, "seller-admin")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestReleaseCreatesAutomaticPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.dests.Register(ctx, seller, destinations.RegisterInput{IBAN: "DE89370400440532013000", HolderName: "Acme"}, "seller-admin")
	require.NoError(t, err)
	res, err := h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)

	h.clock.Advance(15 * 24 * time.Hour)
	summary, err := h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PayoutsCreated)

	hold := h.hold(t, *res.HoldID)
	require.NotNil(t, hold.PayoutID)
	var payout models.ProviderPayout
	require.NoError(t, h.conn.Where("id = ?", *hold.PayoutID).Take(&payout).Error)
	assert.Equal(t, enums.PayoutQueued, payout.Status)
	assert.EqualValues(t, 920, payout.NetCents)
	assert.Equal(t, "hold-release:"+hold.ID.String(), payout.IdempotencyKey)
	assert.EqualValues(t, 0, h.balances(t, seller).Account.AvailableCents)
}

func TestReleaseLeavesFundsAvailableWhenPayoutsPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.dests.Register(ctx, seller, destinations.RegisterInput{IBAN: "DE89370400440532013000", HolderName: "Acme"}, "seller-admin")
	require.NoError(t, err)
	paused := true
	_, err = h.rollout.Put(ctx, seller, rollout.Update{PayoutPaused: &paused}, "ops-1", "incident")
	require.NoError(t, err)
	_, err = h.svc.Settle(ctx, order("ord-1"))
	require.NoError(t, err)

	h.clock.Advance(15 * 24 * time.Hour)
	summary, err := h.svc.ReleaseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
	assert.Zero(t, summary.PayoutsCreated)
	assert.EqualValues(t, 920, h.balances(t, seller).Account.AvailableCents)
}
