package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

var fixedNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := NewService(Params{DB: conn, Tx: db.FromGorm(conn), Audit: audit.NewLog(conn)})
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }
	return svc, conn
}

func boolPtr(v bool) *bool    { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestGetDefaultsToOpenPolicy(t *testing.T) {
	svc, _ := newService(t)
	p, err := svc.Get(context.Background(), nil, "s-1")
	require.NoError(t, err)
	require.False(t, p.PayoutPaused)
	require.Nil(t, p.MaxDailyPayoutCents)
	require.NoError(t, svc.CheckPayout(context.Background(), nil, p, 1_000_000))
}

func TestPutRequiresReasonAndAudits(t *testing.T) {
	svc, conn := newService(t)
	ctx := context.Background()

	_, err := svc.Put(ctx, "s-1", Update{PayoutPaused: boolPtr(true)}, "admin-1", "no")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	p, err := svc.Put(ctx, "s-1", Update{PayoutPaused: boolPtr(true), MaxDailyPayoutCents: int64Ptr(500)}, "admin-1", "chargeback spike")
	require.NoError(t, err)
	require.True(t, p.PayoutPaused)
	require.EqualValues(t, 500, *p.MaxDailyPayoutCents)

	p, err = svc.Put(ctx, "s-1", Update{ClearMaxDailyPayout: true}, "admin-1", "cap no longer needed")
	require.NoError(t, err)
	require.True(t, p.PayoutPaused)
	require.Nil(t, p.MaxDailyPayoutCents)

	var entries []models.FinanceAuditLog
	require.NoError(t, conn.Where("action = ?", audit.ActionPolicyUpdated).Find(&entries).Error)
	require.Len(t, entries, 2)
	require.Equal(t, "admin-1", entries[0].Actor)
}

func TestCheckPayoutPausedAndDailyCap(t *testing.T) {
	svc, conn := newService(t)
	ctx := context.Background()

	err := svc.CheckPayout(ctx, nil, models.TenantRolloutPolicy{SellerID: "s-1", PayoutPaused: true}, 10)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTenantPaused))

	seed := []struct {
		status enums.PayoutStatus
		net    int64
		at     time.Time
	}{
		{enums.PayoutSucceeded, 300, fixedNow.Add(-time.Hour)},
		{enums.PayoutQueued, 100, fixedNow.Add(-2 * time.Hour)},
		{enums.PayoutCancelled, 900, fixedNow.Add(-time.Hour)},
		{enums.PayoutSent, 900, fixedNow.AddDate(0, 0, -1)},
	}
	for i, s := range seed {
		require.NoError(t, conn.Create(&models.ProviderPayout{
			SellerTenantID: "s-1",
			Currency:       enums.CurrencyEUR,
			GrossCents:     s.net,
			NetCents:       s.net,
			Status:         s.status,
			Source:         "test",
			IdempotencyKey: string(rune('a' + i)),
			NextAttemptAt:  s.at,
			CreatedAt:      s.at,
		}).Error)
	}

	used, err := svc.PaidToday(ctx, nil, "s-1")
	require.NoError(t, err)
	require.EqualValues(t, 400, used)

	policy := models.TenantRolloutPolicy{SellerID: "s-1", MaxDailyPayoutCents: int64Ptr(500)}
	require.NoError(t, svc.CheckPayout(ctx, nil, policy, 100))
	err = svc.CheckPayout(ctx, nil, policy, 101)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLimitExceeded))

	svc.RecordViolation(ctx, "s-1", "create_payout", err)
	var violations int64
	require.NoError(t, conn.Model(&models.FinanceAuditLog{}).Where("action = ? AND entity_id = ?", audit.ActionPolicyViolation, "s-1").Count(&violations).Error)
	require.EqualValues(t, 1, violations)
}
