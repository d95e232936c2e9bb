package alerts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
)

func newService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := NewService(Params{
		DB:     conn,
		Tx:     db.FromGorm(conn),
		Events: outbox.NewService(outbox.NewRepository(conn), nil),
		Audit:  audit.NewLog(conn),
	})
	require.NoError(t, err)
	return svc, conn
}

func TestRaiseDeduplicatesOpenAlerts(t *testing.T) {
	svc, conn := newService(t)
	ctx := context.Background()
	in := Alert{Type: enums.AlertProviderReversal, Severity: enums.SeverityCritical, ReferenceID: "po-1", SellerID: "s-1"}

	first, created, err := svc.RaiseNow(ctx, in)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.RaiseNow(ctx, in)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	count, err := svc.OpenCount(ctx, enums.AlertProviderReversal, "po-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	var events int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventAlertRaised).Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestAcknowledgeRequiresReasonAndOnlyOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	alert, _, err := svc.RaiseNow(ctx, Alert{Type: enums.AlertBalanceDrift, ReferenceID: "acct-1"})
	require.NoError(t, err)

	_, err = svc.Acknowledge(ctx, alert.ID, "admin-1", "ok")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	acked, err := svc.Acknowledge(ctx, alert.ID, "admin-1", "investigated, drift explained")
	require.NoError(t, err)
	require.Equal(t, enums.AlertAcknowledged, acked.Status)

	_, err = svc.Acknowledge(ctx, alert.ID, "admin-1", "second time around")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	// A new occurrence after acknowledgement opens a fresh alert.
	_, created, err := svc.RaiseNow(ctx, Alert{Type: enums.AlertBalanceDrift, ReferenceID: "acct-1"})
	require.NoError(t, err)
	require.True(t, created)

	open, err := svc.List(ctx, Filter{Status: enums.AlertOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestRaiseValidates(t *testing.T) {
	svc, _ := newService(t)
	_, _, err := svc.RaiseNow(context.Background(), Alert{Type: "NOPE", ReferenceID: "x"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
