package outbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

func deadLetter(t *testing.T, conn *gorm.DB, dlq *DLQRepository, eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, aggregateID string, failedAt time.Time) models.OutboxEvent {
	t.Helper()
	event := models.OutboxEvent{
		EventType:     eventType,
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Payload:       json.RawMessage(`{"version":1,"data":{}}`),
		AttemptCount:  10,
	}
	require.NoError(t, conn.Create(&event).Error)
	msg := "sink rejected: " + strings.Repeat("x", 2*maxDLQErrorLen)
	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     eventType,
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Payload:       event.Payload,
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &msg,
		AttemptCount:  10,
		FailedAt:      failedAt,
	}))
	return event
}

func TestDLQListFiltersAndClipsErrors(t *testing.T) {
	conn := dbtest.Open(t)
	dlq := NewDLQRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	deadLetter(t, conn, dlq, enums.EventPayoutStatusChanged, enums.AggregatePayout, "po-1", now.Add(-2*time.Minute))
	deadLetter(t, conn, dlq, enums.EventPayoutStatusChanged, enums.AggregatePayout, "po-2", now.Add(-time.Minute))
	deadLetter(t, conn, dlq, enums.EventAlertRaised, enums.AggregateAlert, "alert-1", now)

	rows, err := dlq.List(ctx, DLQFilter{EventType: enums.EventPayoutStatusChanged}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "po-2", rows[0].AggregateID)
	require.Len(t, *rows[0].ErrorMessage, maxDLQErrorLen)

	rows, err = dlq.List(ctx, DLQFilter{AggregateID: "alert-1", Reason: enums.OutboxDLQReasonMaxAttempts}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDLQRequeueByEventType(t *testing.T) {
	conn := dbtest.Open(t)
	dlq := NewDLQRepository(conn)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	first := deadLetter(t, conn, dlq, enums.EventPayoutStatusChanged, enums.AggregatePayout, "po-1", now.Add(-time.Minute))
	published := deadLetter(t, conn, dlq, enums.EventPayoutStatusChanged, enums.AggregatePayout, "po-2", now)
	require.NoError(t, repo.MarkPublishedTx(conn, published.ID))
	alert := deadLetter(t, conn, dlq, enums.EventAlertRaised, enums.AggregateAlert, "alert-1", now)

	pending, err := repo.FetchUnpublishedForPublish(conn, 10, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = dlq.RequeueTx(conn, "nonsense", 10)
	require.Error(t, err)

	var requeued int
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		requeued, err = dlq.RequeueTx(tx, enums.EventPayoutStatusChanged, 10)
		return err
	}))
	require.Equal(t, 1, requeued)

	pending, err = repo.FetchUnpublishedForPublish(conn, 10, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, first.ID, pending[0].ID)
	require.Zero(t, pending[0].AttemptCount)
	require.Nil(t, pending[0].LastError)

	gone, err := dlq.FindByEventID(ctx, published.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
	kept, err := dlq.FindByEventID(ctx, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
