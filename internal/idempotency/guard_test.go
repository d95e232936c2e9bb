package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

func newGuard(t *testing.T) (*Guard, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	guard, err := NewGuard(db.FromGorm(conn), 0)
	require.NoError(t, err)
	return guard, conn
}

func TestExecuteReplaysStoredResponse(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	calls := 0
	run := func(tx *gorm.DB) (any, error) {
		calls++
		return map[string]int{"net": 900}, nil
	}

	first, err := guard.Execute(ctx, "settle:o-1", "settlement", run)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := guard.Execute(ctx, "settle:o-1", "settlement", run)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, 1, calls)

	var body map[string]int
	require.NoError(t, json.Unmarshal(second.Response, &body))
	require.Equal(t, 900, body["net"])
}

func TestExecuteFailureAllowsRetry(t *testing.T) {
	guard, conn := newGuard(t)
	ctx := context.Background()

	_, err := guard.Execute(ctx, "k", "scope", func(tx *gorm.DB) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	var record models.IdempotencyRecord
	require.NoError(t, conn.Where("key = ?", "k").Take(&record).Error)
	require.Equal(t, enums.IdempotencyFailed, record.Status)

	res, err := guard.Execute(ctx, "k", "scope", func(tx *gorm.DB) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestBeginInProgressAndStaleTakeover(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return base }

	_, err := guard.Begin(ctx, "trust:s-1:2026-03-01", "trust")
	require.NoError(t, err)

	_, err = guard.Begin(ctx, "trust:s-1:2026-03-01", "trust")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInProgress), "got %v", err)

	guard.now = func() time.Time { return base.Add(DefaultStaleAfter + time.Second) }
	record, err := guard.Begin(ctx, "trust:s-1:2026-03-01", "trust")
	require.NoError(t, err)
	require.Equal(t, enums.IdempotencyStarted, record.Status)
}

func TestBeginRejectsScopeReuse(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	_, err := guard.Begin(ctx, "shared", "a")
	require.NoError(t, err)
	_, err = guard.Begin(ctx, "shared", "b")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
}

func TestBeginAlreadySucceeded(t *testing.T) {
	guard, conn := newGuard(t)
	ctx := context.Background()
	_, err := guard.Begin(ctx, "k", "scope")
	require.NoError(t, err)
	require.NoError(t, db.FromGorm(conn).WithTx(ctx, func(tx *gorm.DB) error {
		return guard.Succeed(ctx, tx, "k", nil)
	}))

	record, err := guard.Begin(ctx, "k", "scope")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAlreadySucceeded))
	require.NotNil(t, record)
}
