package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

type harness struct {
	conn *gorm.DB
	tx   *db.Client
	svc  Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := NewService(NewRepository(conn))
	require.NoError(t, err)
	return &harness{conn: conn, tx: db.FromGorm(conn), svc: svc}
}

func (h *harness) credit(t *testing.T, seller string, bucket enums.LedgerBucket, amount int64, key string) error {
	t.Helper()
	return h.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.svc.Credit(context.Background(), tx, Movement{
			SellerID: seller, Bucket: bucket, AmountCents: amount, Currency: enums.CurrencyEUR,
			Reason: enums.ReasonOrderSettlement, ReferenceID: key, OperationKey: key,
		})
		return err
	})
}

func (h *harness) debit(t *testing.T, seller string, amount int64, reason enums.LedgerReason, key string) error {
	t.Helper()
	return h.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.svc.Debit(context.Background(), tx, Movement{
			SellerID: seller, Bucket: enums.BucketAvailable, AmountCents: amount, Currency: enums.CurrencyEUR,
			Reason: reason, ReferenceID: key, OperationKey: key,
		})
		return err
	})
}

func TestCreditCreatesAccountLazilyAndWritesBalancedPair(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.credit(t, "seller-1", enums.BucketPending, 1500, "settle:order-1"))

	balances, err := h.svc.Balances(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balances.Account.PendingCents)
	assert.False(t, balances.Drifted())

	entries, err := h.svc.EntriesForReference(context.Background(), "settle:order-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, enums.DirectionCredit, entries[0].Direction)
	assert.Equal(t, enums.DirectionDebit, entries[1].Direction)
	assert.Equal(t, entries[0].AmountCents, entries[1].AmountCents)
}

func TestDebitInsufficientFundsLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.credit(t, "seller-1", enums.BucketAvailable, 100, "seed"))

	err := h.debit(t, "seller-1", 101, enums.ReasonPayout, "payout:1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientFunds))

	balances, err := h.svc.Balances(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balances.Account.AvailableCents)

	var count int64
	require.NoError(t, h.conn.Model(&models.LedgerEntry{}).Where("operation_key = ?", "payout:1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestReversalMayDriveBalanceNegative(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.debit(t, "seller-1", 40, enums.ReasonReversal, "reversal:1"))

	balances, err := h.svc.Balances(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-40), balances.Account.AvailableCents)
	assert.False(t, balances.Drifted())
}

func TestPostIsExactlyOncePerOperationKey(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.credit(t, "seller-1", enums.BucketAvailable, 500, "settle:dup"))
	require.NoError(t, h.credit(t, "seller-1", enums.BucketAvailable, 500, "settle:dup"))

	balances, err := h.svc.Balances(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balances.Account.AvailableCents)
}

func TestMoveBetweenBuckets(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.credit(t, "seller-1", enums.BucketPending, 900, "settle:1"))

	err := h.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.svc.Move(context.Background(), tx, Transfer{
			SellerID: "seller-1", From: enums.BucketPending, To: enums.BucketReserved, AmountCents: 900,
			Currency: enums.CurrencyEUR, Reason: enums.ReasonOrderSettlement, ReferenceID: "hold-1", OperationKey: "hold-1:reserve",
		})
		return err
	})
	require.NoError(t, err)

	balances, err := h.svc.Balances(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Zero(t, balances.Account.PendingCents)
	assert.Equal(t, int64(900), balances.Account.ReservedCents)
	assert.False(t, balances.Drifted())
}

func TestPostRejectsUnbalancedAndMisaddressedLegs(t *testing.T) {
	h := newHarness(t)
	err := h.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.svc.Post(context.Background(), tx, Posting{
			OperationKey: "adj:1", Reason: enums.ReasonAdjustment, ReferenceID: "adj:1", Currency: enums.CurrencyEUR,
			Legs: []Leg{
				{SellerID: "seller-1", Bucket: enums.BucketAvailable, Direction: enums.DirectionCredit, AmountCents: 10},
				{Bucket: enums.BucketClearing, Direction: enums.DirectionDebit, AmountCents: 9},
			},
		})
		return err
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = h.tx.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.svc.Post(context.Background(), tx, Posting{
			OperationKey: "adj:2", Reason: enums.ReasonAdjustment, ReferenceID: "adj:2", Currency: enums.CurrencyEUR,
			Legs: []Leg{
				{SellerID: "seller-1", Bucket: enums.BucketClearing, Direction: enums.DirectionCredit, AmountCents: 10},
				{Bucket: enums.BucketClearing, Direction: enums.DirectionDebit, AmountCents: 10},
			},
		})
		return err
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestBalancesUnknownSeller(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Balances(context.Background(), "ghost")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestUnbalancedReferencesDetectsTampering(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.credit(t, "seller-1", enums.BucketPending, 300, "settle:ok"))

	account, err := NewRepository(h.conn).FindAccount(context.Background(), "seller-1")
	require.NoError(t, err)
	require.NoError(t, h.conn.Create(&models.LedgerEntry{
		AccountID: account.ID, Bucket: enums.BucketPending, Direction: enums.DirectionCredit, AmountCents: 5,
		Currency: enums.CurrencyEUR, Reason: enums.ReasonAdjustment, ReferenceID: "rogue", OperationKey: "rogue", Leg: 0,
	}).Error)

	rows, err := NewRepository(h.conn).UnbalancedReferences(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "rogue", rows[0].ReferenceID)
	assert.Equal(t, int64(5), rows[0].CreditCents)
}
