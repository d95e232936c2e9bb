package sandbox

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/settlement-ledger/internal/provider"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

func TestCreatePayoutIsIdempotentPerKey(t *testing.T) {
	a := New("secret", time.Minute, nil)
	in := provider.Instruction{PayoutID: "po-1", AmountCents: 500, IdempotencyKey: "payout:po-1"}

	first, err := a.CreatePayout(context.Background(), in)
	require.NoError(t, err)
	second, err := a.CreatePayout(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, first.ProviderRef, second.ProviderRef)

	snap, err := a.LookupPayout(context.Background(), provider.Lookup{ProviderRef: first.ProviderRef})
	require.NoError(t, err)
	require.Equal(t, int64(500), snap.AmountCents)

	require.NoError(t, a.SetStatus(first.ProviderRef, provider.StatusReversed, "account_closed"))
	snap, err = a.LookupPayout(context.Background(), provider.Lookup{IdempotencyKey: "payout:po-1"})
	require.NoError(t, err)
	require.Equal(t, provider.StatusReversed, snap.Status)

	_, err = a.LookupPayout(context.Background(), provider.Lookup{ProviderRef: "nope"})
	require.ErrorIs(t, err, provider.ErrNotFound)
}

func TestScriptedFailureIsReturned(t *testing.T) {
	a := New("secret", time.Minute, func(provider.Instruction) error {
		return pkgerrors.New(pkgerrors.CodeProviderTransient, "bank offline")
	})
	_, err := a.CreatePayout(context.Background(), provider.Instruction{AmountCents: 1, IdempotencyKey: "k"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeProviderTransient))
}

func TestVerifyWebhook(t *testing.T) {
	a := New("secret", 5*time.Minute, nil)
	now := time.Unix(1_800_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payout.paid","data":{"payout_ref":"sbx_po_000001"}}`)

	require.NoError(t, a.VerifyWebhook(body, SignedHeaders("secret", body, now), now))

	tampered := append([]byte{}, body...)
	tampered[10] = 'X'
	err := a.VerifyWebhook(tampered, SignedHeaders("secret", body, now), now)
	require.True(t, errors.Is(err, provider.ErrSignatureInvalid))

	err = a.VerifyWebhook(body, SignedHeaders("secret", body, now.Add(-6*time.Minute)), now)
	require.True(t, errors.Is(err, provider.ErrTimestampExpired))
}

func TestVerifyWebhookBindsTimestampToSignature(t *testing.T) {
	a := New("secret", 5*time.Minute, nil)
	sentAt := time.Unix(1_800_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payout.paid","data":{"payout_ref":"sbx_po_000001"}}`)
	captured := SignedHeaders("secret", body, sentAt)

	// Same body and signature an hour later, with the timestamp header rewritten.
	later := sentAt.Add(time.Hour)
	replay := captured.Clone()
	replay.Set(TimestampHeader, strconv.FormatInt(later.Unix(), 10))

	err := a.VerifyWebhook(body, replay, later)
	require.True(t, errors.Is(err, provider.ErrSignatureInvalid))

	err = a.VerifyWebhook(body, captured, later)
	require.True(t, errors.Is(err, provider.ErrTimestampExpired))
}

func TestParseWebhook(t *testing.T) {
	a := New("secret", time.Minute, nil)
	evt, err := a.ParseWebhook([]byte(`{"id":"evt_9","type":"payout.reversed","created":1800000000,"data":{"payout_ref":"sbx_po_000002","amount_cents":900,"currency":"eur"}}`))
	require.NoError(t, err)
	require.Equal(t, provider.EventPayoutReversed, evt.Kind)
	require.Equal(t, "sbx_po_000002", evt.ProviderRef)
	require.Equal(t, "EUR", string(evt.Currency))

	evt, err = a.ParseWebhook([]byte(`{"id":"evt_10","type":"balance.available"}`))
	require.NoError(t, err)
	require.Equal(t, provider.EventIgnored, evt.Kind)

	_, err = a.ParseWebhook([]byte(`{"type":"payout.paid"}`))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = a.ParseWebhook([]byte(`{"id":"evt_11","type":"payout.paid","data":{}}`))
	require.Error(t, err)
}
