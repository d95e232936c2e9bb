package stripeconnect

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

type fakeTransfers struct {
	createFn func(*stripe.TransferParams) (*stripe.Transfer, error)
	getFn    func(string) (*stripe.Transfer, error)
	groupFn  func(string) (*stripe.Transfer, error)
}

func (f fakeTransfers) Create(_ context.Context, p *stripe.TransferParams) (*stripe.Transfer, error) {
	return f.createFn(p)
}

func (f fakeTransfers) Get(_ context.Context, id string) (*stripe.Transfer, error) {
	return f.getFn(id)
}

func (f fakeTransfers) FindByGroup(_ context.Context, group string) (*stripe.Transfer, error) {
	return f.groupFn(group)
}

func TestCreatePayoutForwardsIdempotencyKey(t *testing.T) {
	var captured *stripe.TransferParams
	a := NewWithAPI(fakeTransfers{createFn: func(p *stripe.TransferParams) (*stripe.Transfer, error) {
		captured = p
		return &stripe.Transfer{ID: "tr_1", Amount: *p.Amount}, nil
	}}, "whsec", 0)

	receipt, err := a.CreatePayout(context.Background(), provider.Instruction{
		PayoutID:       "po-1",
		SellerID:       "seller-1",
		DestinationRef: "acct_1",
		AmountCents:    1250,
		Currency:       enums.CurrencyEUR,
		IdempotencyKey: "payout:po-1",
	})
	require.NoError(t, err)
	require.Equal(t, "tr_1", receipt.ProviderRef)
	require.Equal(t, provider.StatusSettled, receipt.Status)
	require.Equal(t, "payout:po-1", *captured.IdempotencyKey)
	require.Equal(t, "eur", *captured.Currency)
	require.Equal(t, "po-1", captured.Metadata[metaPayoutID])
}

func TestCreatePayoutClassifiesErrors(t *testing.T) {
	cases := []struct {
		err  error
		want pkgerrors.Code
	}{
		{&stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}, pkgerrors.CodeProviderTransient},
		{&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, pkgerrors.CodeProviderTransient},
		{&stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: "account_invalid"}, pkgerrors.CodeProviderRejected},
		{errors.New("connection reset"), pkgerrors.CodeProviderTransient},
	}
	for _, tc := range cases {
		a := NewWithAPI(fakeTransfers{createFn: func(*stripe.TransferParams) (*stripe.Transfer, error) {
			return nil, tc.err
		}}, "whsec", 0)
		_, err := a.CreatePayout(context.Background(), provider.Instruction{DestinationRef: "acct_1", AmountCents: 1, IdempotencyKey: "k"})
		require.Equal(t, tc.want, pkgerrors.CodeOf(err), "error %v", tc.err)
	}
}

func TestCreatePayoutWithoutConnectedAccountIsRejected(t *testing.T) {
	a := NewWithAPI(fakeTransfers{}, "whsec", 0)
	_, err := a.CreatePayout(context.Background(), provider.Instruction{AmountCents: 1})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeProviderRejected))
}

func TestLookupPayout(t *testing.T) {
	a := NewWithAPI(fakeTransfers{
		getFn: func(id string) (*stripe.Transfer, error) {
			if id == "tr_gone" {
				return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound}
			}
			return &stripe.Transfer{ID: id, Amount: 700, Reversed: true}, nil
		},
		groupFn: func(string) (*stripe.Transfer, error) { return nil, nil },
	}, "whsec", 0)

	snap, err := a.LookupPayout(context.Background(), provider.Lookup{ProviderRef: "tr_1"})
	require.NoError(t, err)
	require.Equal(t, provider.StatusReversed, snap.Status)

	_, err = a.LookupPayout(context.Background(), provider.Lookup{ProviderRef: "tr_gone"})
	require.ErrorIs(t, err, provider.ErrNotFound)

	_, err = a.LookupPayout(context.Background(), provider.Lookup{PayoutID: "po-1"})
	require.ErrorIs(t, err, provider.ErrNotFound)
}

func TestParseWebhook(t *testing.T) {
	a := NewWithAPI(fakeTransfers{}, "whsec", 0)
	body := []byte(`{"id":"evt_1","type":"transfer.reversed","created":1800000000,"data":{"object":{"id":"tr_1","object":"transfer","amount":700,"currency":"eur","metadata":{"payout_id":"po-1"}}}}`)
	evt, err := a.ParseWebhook(body)
	require.NoError(t, err)
	require.Equal(t, provider.EventPayoutReversed, evt.Kind)
	require.Equal(t, "tr_1", evt.ProviderRef)
	require.Equal(t, "po-1", evt.PayoutID)
	require.Equal(t, int64(700), evt.AmountCents)

	evt, err = a.ParseWebhook([]byte(`{"id":"evt_2","type":"customer.created","data":{"object":{}}}`))
	require.NoError(t, err)
	require.Equal(t, provider.EventIgnored, evt.Kind)
}

func TestVerifyWebhookRejectsUnsigned(t *testing.T) {
	a := NewWithAPI(fakeTransfers{}, "whsec", 0)
	err := a.VerifyWebhook([]byte(`{}`), http.Header{}, timeNow())
	require.ErrorIs(t, err, provider.ErrSignatureInvalid)
}

func timeNow() time.Time { return time.Now() }
