// Package stripeconnect pays sellers through Stripe Connect transfers.
package stripeconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	pkgstripe "github.com/angelmondragon/settlement-ledger/pkg/stripe"
)

const (
	Name            = "stripe"
	SignatureHeader = "Stripe-Signature"
	metaPayoutID    = "payout_id"
	metaSellerID    = "seller_id"
)

// TransferAPI is the subset of Stripe transfer calls the adapter needs.
type TransferAPI interface {
	Create(ctx context.Context, params *stripe.TransferParams) (*stripe.Transfer, error)
	Get(ctx context.Context, id string) (*stripe.Transfer, error)
	FindByGroup(ctx context.Context, group string) (*stripe.Transfer, error)
}

type Adapter struct {
	transfers     TransferAPI
	signingSecret string
	tolerance     time.Duration
}

func New(client *pkgstripe.Client, tolerance time.Duration) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("stripe client required")
	}
	return NewWithAPI(client, client.SigningSecret(), tolerance), nil
}

func NewWithAPI(api TransferAPI, signingSecret string, tolerance time.Duration) *Adapter {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Adapter{transfers: api, signingSecret: signingSecret, tolerance: tolerance}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) CreatePayout(ctx context.Context, in provider.Instruction) (provider.Receipt, error) {
	if strings.TrimSpace(in.DestinationRef) == "" {
		return provider.Receipt{}, pkgerrors.New(pkgerrors.CodeProviderRejected, "connected account missing for destination")
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(in.AmountCents),
		Currency:      stripe.String(strings.ToLower(string(in.Currency))),
		Destination:   stripe.String(in.DestinationRef),
		TransferGroup: stripe.String(in.PayoutID),
	}
	params.AddMetadata(metaPayoutID, in.PayoutID)
	params.AddMetadata(metaSellerID, in.SellerID)
	params.SetIdempotencyKey(in.IdempotencyKey)

	tr, err := a.transfers.Create(ctx, params)
	if err != nil {
		return provider.Receipt{}, classify(err)
	}
	return provider.Receipt{ProviderRef: tr.ID, Status: statusOf(tr)}, nil
}

func (a *Adapter) LookupPayout(ctx context.Context, lookup provider.Lookup) (provider.Snapshot, error) {
	var (
		tr  *stripe.Transfer
		err error
	)
	switch {
	case lookup.ProviderRef != "":
		tr, err = a.transfers.Get(ctx, lookup.ProviderRef)
	case lookup.PayoutID != "":
		tr, err = a.transfers.FindByGroup(ctx, lookup.PayoutID)
	default:
		return provider.Snapshot{}, provider.ErrNotFound
	}
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return provider.Snapshot{}, provider.ErrNotFound
		}
		return provider.Snapshot{}, classify(err)
	}
	if tr == nil {
		return provider.Snapshot{}, provider.ErrNotFound
	}
	return provider.Snapshot{ProviderRef: tr.ID, Status: statusOf(tr), AmountCents: tr.Amount}, nil
}

func (a *Adapter) VerifyWebhook(payload []byte, headers http.Header, _ time.Time) error {
	err := webhook.ValidatePayloadWithTolerance(payload, headers.Get(SignatureHeader), a.signingSecret, a.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return provider.ErrTimestampExpired
	default:
		return provider.ErrSignatureInvalid
	}
}

func (a *Adapter) ParseWebhook(payload []byte) (provider.Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return provider.Event{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe event")
	}
	if evt.ID == "" {
		return provider.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "event id missing")
	}
	out := provider.Event{
		ID:         evt.ID,
		Kind:       provider.EventIgnored,
		RawType:    string(evt.Type),
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}
	switch evt.Type {
	case stripe.EventTypeTransferCreated:
		out.Kind = provider.EventPayoutSucceeded
	case stripe.EventTypeTransferReversed:
		out.Kind = provider.EventPayoutReversed
	default:
		return out, nil
	}
	if evt.Data == nil {
		return provider.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data missing")
	}
	var tr stripe.Transfer
	if err := json.Unmarshal(evt.Data.Raw, &tr); err != nil {
		return provider.Event{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode transfer")
	}
	out.ProviderRef = tr.ID
	out.PayoutID = tr.Metadata[metaPayoutID]
	out.AmountCents = tr.Amount
	out.Currency = enums.Currency(strings.ToUpper(string(tr.Currency)))
	return out, nil
}

func statusOf(tr *stripe.Transfer) provider.Status {
	if tr.Reversed {
		return provider.StatusReversed
	}
	return provider.StatusSettled
}

// classify maps Stripe errors onto transient vs rejected.
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeProviderTransient, err, "stripe call failed")
	}
	switch {
	case stripeErr.HTTPStatusCode == 0,
		stripeErr.HTTPStatusCode == http.StatusConflict,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return pkgerrors.Wrap(pkgerrors.CodeProviderTransient, err, "stripe unavailable")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeProviderRejected, err, "stripe rejected transfer").
			WithDetails(map[string]any{"stripe_code": string(stripeErr.Code)})
	}
}
