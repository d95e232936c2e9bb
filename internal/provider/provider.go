// Package provider defines the boundary between the payout pipeline and an
// external payment provider. Adapters convert provider payloads into the
// typed values below before anything reaches the ledger or payout domain.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

var (
	// ErrNotFound means the provider has no record of the payout.
	ErrNotFound = errors.New("provider has no record of payout")
	// ErrSignatureInvalid means the webhook signature did not verify.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrTimestampExpired means the webhook timestamp is outside the freshness window.
	ErrTimestampExpired = errors.New("expired timestamp")
)

// Status is the provider's view of a payout.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSettled  Status = "SETTLED"
	StatusFailed   Status = "FAILED"
	StatusReversed Status = "REVERSED"
)

// Instruction is one payout dispatch. IdempotencyKey is forwarded to the
// provider so a retried dispatch never pays twice.
type Instruction struct {
	PayoutID       string
	SellerID       string
	DestinationRef string
	AmountCents    int64
	Currency       enums.Currency
	IdempotencyKey string
}

type Receipt struct {
	ProviderRef string
	Status      Status
}

// Lookup identifies a payout at the provider. ProviderRef wins when set.
type Lookup struct {
	ProviderRef    string
	PayoutID       string
	IdempotencyKey string
}

type Snapshot struct {
	ProviderRef string
	Status      Status
	AmountCents int64
	FailureCode string
}

// EventKind is the typed variant of an inbound webhook.
type EventKind string

const (
	EventPayoutSucceeded EventKind = "PAYOUT_SUCCEEDED"
	EventPayoutFailed    EventKind = "PAYOUT_FAILED"
	EventPayoutReversed  EventKind = "PAYOUT_REVERSED"
	EventIgnored         EventKind = "IGNORED"
)

// Event is a verified, parsed webhook.
type Event struct {
	ID          string
	Kind        EventKind
	RawType     string
	ProviderRef string
	PayoutID    string
	AmountCents int64
	Currency    enums.Currency
	FailureCode string
	OccurredAt  time.Time
}

// Provider is implemented by every payout adapter.
type Provider interface {
	Name() string
	CreatePayout(ctx context.Context, in Instruction) (Receipt, error)
	LookupPayout(ctx context.Context, lookup Lookup) (Snapshot, error)
	VerifyWebhook(payload []byte, headers http.Header, now time.Time) error
	ParseWebhook(payload []byte) (Event, error)
}
