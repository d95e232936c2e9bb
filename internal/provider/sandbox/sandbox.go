// Package sandbox is an in-process payout provider used in development and
// tests. Payouts settle immediately unless scripted otherwise.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/security"
)

const (
	Name            = "sandbox"
	SignatureHeader = "X-Sandbox-Signature"
	TimestampHeader = "X-Sandbox-Timestamp"
)

// Script lets tests force outcomes for a destination.
type Script func(in provider.Instruction) error

type record struct {
	ref      string
	payoutID string
	status   provider.Status
	amount   int64
	failure  string
}

type Adapter struct {
	secret    string
	freshness time.Duration
	script    Script

	mu     sync.Mutex
	byKey  map[string]*record
	byRef  map[string]*record
	serial int
}

func New(secret string, freshness time.Duration, script Script) *Adapter {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Adapter{
		secret:    secret,
		freshness: freshness,
		script:    script,
		byKey:     map[string]*record{},
		byRef:     map[string]*record{},
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) CreatePayout(ctx context.Context, in provider.Instruction) (provider.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return provider.Receipt{}, pkgerrors.Wrap(pkgerrors.CodeProviderTransient, err, "sandbox call cancelled")
	}
	if in.AmountCents <= 0 {
		return provider.Receipt{}, pkgerrors.New(pkgerrors.CodeProviderRejected, "amount must be positive")
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return provider.Receipt{}, pkgerrors.New(pkgerrors.CodeProviderRejected, "idempotency key required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.byKey[in.IdempotencyKey]; ok {
		return provider.Receipt{ProviderRef: existing.ref, Status: existing.status}, nil
	}
	if a.script != nil {
		if err := a.script(in); err != nil {
			return provider.Receipt{}, err
		}
	}
	a.serial++
	rec := &record{
		ref:      fmt.Sprintf("sbx_po_%06d", a.serial),
		payoutID: in.PayoutID,
		status:   provider.StatusPending,
		amount:   in.AmountCents,
	}
	a.byKey[in.IdempotencyKey] = rec
	a.byRef[rec.ref] = rec
	return provider.Receipt{ProviderRef: rec.ref, Status: rec.status}, nil
}

func (a *Adapter) LookupPayout(ctx context.Context, lookup provider.Lookup) (provider.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.byRef[lookup.ProviderRef]
	if !ok && lookup.IdempotencyKey != "" {
		rec, ok = a.byKey[lookup.IdempotencyKey]
	}
	if !ok {
		return provider.Snapshot{}, provider.ErrNotFound
	}
	return provider.Snapshot{
		ProviderRef: rec.ref,
		Status:      rec.status,
		AmountCents: rec.amount,
		FailureCode: rec.failure,
	}, nil
}

// SetStatus moves a sandbox payout, e.g. to simulate a bank reversal.
func (a *Adapter) SetStatus(ref string, status provider.Status, failureCode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.byRef[ref]
	if !ok {
		return provider.ErrNotFound
	}
	rec.status = status
	rec.failure = failureCode
	return nil
}

// VerifyWebhook checks the hex HMAC-SHA256 over "<timestamp>.<body>", then
// the timestamp against the freshness window.
func (a *Adapter) VerifyWebhook(payload []byte, headers http.Header, now time.Time) error {
	ts := strings.TrimSpace(headers.Get(TimestampHeader))
	if !security.VerifyHMACSHA256(a.secret, security.TimestampedPayload(ts, payload), headers.Get(SignatureHeader)) {
		return provider.ErrSignatureInvalid
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return provider.ErrTimestampExpired
	}
	sent := time.Unix(unix, 0)
	if now.Sub(sent) > a.freshness || sent.Sub(now) > a.freshness {
		return provider.ErrTimestampExpired
	}
	return nil
}

// wireEvent is the sandbox webhook schema.
type wireEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		PayoutRef   string `json:"payout_ref"`
		PayoutID    string `json:"payout_id"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
		FailureCode string `json:"failure_code"`
	} `json:"data"`
}

var kindByType = map[string]provider.EventKind{
	"payout.paid":     provider.EventPayoutSucceeded,
	"payout.failed":   provider.EventPayoutFailed,
	"payout.reversed": provider.EventPayoutReversed,
}

func (a *Adapter) ParseWebhook(payload []byte) (provider.Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return provider.Event{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode sandbox event")
	}
	if strings.TrimSpace(wire.ID) == "" {
		return provider.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "event id missing")
	}
	kind, ok := kindByType[wire.Type]
	if !ok {
		kind = provider.EventIgnored
	}
	if kind != provider.EventIgnored && wire.Data.PayoutRef == "" && wire.Data.PayoutID == "" {
		return provider.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "payout reference missing")
	}
	evt := provider.Event{
		ID:          wire.ID,
		Kind:        kind,
		RawType:     wire.Type,
		ProviderRef: wire.Data.PayoutRef,
		PayoutID:    wire.Data.PayoutID,
		AmountCents: wire.Data.AmountCents,
		Currency:    enums.Currency(strings.ToUpper(wire.Data.Currency)),
		FailureCode: wire.Data.FailureCode,
	}
	if wire.Created > 0 {
		evt.OccurredAt = time.Unix(wire.Created, 0).UTC()
	}
	return evt, nil
}

// SignedHeaders builds the headers a real sandbox delivery would carry.
func SignedHeaders(secret string, payload []byte, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	h := http.Header{}
	h.Set(SignatureHeader, security.SignHMACSHA256(secret, security.TimestampedPayload(ts, payload)))
	h.Set(TimestampHeader, ts)
	return h
}
