// Package payouts drives a payout from creation to provider settlement. All
// status changes go through transition, which applies a version CAS and
// emits the status change event in the same transaction.
package payouts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/idempotency"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/metrics"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

type policyChecker interface {
	Get(ctx context.Context, tx *gorm.DB, sellerID string) (models.TenantRolloutPolicy, error)
	CheckPayout(ctx context.Context, tx *gorm.DB, policy models.TenantRolloutPolicy, amountCents int64) error
	RecordViolation(ctx context.Context, sellerID, action string, cause error)
}

type destinationStore interface {
	Default(ctx context.Context, tx *gorm.DB, sellerID string) (*models.PayoutDestination, error)
	Get(ctx context.Context, tx *gorm.DB, sellerID string, id uuid.UUID) (*models.PayoutDestination, error)
}

type alertRaiser interface {
	Raise(ctx context.Context, tx *gorm.DB, in alerts.Alert) (*models.IntegrityAlert, bool, error)
}

// CreateInput describes a payout of AmountCents out of the seller's
// available balance. DestinationID defaults to the seller's default
// destination.
type CreateInput struct {
	SellerID       string
	DestinationID  *uuid.UUID
	AmountCents    int64
	Currency       enums.Currency
	IdempotencyKey string
	Source         string
	Actor          string
}

// FinalOutcome is the admin attested result of a quarantined payout.
type FinalOutcome string

const (
	OutcomeSucceeded FinalOutcome = "SUCCEEDED"
	OutcomeFailed    FinalOutcome = "FAILED"
)

type Service struct {
	db           *gorm.DB
	tx           txRunner
	repo         Repository
	ledger       ledger.Service
	policy       policyChecker
	destinations destinationStore
	events       outbox.Emitter
	audit        auditWriter
	alerts       alertRaiser
	guard        *idempotency.Guard
	provider     provider.Provider
	metrics      *metrics.FinanceMetrics
	logg         *logger.Logger
	cfg          config.PayoutConfig
	now          func() time.Time
}

type Params struct {
	DB           *gorm.DB
	Tx           txRunner
	Repository   Repository
	Ledger       ledger.Service
	Policy       policyChecker
	Destinations destinationStore
	Events       outbox.Emitter
	Audit        auditWriter
	Alerts       alertRaiser
	Guard        *idempotency.Guard
	Provider     provider.Provider
	Metrics      *metrics.FinanceMetrics
	Logger       *logger.Logger
	Config       config.PayoutConfig
}

func NewService(p Params) (*Service, error) {
	switch {
	case p.DB == nil || p.Tx == nil:
		return nil, fmt.Errorf("payouts: database required")
	case p.Repository == nil:
		return nil, fmt.Errorf("payouts: repository required")
	case p.Ledger == nil:
		return nil, fmt.Errorf("payouts: ledger required")
	case p.Policy == nil:
		return nil, fmt.Errorf("payouts: rollout policy required")
	case p.Destinations == nil:
		return nil, fmt.Errorf("payouts: destinations required")
	case p.Events == nil:
		return nil, fmt.Errorf("payouts: outbox emitter required")
	case p.Audit == nil:
		return nil, fmt.Errorf("payouts: audit writer required")
	case p.Alerts == nil:
		return nil, fmt.Errorf("payouts: alerts required")
	case p.Guard == nil:
		return nil, fmt.Errorf("payouts: idempotency guard required")
	}
	cfg := p.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 20 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:           p.DB,
		tx:           p.Tx,
		repo:         p.Repository,
		ledger:       p.Ledger,
		policy:       p.Policy,
		destinations: p.Destinations,
		events:       p.Events,
		audit:        p.Audit,
		alerts:       p.Alerts,
		guard:        p.Guard,
		provider:     p.Provider,
		metrics:      p.Metrics,
		logg:         logg,
		cfg:          cfg,
		now:          time.Now,
	}, nil
}

// Config returns the effective payout configuration.
func (s *Service) Config() config.PayoutConfig { return s.cfg }

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ProviderPayout, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "payout %s not found", id)
	}
	return p, nil
}

// Create is re-entrant on IdempotencyKey: a repeated call returns the
// existing payout and created=false without a second debit. The debit of
// the available balance commits together with CREATED -> QUEUED.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.ProviderPayout, bool, error) {
	var (
		out     *models.ProviderPayout
		created bool
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, created, err = s.CreateTx(ctx, tx, in)
		return err
	})
	if err != nil {
		s.policy.RecordViolation(ctx, in.SellerID, "create_payout", err)
		return nil, false, err
	}
	if created {
		s.logg.Info(s.logg.WithFields(s.logg.WithPayoutID(s.logg.WithSellerID(ctx, out.SellerTenantID), out.ID.String()), map[string]any{
			"net_cents": out.NetCents,
			"source":    out.Source,
		}), "payout created")
	}
	return out, created, nil
}

// CreateTx is Create inside the caller's transaction.
func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, in CreateInput) (*models.ProviderPayout, bool, error) {
	if err := validateCreate(in); err != nil {
		return nil, false, err
	}
	repo := s.repo.WithTx(tx)

	existing, err := repo.FindByKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.SellerTenantID != in.SellerID || existing.NetCents != in.AmountCents {
			return nil, false, pkgerrors.Newf(pkgerrors.CodeIdempotency, "idempotency key %s was used for a different payout", in.IdempotencyKey)
		}
		return existing, false, nil
	}

	policy, err := s.policy.Get(ctx, tx, in.SellerID)
	if err != nil {
		return nil, false, err
	}
	if err := s.policy.CheckPayout(ctx, tx, policy, in.AmountCents); err != nil {
		return nil, false, err
	}

	var dest *models.PayoutDestination
	if in.DestinationID != nil {
		dest, err = s.destinations.Get(ctx, tx, in.SellerID, *in.DestinationID)
	} else {
		dest, err = s.destinations.Default(ctx, tx, in.SellerID)
	}
	if err != nil {
		return nil, false, err
	}
	if dest == nil {
		return nil, false, pkgerrors.Newf(pkgerrors.CodeValidation, "seller %s has no payout destination", in.SellerID)
	}

	now := s.now().UTC()
	source := in.Source
	if source == "" {
		source = "manual"
	}
	destID := dest.ID
	payout := &models.ProviderPayout{
		SellerTenantID: in.SellerID,
		DestinationID:  &destID,
		Currency:       in.Currency,
		GrossCents:     in.AmountCents,
		NetCents:       in.AmountCents,
		Status:         enums.PayoutCreated,
		Source:         source,
		IdempotencyKey: in.IdempotencyKey,
		NextAttemptAt:  now,
		Version:        1,
	}
	inserted, err := repo.Insert(ctx, payout)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := repo.FindByKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, pkgerrors.New(pkgerrors.CodeConflict, "payout created concurrently")
		}
		return existing, false, nil
	}

	if _, err := s.ledger.Debit(ctx, tx, ledger.Movement{
		SellerID:     in.SellerID,
		Bucket:       enums.BucketAvailable,
		AmountCents:  in.AmountCents,
		Currency:     in.Currency,
		Reason:       enums.ReasonPayout,
		ReferenceID:  payout.ID.String(),
		OperationKey: "payout-debit:" + payout.ID.String(),
	}); err != nil {
		return nil, false, err
	}
	if err := s.transition(ctx, tx, payout, enums.PayoutQueued, change{actor: in.Actor}); err != nil {
		return nil, false, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		Category:   audit.CategoryOps,
		Action:     audit.ActionPayoutCreated,
		Actor:      in.Actor,
		EntityType: "payout",
		EntityID:   payout.ID.String(),
		After:      map[string]any{"net_cents": payout.NetCents, "source": source, "idempotency_key": in.IdempotencyKey},
	}); err != nil {
		return nil, false, err
	}
	return payout, true, nil
}

func validateCreate(in CreateInput) error {
	switch {
	case in.SellerID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	case in.AmountCents <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "payout amount must be positive")
	case !in.Currency.IsValid():
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid currency %q", in.Currency)
	case in.IdempotencyKey == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	return nil
}

// change carries the optional column updates and event context of a
// transition.
type change struct {
	actor       string
	reason      string
	fields      map[string]any
	providerRef string
}

// transition moves p to `to` with a version CAS and emits the status
// change event. p is updated in place on success.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, to enums.PayoutStatus, c change) error {
	from := p.Status
	if !CanTransition(from, to) {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout %s cannot move from %s to %s", p.ID, from, to)
	}
	now := s.now().UTC()
	fields := map[string]any{"status": to}
	for k, v := range c.fields {
		fields[k] = v
	}
	switch to {
	case enums.PayoutSent:
		fields["sent_at"] = now
	case enums.PayoutSucceeded:
		fields["succeeded_at"] = now
	case enums.PayoutReconciled:
		fields["reconciled_at"] = now
	case enums.PayoutQuarantined:
		fields["quarantined_at"] = now
	}
	if _, ok := fields["claim_token"]; !ok {
		fields["claim_token"] = nil
		fields["claimed_at"] = nil
	}

	ok, err := s.repo.WithTx(tx).UpdateCAS(ctx, p.ID, p.Version, fields)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout %s was modified concurrently", p.ID)
	}
	applyFields(p, fields)

	actor := outbox.SystemActor("payouts")
	if c.actor != "" && c.actor != "system" {
		actor = outbox.AdminActor(c.actor)
	}
	ref := c.providerRef
	if ref == "" && p.ProviderRef != nil {
		ref = *p.ProviderRef
	}
	if err := s.events.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPayoutStatusChanged,
		AggregateType: enums.AggregatePayout,
		AggregateID:   p.ID.String(),
		Actor:         actor,
		OccurredAt:    now,
		Data: payloads.PayoutStatusChangedEvent{
			PayoutID:    p.ID.String(),
			SellerID:    p.SellerTenantID,
			From:        from,
			To:          to,
			NetCents:    p.NetCents,
			Currency:    p.Currency,
			ProviderRef: ref,
			Reason:      c.reason,
		},
	}); err != nil {
		return err
	}
	s.metrics.IncTransition(string(to))
	s.logg.Debug(s.logg.WithFields(s.logg.WithPayoutID(ctx, p.ID.String()), map[string]any{
		"from": from,
		"to":   to,
	}), "payout transition")
	return nil
}

func applyFields(p *models.ProviderPayout, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			p.Status = v.(enums.PayoutStatus)
		case "version":
			p.Version = v.(int64)
		case "provider_ref":
			p.ProviderRef = stringPtr(v)
		case "failure_code":
			p.FailureCode = stringPtr(v)
		case "failure_reason":
			p.FailureReason = stringPtr(v)
		case "attempts":
			p.Attempts = v.(int)
		case "next_attempt_at":
			p.NextAttemptAt = v.(time.Time)
		case "claim_token":
			p.ClaimToken = stringPtr(v)
		case "claimed_at":
			p.ClaimedAt = timePtr(v)
		case "sent_at":
			p.SentAt = timePtr(v)
		case "succeeded_at":
			p.SucceededAt = timePtr(v)
		case "reconciled_at":
			p.ReconciledAt = timePtr(v)
		case "quarantined_at":
			p.QuarantinedAt = timePtr(v)
		case "updated_at":
			p.UpdatedAt = v.(time.Time)
		}
	}
}

func stringPtr(v any) *string {
	switch t := v.(type) {
	case string:
		return &t
	case *string:
		return t
	default:
		return nil
	}
}

func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

// reverse returns the payout's debit to the available balance with a
// REVERSAL entry and moves it to REVERSED. The original entries stay.
func (s *Service) reverse(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, actor, reason string) error {
	if debited(p.Status) {
		if _, err := s.ledger.Credit(ctx, tx, ledger.Movement{
			SellerID:     p.SellerTenantID,
			Bucket:       enums.BucketAvailable,
			AmountCents:  p.NetCents,
			Currency:     p.Currency,
			Reason:       enums.ReasonReversal,
			ReferenceID:  p.ID.String(),
			OperationKey: "payout-reversal:" + p.ID.String(),
		}); err != nil {
			return err
		}
	}
	return s.transition(ctx, tx, p, enums.PayoutReversed, change{
		actor:  actor,
		reason: reason,
		fields: map[string]any{"failure_reason": reason},
	})
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.ProviderPayout, error) {
	p, err := s.repo.WithTx(tx).FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "payout %s not found", id)
	}
	return p, nil
}
