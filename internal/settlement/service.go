// Package settlement turns settled orders into seller balances and walks
// held funds through pending -> reserved -> available.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/commission"
	"github.com/angelmondragon/settlement-ledger/internal/idempotency"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/internal/trust"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox/payloads"
)

const settleScope = "settle_order"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

type termsSource interface {
	TermsFor(ctx context.Context, tx *gorm.DB, sellerID string, holdOverride *int) (trust.Terms, error)
}

type policySource interface {
	Get(ctx context.Context, tx *gorm.DB, sellerID string) (models.TenantRolloutPolicy, error)
}

type destinationSource interface {
	Default(ctx context.Context, tx *gorm.DB, sellerID string) (*models.PayoutDestination, error)
}

type payoutCreator interface {
	Create(ctx context.Context, in payouts.CreateInput) (*models.ProviderPayout, bool, error)
}

// SettleInput is the settled order as reported by the order system.
type SettleInput struct {
	OrderID    string         `json:"order_id" validate:"required"`
	SellerID   string         `json:"seller_id" validate:"required"`
	CategoryID string         `json:"category_id"`
	BrandID    string         `json:"brand_id"`
	Quantity   int            `json:"quantity" validate:"required,gte=1"`
	GrossCents int64          `json:"gross_cents" validate:"required,gt=0"`
	Currency   enums.Currency `json:"currency" validate:"required"`
}

// Result is returned by Settle and replayed verbatim for repeated calls.
type Result struct {
	SettlementID    uuid.UUID       `json:"settlement_id"`
	OrderID         string          `json:"order_id"`
	SellerID        string          `json:"seller_id"`
	GrossCents      int64           `json:"gross_cents"`
	CommissionCents int64           `json:"commission_cents"`
	NetCents        int64           `json:"net_cents"`
	PlanID          uuid.UUID       `json:"plan_id"`
	RuleID          uuid.UUID       `json:"rule_id"`
	HoldID          *uuid.UUID      `json:"hold_id,omitempty"`
	HoldDays        int             `json:"hold_days"`
	TrustTier       enums.TrustTier `json:"trust_tier"`
	ReleaseAt       time.Time       `json:"release_at"`
	Replayed        bool            `json:"replayed"`
}

type Service struct {
	tx           txRunner
	db           *gorm.DB
	guard        *idempotency.Guard
	resolver     *commission.Resolver
	ledger       ledger.Service
	terms        termsSource
	policy       policySource
	destinations destinationSource
	payouts      payoutCreator
	events       outbox.Emitter
	audit        auditWriter
	logg         *logger.Logger
	now          func() time.Time
}

type Params struct {
	DB           *gorm.DB
	Tx           txRunner
	Guard        *idempotency.Guard
	Resolver     *commission.Resolver
	Ledger       ledger.Service
	Terms        termsSource
	Policy       policySource
	Destinations destinationSource
	Payouts      payoutCreator
	Events       outbox.Emitter
	Audit        auditWriter
	Logger       *logger.Logger
}

func NewService(p Params) (*Service, error) {
	switch {
	case p.DB == nil || p.Tx == nil:
		return nil, fmt.Errorf("settlement: database required")
	case p.Guard == nil:
		return nil, fmt.Errorf("settlement: idempotency guard required")
	case p.Resolver == nil:
		return nil, fmt.Errorf("settlement: commission resolver required")
	case p.Ledger == nil:
		return nil, fmt.Errorf("settlement: ledger required")
	case p.Terms == nil || p.Policy == nil:
		return nil, fmt.Errorf("settlement: trust terms and rollout policy required")
	case p.Events == nil || p.Audit == nil:
		return nil, fmt.Errorf("settlement: outbox emitter and audit writer required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		tx:           p.Tx,
		db:           p.DB,
		guard:        p.Guard,
		resolver:     p.Resolver,
		ledger:       p.Ledger,
		terms:        p.Terms,
		policy:       p.Policy,
		destinations: p.Destinations,
		payouts:      p.Payouts,
		events:       p.Events,
		audit:        p.Audit,
		logg:         logg,
		now:          time.Now,
	}, nil
}

// Settle credits the seller's pending balance with the order net of
// commission and opens a hold sized by the seller's trust terms. It is
// exactly-once per order: repeats replay the first result.
func (s *Service) Settle(ctx context.Context, in SettleInput) (*Result, error) {
	if err := validateSettle(in); err != nil {
		return nil, err
	}
	ctx = s.logg.WithSellerID(s.logg.WithField(ctx, "order_id", in.OrderID), in.SellerID)

	var result Result
	res, err := s.guard.Execute(ctx, "settle:"+in.OrderID, settleScope, func(tx *gorm.DB) (any, error) {
		out, err := s.settle(ctx, tx, in)
		if err != nil {
			return nil, err
		}
		result = *out
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		var replay Result
		if err := json.Unmarshal(res.Response, &replay); err != nil {
			return nil, fmt.Errorf("decoding stored settlement: %w", err)
		}
		if replay.SellerID != in.SellerID || replay.GrossCents != in.GrossCents {
			return nil, pkgerrors.Newf(pkgerrors.CodeIdempotency, "order %s was settled with different values", in.OrderID)
		}
		replay.Replayed = true
		return &replay, nil
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"net_cents":        result.NetCents,
		"commission_cents": result.CommissionCents,
		"hold_days":        result.HoldDays,
	}), "order settled")
	return &result, nil
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, in SettleInput) (*Result, error) {
	quote, err := s.resolver.WithTx(tx).Resolve(ctx, commission.Line{
		SellerID:   in.SellerID,
		CategoryID: in.CategoryID,
		BrandID:    in.BrandID,
		Quantity:   in.Quantity,
		GrossCents: in.GrossCents,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Post(ctx, tx, ledger.Posting{
		OperationKey: "settle:" + in.OrderID,
		Reason:       enums.ReasonOrderSettlement,
		ReferenceID:  in.OrderID,
		Currency:     in.Currency,
		Legs: []ledger.Leg{
			{Bucket: enums.BucketClearing, Direction: enums.DirectionDebit, AmountCents: in.GrossCents},
			{SellerID: in.SellerID, Bucket: enums.BucketPending, Direction: enums.DirectionCredit, AmountCents: in.GrossCents},
		},
	}); err != nil {
		return nil, err
	}
	if quote.CommissionCents > 0 {
		if _, err := s.ledger.Post(ctx, tx, ledger.Posting{
			OperationKey: "commission:" + in.OrderID,
			Reason:       enums.ReasonCommission,
			ReferenceID:  in.OrderID,
			Currency:     in.Currency,
			Legs: []ledger.Leg{
				{SellerID: in.SellerID, Bucket: enums.BucketPending, Direction: enums.DirectionDebit, AmountCents: quote.CommissionCents},
				{Bucket: enums.BucketRevenue, Direction: enums.DirectionCredit, AmountCents: quote.CommissionCents},
			},
		}); err != nil {
			return nil, err
		}
	}

	policy, err := s.policy.Get(ctx, tx, in.SellerID)
	if err != nil {
		return nil, err
	}
	terms, err := s.terms.TermsFor(ctx, tx, in.SellerID, policy.HoldDaysOverride)
	if err != nil {
		return nil, err
	}

	settlement := models.Settlement{
		OrderID:         in.OrderID,
		SellerID:        in.SellerID,
		Currency:        in.Currency,
		GrossCents:      in.GrossCents,
		CommissionCents: quote.CommissionCents,
		NetCents:        quote.NetCents,
		PlanID:          quote.PlanID,
		RuleID:          quote.RuleID,
	}
	if err := tx.WithContext(ctx).Create(&settlement).Error; err != nil {
		return nil, err
	}

	now := s.now().UTC()
	releaseAt := now.Add(time.Duration(terms.HoldDays) * 24 * time.Hour)
	out := &Result{
		SettlementID:    settlement.ID,
		OrderID:         in.OrderID,
		SellerID:        in.SellerID,
		GrossCents:      in.GrossCents,
		CommissionCents: quote.CommissionCents,
		NetCents:        quote.NetCents,
		PlanID:          quote.PlanID,
		RuleID:          quote.RuleID,
		HoldDays:        terms.HoldDays,
		TrustTier:       terms.Tier,
		ReleaseAt:       releaseAt,
	}
	if quote.NetCents > 0 {
		hold := models.SettlementHold{
			SettlementID: settlement.ID,
			SellerID:     in.SellerID,
			Currency:     in.Currency,
			AmountCents:  quote.NetCents,
			HoldDays:     terms.HoldDays,
			TrustTier:    terms.Tier,
			ReleaseAt:    releaseAt,
			Status:       enums.HoldPending,
		}
		if err := tx.WithContext(ctx).Create(&hold).Error; err != nil {
			return nil, err
		}
		out.HoldID = &hold.ID
	}

	if err := s.events.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSettlementPosted,
		AggregateType: enums.AggregateSettlement,
		AggregateID:   settlement.ID.String(),
		Actor:         outbox.SystemActor("settlement"),
		OccurredAt:    now,
		Data: payloads.SettlementPostedEvent{
			SettlementID:    settlement.ID.String(),
			OrderID:         in.OrderID,
			SellerID:        in.SellerID,
			Currency:        in.Currency,
			GrossCents:      in.GrossCents,
			CommissionCents: quote.CommissionCents,
			NetCents:        quote.NetCents,
			ReleaseAt:       releaseAt,
		},
	}); err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		Category:   audit.CategoryOps,
		Action:     audit.ActionOrderSettled,
		EntityType: "order",
		EntityID:   in.OrderID,
		After:      out,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func validateSettle(in SettleInput) error {
	switch {
	case in.OrderID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	case in.SellerID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	case in.Quantity < 1:
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	case in.GrossCents <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "gross amount must be positive")
	case !in.Currency.IsValid():
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid currency %q", in.Currency)
	}
	return nil
}

// Holds lists a seller's holds, newest first.
func (s *Service) Holds(ctx context.Context, sellerID string) ([]models.SettlementHold, error) {
	var rows []models.SettlementHold
	err := s.db.WithContext(ctx).Where("seller_id = ?", sellerID).Order("created_at DESC").Limit(500).Find(&rows).Error
	return rows, err
}

func loadHold(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.SettlementHold, error) {
	var hold models.SettlementHold
	err := tx.WithContext(ctx).Where("id = ?", id).Take(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "settlement hold %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}
