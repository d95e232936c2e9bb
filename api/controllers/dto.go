package controllers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

type payoutDTO struct {
	ID              uuid.UUID          `json:"id"`
	SellerID        string             `json:"seller_id"`
	DestinationID   *uuid.UUID         `json:"destination_id,omitempty"`
	Currency        enums.Currency     `json:"currency"`
	GrossCents      int64              `json:"gross_cents"`
	CommissionCents int64              `json:"commission_cents"`
	NetCents        int64              `json:"net_cents"`
	Status          enums.PayoutStatus `json:"status"`
	Source          string             `json:"source"`
	IdempotencyKey  string             `json:"idempotency_key"`
	ProviderRef     *string            `json:"provider_ref,omitempty"`
	FailureCode     *string            `json:"failure_code,omitempty"`
	FailureReason   *string            `json:"failure_reason,omitempty"`
	Attempts        int                `json:"attempts"`
	NextAttemptAt   time.Time          `json:"next_attempt_at"`
	Version         int64              `json:"version"`
	SentAt          *time.Time         `json:"sent_at,omitempty"`
	SucceededAt     *time.Time         `json:"succeeded_at,omitempty"`
	ReconciledAt    *time.Time         `json:"reconciled_at,omitempty"`
	QuarantinedAt   *time.Time         `json:"quarantined_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func toPayoutDTO(p *models.ProviderPayout) *payoutDTO {
	if p == nil {
		return nil
	}
	return &payoutDTO{
		ID:              p.ID,
		SellerID:        p.SellerTenantID,
		DestinationID:   p.DestinationID,
		Currency:        p.Currency,
		GrossCents:      p.GrossCents,
		CommissionCents: p.CommissionCents,
		NetCents:        p.NetCents,
		Status:          p.Status,
		Source:          p.Source,
		IdempotencyKey:  p.IdempotencyKey,
		ProviderRef:     p.ProviderRef,
		FailureCode:     p.FailureCode,
		FailureReason:   p.FailureReason,
		Attempts:        p.Attempts,
		NextAttemptAt:   p.NextAttemptAt,
		Version:         p.Version,
		SentAt:          p.SentAt,
		SucceededAt:     p.SucceededAt,
		ReconciledAt:    p.ReconciledAt,
		QuarantinedAt:   p.QuarantinedAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

type payoutRequestDTO struct {
	ID             uuid.UUID                 `json:"id"`
	SellerID       string                    `json:"seller_id"`
	DestinationID  uuid.UUID                 `json:"destination_id"`
	AmountCents    int64                     `json:"amount_cents"`
	Currency       enums.Currency            `json:"currency"`
	Status         enums.PayoutRequestStatus `json:"status"`
	PayoutID       *uuid.UUID                `json:"payout_id,omitempty"`
	DecidedBy      *string                   `json:"decided_by,omitempty"`
	DecisionReason *string                   `json:"decision_reason,omitempty"`
	DecidedAt      *time.Time                `json:"decided_at,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

func toPayoutRequestDTO(r *models.PayoutRequest) *payoutRequestDTO {
	if r == nil {
		return nil
	}
	return &payoutRequestDTO{
		ID:             r.ID,
		SellerID:       r.SellerID,
		DestinationID:  r.DestinationID,
		AmountCents:    r.AmountCents,
		Currency:       r.Currency,
		Status:         r.Status,
		PayoutID:       r.PayoutID,
		DecidedBy:      r.DecidedBy,
		DecisionReason: r.DecisionReason,
		DecidedAt:      r.DecidedAt,
		CreatedAt:      r.CreatedAt,
	}
}

type holdDTO struct {
	ID                   uuid.UUID        `json:"id"`
	SettlementID         uuid.UUID        `json:"settlement_id"`
	SellerID             string           `json:"seller_id"`
	Currency             enums.Currency   `json:"currency"`
	AmountCents          int64            `json:"amount_cents"`
	HoldDays             int              `json:"hold_days"`
	TrustTier            enums.TrustTier  `json:"trust_tier"`
	ReleaseAt            time.Time        `json:"release_at"`
	Status               enums.HoldStatus `json:"status"`
	EarlyRelease         bool             `json:"early_release"`
	EarlyReleaseFeeCents int64            `json:"early_release_fee_cents"`
	ReleasedAt           *time.Time       `json:"released_at,omitempty"`
	PayoutID             *uuid.UUID       `json:"payout_id,omitempty"`
}

func toHoldDTO(h *models.SettlementHold) *holdDTO {
	if h == nil {
		return nil
	}
	return &holdDTO{
		ID:                   h.ID,
		SettlementID:         h.SettlementID,
		SellerID:             h.SellerID,
		Currency:             h.Currency,
		AmountCents:          h.AmountCents,
		HoldDays:             h.HoldDays,
		TrustTier:            h.TrustTier,
		ReleaseAt:            h.ReleaseAt,
		Status:               h.Status,
		EarlyRelease:         h.EarlyRelease,
		EarlyReleaseFeeCents: h.EarlyReleaseFeeCents,
		ReleasedAt:           h.ReleasedAt,
		PayoutID:             h.PayoutID,
	}
}

type ruleDTO struct {
	ID           uuid.UUID `json:"id"`
	Position     int       `json:"position"`
	MinQty       int       `json:"min_qty"`
	CategoryID   *string   `json:"category_id,omitempty"`
	BrandID      *string   `json:"brand_id,omitempty"`
	RateBps      *int      `json:"rate_bps,omitempty"`
	FlatFeeCents *int64    `json:"flat_fee_cents,omitempty"`
}

type planDTO struct {
	ID            uuid.UUID             `json:"id"`
	Name          string                `json:"name"`
	Scope         enums.CommissionScope `json:"scope"`
	ScopeRef      string                `json:"scope_ref,omitempty"`
	Status        enums.PlanStatus      `json:"status"`
	IsDefault     bool                  `json:"is_default"`
	Version       int                   `json:"version"`
	EffectiveFrom time.Time             `json:"effective_from"`
	ActivatedAt   *time.Time            `json:"activated_at,omitempty"`
	ArchivedAt    *time.Time            `json:"archived_at,omitempty"`
	ArchiveReason *string               `json:"archive_reason,omitempty"`
	SupersedesID  *uuid.UUID            `json:"supersedes_id,omitempty"`
	CreatedBy     string                `json:"created_by"`
	Rules         []ruleDTO             `json:"rules"`
}

func toPlanDTO(p *models.CommissionPlan) *planDTO {
	if p == nil {
		return nil
	}
	out := &planDTO{
		ID:            p.ID,
		Name:          p.Name,
		Scope:         p.Scope,
		ScopeRef:      p.ScopeRef,
		Status:        p.Status,
		IsDefault:     p.IsDefault,
		Version:       p.Version,
		EffectiveFrom: p.EffectiveFrom,
		ActivatedAt:   p.ActivatedAt,
		ArchivedAt:    p.ArchivedAt,
		ArchiveReason: p.ArchiveReason,
		SupersedesID:  p.SupersedesID,
		CreatedBy:     p.CreatedBy,
		Rules:         make([]ruleDTO, 0, len(p.Rules)),
	}
	for _, r := range p.Rules {
		out.Rules = append(out.Rules, ruleDTO{
			ID:           r.ID,
			Position:     r.Position,
			MinQty:       r.MinQty,
			CategoryID:   r.CategoryID,
			BrandID:      r.BrandID,
			RateBps:      r.RateBps,
			FlatFeeCents: r.FlatFeeCents,
		})
	}
	return out
}

type alertDTO struct {
	ID             uuid.UUID           `json:"id"`
	Type           enums.AlertType     `json:"type"`
	Severity       enums.AlertSeverity `json:"severity"`
	ReferenceID    string              `json:"reference_id"`
	SellerID       *string             `json:"seller_id,omitempty"`
	AmountCents    *int64              `json:"amount_cents,omitempty"`
	Details        json.RawMessage     `json:"details,omitempty"`
	Status         enums.AlertStatus   `json:"status"`
	AcknowledgedBy *string             `json:"acknowledged_by,omitempty"`
	AckReason      *string             `json:"ack_reason,omitempty"`
	AcknowledgedAt *time.Time          `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

func toAlertDTO(a *models.IntegrityAlert) *alertDTO {
	if a == nil {
		return nil
	}
	return &alertDTO{
		ID:             a.ID,
		Type:           a.Type,
		Severity:       a.Severity,
		ReferenceID:    a.ReferenceID,
		SellerID:       a.SellerID,
		AmountCents:    a.AmountCents,
		Details:        a.Details,
		Status:         a.Status,
		AcknowledgedBy: a.AcknowledgedBy,
		AckReason:      a.AckReason,
		AcknowledgedAt: a.AcknowledgedAt,
		CreatedAt:      a.CreatedAt,
	}
}

type trustDTO struct {
	SellerID   string          `json:"seller_id"`
	Score      int             `json:"score"`
	Tier       enums.TrustTier `json:"tier"`
	Components json.RawMessage `json:"components,omitempty"`
	ComputedAt time.Time       `json:"computed_at"`
}

func toTrustDTO(s *models.SellerTrustScore) *trustDTO {
	if s == nil {
		return nil
	}
	return &trustDTO{
		SellerID:   s.SellerID,
		Score:      s.Score,
		Tier:       s.Tier,
		Components: s.Components,
		ComputedAt: s.ComputedAt,
	}
}

type policyDTO struct {
	SellerID            string    `json:"seller_id"`
	PayoutPaused        bool      `json:"payout_paused"`
	BoostPaused         bool      `json:"boost_paused"`
	EscrowPaused        bool      `json:"escrow_paused"`
	MaxDailyPayoutCents *int64    `json:"max_daily_payout_cents,omitempty"`
	HoldDaysOverride    *int      `json:"hold_days_override,omitempty"`
	UpdatedBy           string    `json:"updated_by,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toPolicyDTO(p models.TenantRolloutPolicy) policyDTO {
	return policyDTO{
		SellerID:            p.SellerID,
		PayoutPaused:        p.PayoutPaused,
		BoostPaused:         p.BoostPaused,
		EscrowPaused:        p.EscrowPaused,
		MaxDailyPayoutCents: p.MaxDailyPayoutCents,
		HoldDaysOverride:    p.HoldDaysOverride,
		UpdatedBy:           p.UpdatedBy,
		UpdatedAt:           p.UpdatedAt,
	}
}

type balanceDTO struct {
	SellerID       string           `json:"seller_id"`
	Currency       enums.Currency   `json:"currency,omitempty"`
	PendingCents   int64            `json:"pending_cents"`
	ReservedCents  int64            `json:"reserved_cents"`
	AvailableCents int64            `json:"available_cents"`
	Replayed       map[string]int64 `json:"replayed"`
	Drifted        bool             `json:"drifted"`
}

func toBalanceDTO(sellerID string, b *ledger.Balances) balanceDTO {
	out := balanceDTO{SellerID: sellerID, Replayed: map[string]int64{}}
	if b == nil {
		return out
	}
	out.Currency = b.Account.Currency
	out.PendingCents = b.Account.PendingCents
	out.ReservedCents = b.Account.ReservedCents
	out.AvailableCents = b.Account.AvailableCents
	for bucket, cents := range b.Replayed {
		out.Replayed[string(bucket)] = cents
	}
	out.Drifted = b.Drifted()
	return out
}
