package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// ProviderPayout is one payout attempt driven through the payout state
// machine. Version is bumped on every transition and claim.
type ProviderPayout struct {
	ID              uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	SellerTenantID  string             `gorm:"column:seller_tenant_id;not null;index"`
	DestinationID   *uuid.UUID         `gorm:"column:destination_id;type:uuid"`
	Currency        enums.Currency     `gorm:"column:currency;not null"`
	GrossCents      int64              `gorm:"column:gross_cents;not null"`
	CommissionCents int64              `gorm:"column:commission_cents;not null;default:0"`
	NetCents        int64              `gorm:"column:net_cents;not null"`
	Status          enums.PayoutStatus `gorm:"column:status;not null;index:ix_provider_payouts_dispatch"`
	Source          string             `gorm:"column:source;not null"`
	IdempotencyKey  string             `gorm:"column:idempotency_key;not null;uniqueIndex:ux_provider_payouts_idempotency_key"`
	ProviderRef     *string            `gorm:"column:provider_ref;index"`
	FailureCode     *string            `gorm:"column:failure_code"`
	FailureReason   *string            `gorm:"column:failure_reason"`
	Attempts        int                `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt   time.Time          `gorm:"column:next_attempt_at;not null;index:ix_provider_payouts_dispatch"`
	ClaimToken      *string            `gorm:"column:claim_token"`
	ClaimedAt       *time.Time         `gorm:"column:claimed_at"`
	Version         int64              `gorm:"column:version;not null;default:1"`
	SentAt          *time.Time         `gorm:"column:sent_at"`
	SucceededAt     *time.Time         `gorm:"column:succeeded_at"`
	ReconciledAt    *time.Time         `gorm:"column:reconciled_at"`
	QuarantinedAt   *time.Time         `gorm:"column:quarantined_at"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *ProviderPayout) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// PayoutRequest is a seller-initiated withdrawal awaiting admin decision.
type PayoutRequest struct {
	ID             uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	SellerID       string                    `gorm:"column:seller_id;not null;index"`
	DestinationID  uuid.UUID                 `gorm:"column:destination_id;type:uuid;not null"`
	AmountCents    int64                     `gorm:"column:amount_cents;not null"`
	Currency       enums.Currency            `gorm:"column:currency;not null"`
	Status         enums.PayoutRequestStatus `gorm:"column:status;not null"`
	PayoutID       *uuid.UUID                `gorm:"column:payout_id;type:uuid"`
	DecidedBy      *string                   `gorm:"column:decided_by"`
	DecisionReason *string                   `gorm:"column:decision_reason"`
	DecidedAt      *time.Time                `gorm:"column:decided_at"`
	CreatedAt      time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

func (r *PayoutRequest) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// PayoutDestination is a seller bank destination. The IBAN is only stored
// sealed; MaskedIBAN is the only form ever returned or logged.
type PayoutDestination struct {
	ID                 uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	SellerID           string    `gorm:"column:seller_id;not null;uniqueIndex:ux_payout_destinations_fingerprint"`
	Fingerprint        string    `gorm:"column:fingerprint;not null;uniqueIndex:ux_payout_destinations_fingerprint"`
	MaskedIBAN         string    `gorm:"column:masked_iban;not null"`
	SealedIBAN         []byte    `gorm:"column:sealed_iban;not null"`
	HolderName         string    `gorm:"column:holder_name;not null"`
	ProviderAccountRef string    `gorm:"column:provider_account_ref;not null;default:''"`
	IsDefault          bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (d *PayoutDestination) BeforeCreate(*gorm.DB) error {
	ensureID(&d.ID)
	return nil
}
