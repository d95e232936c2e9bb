package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// WebhookEvent is the inbox row for an inbound provider callback.
type WebhookEvent struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	Provider        string              `gorm:"column:provider;not null;uniqueIndex:ux_webhook_events_provider_event"`
	ProviderEventID string              `gorm:"column:provider_event_id;not null;uniqueIndex:ux_webhook_events_provider_event"`
	EventType       string              `gorm:"column:event_type;not null;default:''"`
	RawPayload      []byte              `gorm:"column:raw_payload;not null"`
	SignatureValid  bool                `gorm:"column:signature_valid;not null;default:false"`
	Status          enums.WebhookStatus `gorm:"column:status;not null;index"`
	FailureReason   *string             `gorm:"column:failure_reason"`
	Attempts        int                 `gorm:"column:attempts;not null;default:0"`
	ReceivedAt      time.Time           `gorm:"column:received_at;not null"`
	ProcessedAt     *time.Time          `gorm:"column:processed_at"`
}

func (w *WebhookEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&w.ID)
	return nil
}

// IdempotencyRecord guards mutation endpoints and jobs against re-entry.
type IdempotencyRecord struct {
	Key         string                  `gorm:"column:key;primaryKey"`
	Scope       string                  `gorm:"column:scope;not null"`
	Status      enums.IdempotencyStatus `gorm:"column:status;not null"`
	LockedAt    time.Time               `gorm:"column:locked_at;not null"`
	CompletedAt *time.Time              `gorm:"column:completed_at"`
	Response    []byte                  `gorm:"column:response"`
	LastError   *string                 `gorm:"column:last_error"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
}
