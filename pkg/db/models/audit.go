package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// FinanceAuditLog is the immutable trail of admin (AUDIT) and automated
// (OPS) actions touching money state.
type FinanceAuditLog struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Category   string          `gorm:"column:category;not null;index"`
	Action     string          `gorm:"column:action;not null;index"`
	Actor      string          `gorm:"column:actor;not null"`
	EntityType string          `gorm:"column:entity_type;not null"`
	EntityID   string          `gorm:"column:entity_id;not null;index"`
	Before     json.RawMessage `gorm:"column:before_json;type:jsonb"`
	After      json.RawMessage `gorm:"column:after_json;type:jsonb"`
	Reason     *string         `gorm:"column:reason"`
	Severity   string          `gorm:"column:severity;not null;default:'INFO'"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (l *FinanceAuditLog) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}

// IntegrityAlert must be acknowledged by a human before it is resolved.
// (type, reference_id) is unique among open alerts.
type IntegrityAlert struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	Type           enums.AlertType     `gorm:"column:type;not null;index:ix_integrity_alerts_dedupe"`
	Severity       enums.AlertSeverity `gorm:"column:severity;not null"`
	ReferenceID    string              `gorm:"column:reference_id;not null;index:ix_integrity_alerts_dedupe"`
	SellerID       *string             `gorm:"column:seller_id"`
	AmountCents    *int64              `gorm:"column:amount_cents"`
	Details        json.RawMessage     `gorm:"column:details;type:jsonb"`
	Status         enums.AlertStatus   `gorm:"column:status;not null;index"`
	AcknowledgedBy *string             `gorm:"column:acknowledged_by"`
	AckReason      *string             `gorm:"column:ack_reason"`
	AcknowledgedAt *time.Time          `gorm:"column:acknowledged_at"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
}

func (a *IntegrityAlert) BeforeCreate(*gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
