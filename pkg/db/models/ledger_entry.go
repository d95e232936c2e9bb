package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// LedgerEntry is an immutable posting. Entries sharing an OperationKey form
// one balanced financial operation; (operation_key, leg) is unique so an
// operation can only ever be posted once.
type LedgerEntry struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	AccountID    uuid.UUID             `gorm:"column:account_id;type:uuid;not null;index"`
	Bucket       enums.LedgerBucket    `gorm:"column:bucket;not null"`
	Direction    enums.LedgerDirection `gorm:"column:direction;not null"`
	AmountCents  int64                 `gorm:"column:amount_cents;not null"`
	Currency     enums.Currency        `gorm:"column:currency;not null"`
	Reason       enums.LedgerReason    `gorm:"column:reason;not null"`
	ReferenceID  string                `gorm:"column:reference_id;not null;index"`
	OperationKey string                `gorm:"column:operation_key;not null;uniqueIndex:ux_ledger_entries_operation_leg"`
	Leg          int                   `gorm:"column:leg;not null;uniqueIndex:ux_ledger_entries_operation_leg"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
