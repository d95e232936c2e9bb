package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// LedgerAccount holds the materialized balances of one seller tenant or
// one platform system account. Balances are in minor currency units.
type LedgerAccount struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	SellerID       string            `gorm:"column:seller_id;not null;uniqueIndex:ux_ledger_accounts_seller_id"`
	Kind           enums.AccountKind `gorm:"column:kind;not null"`
	Currency       enums.Currency    `gorm:"column:currency;not null"`
	AvailableCents int64             `gorm:"column:available_cents;not null;default:0"`
	ReservedCents  int64             `gorm:"column:reserved_cents;not null;default:0"`
	PendingCents   int64             `gorm:"column:pending_cents;not null;default:0"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (a *LedgerAccount) BeforeCreate(*gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// Balance returns the stored balance for a seller bucket.
func (a LedgerAccount) Balance(bucket enums.LedgerBucket) int64 {
	switch bucket {
	case enums.BucketAvailable:
		return a.AvailableCents
	case enums.BucketReserved:
		return a.ReservedCents
	case enums.BucketPending:
		return a.PendingCents
	}
	return 0
}
