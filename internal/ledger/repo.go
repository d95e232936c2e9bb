package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Repository manages persistence for ledger accounts and entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	EnsureAccount(ctx context.Context, sellerID string, kind enums.AccountKind, currency enums.Currency) (*models.LedgerAccount, error)
	FindAccount(ctx context.Context, sellerID string) (*models.LedgerAccount, error)
	FindAccountByID(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error)
	InsertEntries(ctx context.Context, entries []models.LedgerEntry) error
	AdjustBalance(ctx context.Context, accountID uuid.UUID, bucket enums.LedgerBucket, delta int64, allowNegative bool) (bool, error)
	OperationExists(ctx context.Context, operationKey string) (bool, error)
	ListEntries(ctx context.Context, accountID uuid.UUID) ([]models.LedgerEntry, error)
	ListEntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error)
	ReplayBalances(ctx context.Context, accountID uuid.UUID) (map[enums.LedgerBucket]int64, error)
	ListSellerAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]models.LedgerAccount, error)
	UnbalancedReferences(ctx context.Context, limit int) ([]ReferenceImbalance, error)
}

// ReferenceImbalance is a reference whose debits and credits differ.
type ReferenceImbalance struct {
	ReferenceID string
	DebitCents  int64
	CreditCents int64
}

var bucketColumns = map[enums.LedgerBucket]string{
	enums.BucketAvailable: "available_cents",
	enums.BucketReserved:  "reserved_cents",
	enums.BucketPending:   "pending_cents",
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) EnsureAccount(ctx context.Context, sellerID string, kind enums.AccountKind, currency enums.Currency) (*models.LedgerAccount, error) {
	account := &models.LedgerAccount{SellerID: sellerID, Kind: kind, Currency: currency}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "seller_id"}}, DoNothing: true}).
		Create(account).Error; err != nil {
		return nil, err
	}
	return r.FindAccount(ctx, sellerID)
}

func (r *repository) FindAccount(ctx context.Context, sellerID string) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).Where("seller_id = ?", sellerID).Take(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindAccountByID(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) InsertEntries(ctx context.Context, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}

// AdjustBalance applies delta to one seller bucket. Unless allowNegative is
// set the update is guarded so the bucket can never go below zero; false is
// returned when the guard rejected the update.
func (r *repository) AdjustBalance(ctx context.Context, accountID uuid.UUID, bucket enums.LedgerBucket, delta int64, allowNegative bool) (bool, error) {
	column, ok := bucketColumns[bucket]
	if !ok {
		return false, fmt.Errorf("bucket %s has no stored balance", bucket)
	}
	query := r.db.WithContext(ctx).
		Model(&models.LedgerAccount{}).
		Where("id = ?", accountID)
	if !allowNegative && delta < 0 {
		query = query.Where(column+" >= ?", -delta)
	}
	res := query.Update(column, gorm.Expr(column+" + ?", delta))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) OperationExists(ctx context.Context, operationKey string) (bool, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Select("id").
		Where("operation_key = ?", operationKey).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *repository) ListEntries(ctx context.Context, accountID uuid.UUID) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, leg ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListEntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC, operation_key ASC, leg ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

type bucketSum struct {
	Bucket enums.LedgerBucket
	Net    int64
}

func (r *repository) ReplayBalances(ctx context.Context, accountID uuid.UUID) (map[enums.LedgerBucket]int64, error) {
	var rows []bucketSum
	if err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("bucket, COALESCE(SUM(CASE WHEN direction = ? THEN amount_cents ELSE -amount_cents END), 0) AS net", enums.DirectionCredit).
		Where("account_id = ?", accountID).
		Group("bucket").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[enums.LedgerBucket]int64, len(rows))
	for _, row := range rows {
		out[row.Bucket] = row.Net
	}
	return out, nil
}

func (r *repository) ListSellerAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]models.LedgerAccount, error) {
	var accounts []models.LedgerAccount
	query := r.db.WithContext(ctx).Where("kind = ?", enums.AccountKindSeller)
	if afterID != uuid.Nil {
		query = query.Where("id > ?", afterID)
	}
	if err := query.Order("id ASC").Limit(limit).Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repository) UnbalancedReferences(ctx context.Context, limit int) ([]ReferenceImbalance, error) {
	var rows []ReferenceImbalance
	if err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select(
			"reference_id, "+
				"COALESCE(SUM(CASE WHEN direction = ? THEN amount_cents ELSE 0 END), 0) AS debit_cents, "+
				"COALESCE(SUM(CASE WHEN direction = ? THEN amount_cents ELSE 0 END), 0) AS credit_cents",
			enums.DirectionDebit, enums.DirectionCredit,
		).
		Group("reference_id").
		Having("SUM(CASE WHEN direction = ? THEN amount_cents ELSE -amount_cents END) <> 0", enums.DirectionCredit).
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
