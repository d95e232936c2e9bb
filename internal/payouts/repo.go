package payouts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// Repository is the payout data access layer. Every state change is a
// compare-and-swap on version.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, payout *models.ProviderPayout) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.ProviderPayout, error)
	FindByKey(ctx context.Context, key string) (*models.ProviderPayout, error)
	FindByProviderRef(ctx context.Context, ref string) (*models.ProviderPayout, error)
	UpdateCAS(ctx context.Context, id uuid.UUID, version int64, fields map[string]any) (bool, error)
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]models.ProviderPayout, error)
	ListStuckClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.ProviderPayout, error)
	ListByStatus(ctx context.Context, statuses []enums.PayoutStatus, updatedAfter time.Time, after *Cursor, limit int) ([]models.ProviderPayout, error)

	InsertRequest(ctx context.Context, req *models.PayoutRequest) error
	FindRequest(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	ListRequests(ctx context.Context, sellerID string, status enums.PayoutRequestStatus) ([]models.PayoutRequest, error)
	DecideRequest(ctx context.Context, id uuid.UUID, fields map[string]any) (bool, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Insert returns false when a payout with the same idempotency key exists.
func (r *repository) Insert(ctx context.Context, payout *models.ProviderPayout) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(payout)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.ProviderPayout, error) {
	return r.take(ctx, "id = ?", id)
}

func (r *repository) FindByKey(ctx context.Context, key string) (*models.ProviderPayout, error) {
	return r.take(ctx, "idempotency_key = ?", key)
}

func (r *repository) FindByProviderRef(ctx context.Context, ref string) (*models.ProviderPayout, error) {
	return r.take(ctx, "provider_ref = ?", ref)
}

func (r *repository) take(ctx context.Context, query string, arg any) (*models.ProviderPayout, error) {
	var p models.ProviderPayout
	err := r.db.WithContext(ctx).Where(query, arg).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) UpdateCAS(ctx context.Context, id uuid.UUID, version int64, fields map[string]any) (bool, error) {
	fields["version"] = version + 1
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.ProviderPayout{}).
		Where("id = ? AND version = ?", id, version).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]models.ProviderPayout, error) {
	var rows []models.ProviderPayout
	err := r.db.WithContext(ctx).
		Where("status = ? AND claim_token IS NULL AND next_attempt_at <= ?", enums.PayoutQueued, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListStuckClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.ProviderPayout, error) {
	var rows []models.ProviderPayout
	err := r.db.WithContext(ctx).
		Where("status = ? AND claim_token IS NOT NULL AND claimed_at < ?", enums.PayoutQueued, claimedBefore).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Cursor is a keyset position in (updated_at, id) order.
type Cursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

// CursorAt returns the position just after p.
func CursorAt(p models.ProviderPayout) *Cursor {
	return &Cursor{UpdatedAt: p.UpdatedAt, ID: p.ID}
}

func (r *repository) ListByStatus(ctx context.Context, statuses []enums.PayoutStatus, updatedAfter time.Time, after *Cursor, limit int) ([]models.ProviderPayout, error) {
	var rows []models.ProviderPayout
	q := r.db.WithContext(ctx).Where("status IN ?", statuses)
	if !updatedAfter.IsZero() {
		q = q.Where("updated_at >= ?", updatedAfter)
	}
	if after != nil {
		q = q.Where("(updated_at > ? OR (updated_at = ? AND id > ?))", after.UpdatedAt, after.UpdatedAt, after.ID)
	}
	err := q.Order("updated_at ASC, id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *repository) InsertRequest(ctx context.Context, req *models.PayoutRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *repository) FindRequest(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	var req models.PayoutRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *repository) ListRequests(ctx context.Context, sellerID string, status enums.PayoutRequestStatus) ([]models.PayoutRequest, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(200)
	if sellerID != "" {
		q = q.Where("seller_id = ?", sellerID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.PayoutRequest
	return rows, q.Find(&rows).Error
}

// DecideRequest moves a REQUESTED row; false means it was already decided.
func (r *repository) DecideRequest(ctx context.Context, id uuid.UUID, fields map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.PayoutRequest{}).
		Where("id = ? AND status = ?", id, enums.PayoutRequestRequested).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
