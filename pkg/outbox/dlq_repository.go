package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

const (
	maxDLQErrorLen   = 1024
	defaultDLQListSz = 50
)

// DLQRepository stores finance events the publisher gave up on. Rows stay
// until an operator requeues them.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// DLQFilter narrows List. Zero fields match everything.
type DLQFilter struct {
	EventType   enums.OutboxEventType
	AggregateID string
	Reason      enums.OutboxDLQErrorReason
}

// InsertTx dead-letters one event inside the publisher's batch transaction.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil {
		msg := clip(*entry.ErrorMessage, maxDLQErrorLen)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var row models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns dead letters, most recent failure first.
func (r *DLQRepository) List(ctx context.Context, f DLQFilter, limit int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = defaultDLQListSz
	}
	q := r.db.WithContext(ctx).Model(&models.OutboxDLQ{})
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.AggregateID != "" {
		q = q.Where("aggregate_id = ?", f.AggregateID)
	}
	if f.Reason != "" {
		q = q.Where("error_reason = ?", f.Reason)
	}
	var rows []models.OutboxDLQ
	err := q.Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// RequeueTx hands up to limit dead letters of one event type back to the
// publisher, oldest first: the outbox row gets a fresh attempt budget and
// the dead letter is removed. Rows already published are only removed.
func (r *DLQRepository) RequeueTx(tx *gorm.DB, eventType enums.OutboxEventType, limit int) (int, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	if !eventType.IsValid() {
		return 0, errors.New("unknown outbox event type " + string(eventType))
	}
	if limit <= 0 {
		limit = defaultDLQListSz
	}
	var rows []models.OutboxDLQ
	if err := tx.Where("event_type = ?", eventType).
		Order("failed_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	requeued := 0
	for _, row := range rows {
		res := tx.Model(&models.OutboxEvent{}).
			Where("id = ? AND published_at IS NULL", row.EventID).
			Updates(map[string]any{"attempt_count": 0, "last_error": nil})
		if res.Error != nil {
			return requeued, res.Error
		}
		if err := tx.Delete(&models.OutboxDLQ{}, "id = ?", row.ID).Error; err != nil {
			return requeued, err
		}
		if res.RowsAffected == 1 {
			requeued++
		}
	}
	return requeued, nil
}

func clip(message string, max int) string {
	if len(message) <= max {
		return message
	}
	return message[:max]
}
