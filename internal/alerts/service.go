// Package alerts stores integrity alerts that a human must acknowledge.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/metrics"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

// Alert is the input for Raise.
type Alert struct {
	Type        enums.AlertType
	Severity    enums.AlertSeverity
	ReferenceID string
	SellerID    string
	AmountCents *int64
	Details     map[string]any
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status enums.AlertStatus
	Type   enums.AlertType
	Limit  int
}

type Service struct {
	db      *gorm.DB
	tx      txRunner
	events  outbox.Emitter
	audit   auditWriter
	metrics *metrics.FinanceMetrics
	logg    *logger.Logger
	now     func() time.Time
}

type Params struct {
	DB      *gorm.DB
	Tx      txRunner
	Events  outbox.Emitter
	Audit   auditWriter
	Metrics *metrics.FinanceMetrics
	Logger  *logger.Logger
}

func NewService(p Params) (*Service, error) {
	if p.DB == nil || p.Tx == nil {
		return nil, fmt.Errorf("alerts: database required")
	}
	if p.Events == nil {
		return nil, fmt.Errorf("alerts: outbox emitter required")
	}
	if p.Audit == nil {
		return nil, fmt.Errorf("alerts: audit writer required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:      p.DB,
		tx:      p.Tx,
		events:  p.Events,
		audit:   p.Audit,
		metrics: p.Metrics,
		logg:    logg,
		now:     time.Now,
	}, nil
}

// Raise opens an alert inside tx. An open alert with the same type and
// reference is returned instead of a duplicate; created reports which.
func (s *Service) Raise(ctx context.Context, tx *gorm.DB, in Alert) (*models.IntegrityAlert, bool, error) {
	if tx == nil {
		return nil, false, fmt.Errorf("alerts require a transaction")
	}
	if !in.Type.IsValid() || in.ReferenceID == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "alert type and reference are required")
	}
	if in.Severity == "" {
		in.Severity = enums.SeverityHigh
	}

	existing, err := findOpen(ctx, tx, in.Type, in.ReferenceID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	row := models.IntegrityAlert{
		Type:        in.Type,
		Severity:    in.Severity,
		ReferenceID: in.ReferenceID,
		AmountCents: in.AmountCents,
		Status:      enums.AlertOpen,
	}
	if in.SellerID != "" {
		seller := in.SellerID
		row.SellerID = &seller
	}
	if len(in.Details) > 0 {
		raw, err := json.Marshal(in.Details)
		if err != nil {
			return nil, false, fmt.Errorf("encoding alert details: %w", err)
		}
		row.Details = raw
	}

	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := findOpen(ctx, tx, in.Type, in.ReferenceID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := s.events.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventAlertRaised,
		AggregateType: enums.AggregateAlert,
		AggregateID:   row.ID.String(),
		Actor:         outbox.SystemActor("integrity"),
		Data: payloads.AlertRaisedEvent{
			AlertID:     row.ID.String(),
			Type:        row.Type,
			Severity:    row.Severity,
			ReferenceID: row.ReferenceID,
		},
	}); err != nil {
		return nil, false, err
	}

	s.metrics.IncAlert(string(row.Type))
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"alert_id":     row.ID.String(),
		"alert_type":   row.Type,
		"severity":     row.Severity,
		"reference_id": row.ReferenceID,
	}), "integrity alert raised")
	return &row, true, nil
}

// RaiseNow opens an alert in its own transaction.
func (s *Service) RaiseNow(ctx context.Context, in Alert) (*models.IntegrityAlert, bool, error) {
	var (
		alert   *models.IntegrityAlert
		created bool
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		alert, created, err = s.Raise(ctx, tx, in)
		return err
	})
	return alert, created, err
}

func (s *Service) List(ctx context.Context, f Filter) ([]models.IntegrityAlert, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	var rows []models.IntegrityAlert
	return rows, q.Find(&rows).Error
}

// Acknowledge closes an open alert. Acknowledging twice is a state conflict.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, actor, reason string) (*models.IntegrityAlert, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	var alert models.IntegrityAlert
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Where("id = ?", id).Take(&alert).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "alert not found")
			}
			return err
		}
		if alert.Status != enums.AlertOpen {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "alert already acknowledged")
		}
		now := s.now().UTC()
		res := tx.WithContext(ctx).Model(&models.IntegrityAlert{}).
			Where("id = ? AND status = ?", id, enums.AlertOpen).
			Updates(map[string]any{
				"status":          enums.AlertAcknowledged,
				"acknowledged_by": actor,
				"ack_reason":      reason,
				"acknowledged_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "alert already acknowledged")
		}
		alert.Status = enums.AlertAcknowledged
		alert.AcknowledgedBy = &actor
		alert.AckReason = &reason
		alert.AcknowledgedAt = &now

		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionAlertAcknowledged,
			Actor:      actor,
			EntityType: "integrity_alert",
			EntityID:   id.String(),
			After:      map[string]any{"type": alert.Type, "reference_id": alert.ReferenceID},
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// OpenCount is used by readiness and tests.
func (s *Service) OpenCount(ctx context.Context, alertType enums.AlertType, referenceID string) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.IntegrityAlert{}).Where("status = ?", enums.AlertOpen)
	if alertType != "" {
		q = q.Where("type = ?", alertType)
	}
	if referenceID != "" {
		q = q.Where("reference_id = ?", referenceID)
	}
	return count, q.Count(&count).Error
}

func findOpen(ctx context.Context, tx *gorm.DB, alertType enums.AlertType, referenceID string) (*models.IntegrityAlert, error) {
	var existing models.IntegrityAlert
	err := tx.WithContext(ctx).
		Where("type = ? AND reference_id = ? AND status = ?", alertType, referenceID, enums.AlertOpen).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}
