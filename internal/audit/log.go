package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

// Category splits admin decisions from automated actions.
type Category string

const (
	CategoryAudit Category = "AUDIT"
	CategoryOps   Category = "OPS"
)

// Actions written by the engine.
const (
	ActionPlanCreated          = "COMMISSION_PLAN_CREATED"
	ActionPlanActivated        = "COMMISSION_PLAN_ACTIVATED"
	ActionPlanArchived         = "COMMISSION_PLAN_ARCHIVED"
	ActionOrderSettled         = "ORDER_SETTLED"
	ActionHoldReleased         = "HOLD_RELEASED"
	ActionEarlyRelease         = "HOLD_EARLY_RELEASE"
	ActionPayoutCreated        = "PAYOUT_CREATED"
	ActionPayoutCancelled      = "PAYOUT_CANCELLED"
	ActionPayoutQuarantined    = "PAYOUT_QUARANTINED"
	ActionPayoutForceReconcile = "PAYOUT_FORCE_RECONCILE"
	ActionPayoutForceFinalize  = "PAYOUT_FORCE_FINALIZE"
	ActionPayoutReconciled     = "PAYOUT_RECONCILED"
	ActionPayoutReversed       = "PAYOUT_REVERSED"
	ActionClaimReleased        = "PAYOUT_CLAIM_RELEASED"
	ActionRequestApproved      = "PAYOUT_REQUEST_APPROVED"
	ActionRequestRejected      = "PAYOUT_REQUEST_REJECTED"
	ActionPolicyUpdated        = "ROLLOUT_POLICY_UPDATED"
	ActionPolicyViolation      = "POLICY_VIOLATION"
	ActionTrustRecomputed      = "TRUST_RECOMPUTED"
	ActionAlertAcknowledged    = "ALERT_ACKNOWLEDGED"
	ActionDestinationAdded     = "DESTINATION_REGISTERED"
	ActionWebhookReplay        = "WEBHOOK_REPLAY_REJECTED"
	ActionWebhookRejected      = "WEBHOOK_SIGNATURE_REJECTED"
)

// MinReasonLength applies to every destructive admin action.
const MinReasonLength = 5

// Entry describes one state-changing action.
type Entry struct {
	Category   Category
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	Before     any
	After      any
	Reason     string
	Severity   string
}

type Log struct {
	db *gorm.DB
}

func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Record appends an entry inside tx.
func (l *Log) Record(ctx context.Context, tx *gorm.DB, entry Entry) error {
	if tx == nil {
		return fmt.Errorf("audit entries require a transaction")
	}
	row, err := toModel(entry)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&row).Error
}

// RecordNow appends an entry outside of any business transaction.
func (l *Log) RecordNow(ctx context.Context, entry Entry) error {
	return l.Record(ctx, l.db, entry)
}

func (l *Log) ListForEntity(ctx context.Context, entityID string) ([]models.FinanceAuditLog, error) {
	var rows []models.FinanceAuditLog
	err := l.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// RequireReason enforces the governance rule on destructive admin actions.
func RequireReason(reason string) error {
	if len(strings.TrimSpace(reason)) < MinReasonLength {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "reason must be at least %d characters", MinReasonLength)
	}
	return nil
}

func toModel(entry Entry) (models.FinanceAuditLog, error) {
	if entry.Action == "" || entry.EntityID == "" {
		return models.FinanceAuditLog{}, fmt.Errorf("audit entry needs an action and entity id")
	}
	category := entry.Category
	if category == "" {
		category = CategoryOps
	}
	actor := entry.Actor
	if actor == "" {
		actor = "system"
	}
	severity := entry.Severity
	if severity == "" {
		severity = "INFO"
	}
	before, err := marshalOptional(entry.Before)
	if err != nil {
		return models.FinanceAuditLog{}, err
	}
	after, err := marshalOptional(entry.After)
	if err != nil {
		return models.FinanceAuditLog{}, err
	}
	row := models.FinanceAuditLog{
		Category:   string(category),
		Action:     entry.Action,
		Actor:      actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Before:     before,
		After:      after,
		Severity:   severity,
	}
	if reason := strings.TrimSpace(entry.Reason); reason != "" {
		row.Reason = &reason
	}
	return row, nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding audit snapshot: %w", err)
	}
	return raw, nil
}
