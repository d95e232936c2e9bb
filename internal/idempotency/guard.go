// Package idempotency guards money-mutating operations against re-entry.
// A key moves STARTED -> SUCCEEDED|FAILED; a STARTED row older than the
// stale window, or a FAILED row, may be taken over by a new caller.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

const DefaultStaleAfter = 15 * time.Minute

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result is what Execute hands back. Replayed is set when the key had
// already succeeded and Response is the stored response of that run.
type Result struct {
	Response json.RawMessage
	Replayed bool
}

type Guard struct {
	db         txRunner
	staleAfter time.Duration
	now        func() time.Time
}

func NewGuard(db txRunner, staleAfter time.Duration) (*Guard, error) {
	if db == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Guard{db: db, staleAfter: staleAfter, now: time.Now}, nil
}

// Execute claims key, runs fn in a transaction and records its response in
// that same transaction. A failing fn marks the key FAILED so a retry can
// take it over.
func (g *Guard) Execute(ctx context.Context, key, scope string, fn func(tx *gorm.DB) (any, error)) (*Result, error) {
	record, err := g.Begin(ctx, key, scope)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeAlreadySucceeded) && record != nil {
			return &Result{Response: record.Response, Replayed: true}, nil
		}
		return nil, err
	}

	var stored json.RawMessage
	err = g.db.WithTx(ctx, func(tx *gorm.DB) error {
		response, err := fn(tx)
		if err != nil {
			return err
		}
		stored, err = g.complete(ctx, tx, key, response)
		return err
	})
	if err != nil {
		if failErr := g.Fail(ctx, key, err); failErr != nil {
			return nil, errors.Join(err, failErr)
		}
		return nil, err
	}
	return &Result{Response: stored}, nil
}

// Begin claims key for scope. It returns CodeAlreadySucceeded together with
// the stored record when the key already succeeded and CodeInProgress while
// another caller holds a fresh claim.
func (g *Guard) Begin(ctx context.Context, key, scope string) (*models.IdempotencyRecord, error) {
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	now := g.now().UTC()

	var claimed *models.IdempotencyRecord
	err := g.db.WithTx(ctx, func(tx *gorm.DB) error {
		record := models.IdempotencyRecord{
			Key:      key,
			Scope:    scope,
			Status:   enums.IdempotencyStarted,
			LockedAt: now,
		}
		res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = &record
			return nil
		}

		var existing models.IdempotencyRecord
		if err := tx.WithContext(ctx).Where("key = ?", key).Take(&existing).Error; err != nil {
			return err
		}
		if existing.Scope != scope {
			return pkgerrors.Newf(pkgerrors.CodeIdempotency, "key %s belongs to scope %s", key, existing.Scope)
		}
		switch existing.Status {
		case enums.IdempotencySucceeded:
			claimed = &existing
			return pkgerrors.New(pkgerrors.CodeAlreadySucceeded, "operation already succeeded")
		case enums.IdempotencyStarted:
			if now.Sub(existing.LockedAt) < g.staleAfter {
				return pkgerrors.New(pkgerrors.CodeInProgress, "operation already in progress")
			}
		}

		takeover := tx.WithContext(ctx).Model(&models.IdempotencyRecord{}).
			Where("key = ? AND status = ?", key, existing.Status)
		if existing.Status == enums.IdempotencyStarted {
			takeover = takeover.Where("locked_at <= ?", now.Add(-g.staleAfter))
		}
		res = takeover.Updates(map[string]any{
			"status":     enums.IdempotencyStarted,
			"locked_at":  now,
			"last_error": nil,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeInProgress, "operation taken over concurrently")
		}
		existing.Status = enums.IdempotencyStarted
		existing.LockedAt = now
		claimed = &existing
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return claimed, typed
		}
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}
	return claimed, nil
}

// Succeed records the response inside the caller's transaction.
func (g *Guard) Succeed(ctx context.Context, tx *gorm.DB, key string, response any) error {
	_, err := g.complete(ctx, tx, key, response)
	return err
}

func (g *Guard) complete(ctx context.Context, tx *gorm.DB, key string, response any) (json.RawMessage, error) {
	var body json.RawMessage
	if response != nil {
		raw, err := json.Marshal(response)
		if err != nil {
			return nil, fmt.Errorf("encoding idempotent response: %w", err)
		}
		body = raw
	}
	completed := g.now().UTC()
	res := tx.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("key = ? AND status = ?", key, enums.IdempotencyStarted).
		Updates(map[string]any{
			"status":       enums.IdempotencySucceeded,
			"completed_at": completed,
			"response":     []byte(body),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeConflict, "idempotency key %s is no longer held", key)
	}
	return body, nil
}

// Fail releases the claim so a later retry may take it over.
func (g *Guard) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return g.db.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Model(&models.IdempotencyRecord{}).
			Where("key = ? AND status = ?", key, enums.IdempotencyStarted).
			Updates(map[string]any{
				"status":     enums.IdempotencyFailed,
				"last_error": msg,
			}).Error
	})
}
