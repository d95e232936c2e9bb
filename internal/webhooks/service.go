// Package webhooks ingests provider callbacks exactly once. Every delivery
// lands in the webhook inbox; only verified, first-seen events reach the
// payout state machine.
package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/internal/provider"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type opsLog interface {
	RecordNow(ctx context.Context, entry audit.Entry) error
}

type alertRaiser interface {
	Raise(ctx context.Context, tx *gorm.DB, a alerts.Alert) (*models.IntegrityAlert, bool, error)
}

type payoutEffects interface {
	MarkSucceeded(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, providerRef string) (bool, error)
	MarkFailed(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, code, reason string, rejected bool) (bool, error)
	MarkReversed(ctx context.Context, tx *gorm.DB, p *models.ProviderPayout, alertType enums.AlertType, reason string) (bool, error)
}

// Result describes what one delivery did.
type Result struct {
	InboxID  uuid.UUID
	EventID  string
	Kind     provider.EventKind
	PayoutID *uuid.UUID
	Applied  bool
}

type Service struct {
	db       *gorm.DB
	tx       txRunner
	provider provider.Provider
	payouts  payoutEffects
	repo     payouts.Repository
	alerts   alertRaiser
	ops      opsLog
	seen     *SeenCache
	metrics  *metrics.FinanceMetrics
	logg     *logger.Logger
	cfg      config.WebhookConfig
	now      func() time.Time
}

type Params struct {
	DB       *gorm.DB
	Tx       txRunner
	Provider provider.Provider
	Payouts  payoutEffects
	Repo     payouts.Repository
	Alerts   alertRaiser
	Ops      opsLog
	Seen     *SeenCache
	Metrics  *metrics.FinanceMetrics
	Logger   *logger.Logger
	Config   config.WebhookConfig
}

func NewService(p Params) (*Service, error) {
	switch {
	case p.DB == nil || p.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "database required")
	case p.Provider == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider required")
	case p.Payouts == nil || p.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payout service required")
	case p.Alerts == nil || p.Ops == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "alerts and ops log required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:       p.DB,
		tx:       p.Tx,
		provider: p.Provider,
		payouts:  p.Payouts,
		repo:     p.Repo,
		alerts:   p.Alerts,
		ops:      p.Ops,
		seen:     p.Seen,
		metrics:  p.Metrics,
		logg:     logg,
		cfg:      p.Config,
		now:      time.Now,
	}, nil
}

var errReplayed = errors.New("event already processed")

// Ingest verifies, deduplicates and applies one delivery. The raw body must
// be passed unmodified; the signature covers its exact bytes.
func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) (*Result, error) {
	now := s.now().UTC()
	name := s.provider.Name()
	ctx = s.logg.WithField(ctx, "provider", name)

	if err := s.provider.VerifyWebhook(payload, headers, now); err != nil {
		return nil, s.reject(ctx, payload, err)
	}
	evt, err := s.provider.ParseWebhook(payload)
	if err != nil {
		reason := err.Error()
		if _, ferr := s.recordFailure(ctx, "unparsed:"+digest(payload), "", payload, true, reason); ferr != nil {
			s.logg.Error(ctx, "storing unparsable webhook", ferr)
		}
		s.metrics.IncWebhook("invalid")
		return nil, err
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"event_id": evt.ID, "event_type": evt.RawType})

	if s.seen.Seen(ctx, evt.ID) {
		return nil, s.replayed(ctx, evt)
	}

	res := &Result{EventID: evt.ID, Kind: evt.Kind}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		inbox, err := s.claimInbox(ctx, tx, evt, payload, now)
		if err != nil {
			return err
		}
		res.InboxID = inbox.ID

		applied, payoutID, err := s.apply(ctx, tx, evt)
		if err != nil {
			return err
		}
		res.Applied = applied
		res.PayoutID = payoutID

		upd := tx.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("id = ? AND status <> ?", inbox.ID, enums.WebhookProcessed).
			Updates(map[string]any{
				"status":         enums.WebhookProcessed,
				"processed_at":   now,
				"failure_reason": nil,
				"attempts":       gorm.Expr("attempts + 1"),
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected != 1 {
			return errReplayed
		}
		return nil
	})
	switch {
	case errors.Is(err, errReplayed):
		return nil, s.replayed(ctx, evt)
	case err != nil:
		if _, ferr := s.recordFailure(ctx, evt.ID, evt.RawType, payload, true, err.Error()); ferr != nil {
			s.logg.Error(ctx, "storing failed webhook", ferr)
		}
		s.metrics.IncWebhook("failed")
		return nil, err
	}

	if err := s.seen.Mark(ctx, evt.ID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "webhook seen cache unavailable")
	}
	if res.Applied {
		s.metrics.IncWebhook("processed")
	} else {
		s.metrics.IncWebhook("ignored")
	}
	s.logg.Info(s.logg.WithField(ctx, "applied", res.Applied), "webhook processed")
	return res, nil
}

// claimInbox returns the inbox row for evt, creating it as RECEIVED. A row
// already PROCESSED aborts with errReplayed.
func (s *Service) claimInbox(ctx context.Context, tx *gorm.DB, evt provider.Event, payload []byte, now time.Time) (*models.WebhookEvent, error) {
	row := models.WebhookEvent{
		Provider:        s.provider.Name(),
		ProviderEventID: evt.ID,
		EventType:       evt.RawType,
		RawPayload:      payload,
		SignatureValid:  true,
		Status:          enums.WebhookReceived,
		ReceivedAt:      now,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}}, DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, err
	}
	var stored models.WebhookEvent
	if err := tx.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", row.Provider, row.ProviderEventID).
		Take(&stored).Error; err != nil {
		return nil, err
	}
	if stored.Status == enums.WebhookProcessed {
		return nil, errReplayed
	}
	return &stored, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, evt provider.Event) (bool, *uuid.UUID, error) {
	if evt.Kind == provider.EventIgnored {
		return false, nil, nil
	}
	p, err := s.findPayout(ctx, tx, evt)
	if err != nil {
		return false, nil, err
	}
	id := p.ID
	ctx = s.logg.WithPayoutID(ctx, id.String())

	if p.Status.IsTerminal() {
		s.logg.Info(s.logg.WithField(ctx, "status", string(p.Status)), "stale webhook for terminal payout")
		return false, &id, nil
	}
	if evt.AmountCents > 0 && evt.AmountCents != p.NetCents {
		amount := evt.AmountCents
		if _, _, err := s.alerts.Raise(ctx, tx, alerts.Alert{
			Type:        enums.AlertAmountMismatch,
			Severity:    enums.SeverityHigh,
			ReferenceID: p.ID.String(),
			SellerID:    p.SellerTenantID,
			AmountCents: &amount,
			Details:     map[string]any{"expected_cents": p.NetCents, "event_id": evt.ID, "event_type": evt.RawType},
		}); err != nil {
			return false, &id, err
		}
		s.logg.Warn(ctx, "webhook amount differs from payout, left for review")
		return false, &id, nil
	}

	var applied bool
	switch evt.Kind {
	case provider.EventPayoutSucceeded:
		applied, err = s.payouts.MarkSucceeded(ctx, tx, p, evt.ProviderRef)
	case provider.EventPayoutFailed:
		code := evt.FailureCode
		if code == "" {
			code = "provider_failed"
		}
		applied, err = s.payouts.MarkFailed(ctx, tx, p, code, "provider reported failure", false)
	case provider.EventPayoutReversed:
		applied, err = s.payouts.MarkReversed(ctx, tx, p, enums.AlertProviderReversal, "provider reported reversal")
	}
	return applied, &id, err
}

func (s *Service) findPayout(ctx context.Context, tx *gorm.DB, evt provider.Event) (*models.ProviderPayout, error) {
	repo := s.repo.WithTx(tx)
	if evt.ProviderRef != "" {
		p, err := repo.FindByProviderRef(ctx, evt.ProviderRef)
		if err != nil || p != nil {
			return p, err
		}
	}
	if evt.PayoutID != "" {
		if id, err := uuid.Parse(evt.PayoutID); err == nil {
			p, err := repo.FindByID(ctx, id)
			if err != nil || p != nil {
				return p, err
			}
		}
	}
	return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "no payout for provider ref %q", evt.ProviderRef)
}

// reject stores an unauthenticated delivery for audit. It never touches
// payout or ledger state.
func (s *Service) reject(ctx context.Context, payload []byte, cause error) error {
	reason := cause.Error()
	inboxID, err := s.recordFailure(ctx, "unverified:"+digest(payload), "", payload, false, reason)
	if err != nil {
		s.logg.Error(ctx, "storing rejected webhook", err)
	}
	entityID := "unknown"
	if inboxID != uuid.Nil {
		entityID = inboxID.String()
	}
	if err := s.ops.RecordNow(ctx, audit.Entry{
		Category:   audit.CategoryOps,
		Action:     audit.ActionWebhookRejected,
		Actor:      s.provider.Name(),
		EntityType: "webhook_event",
		EntityID:   entityID,
		Reason:     reason,
		Severity:   "WARN",
	}); err != nil {
		s.logg.Error(ctx, "writing webhook rejection log", err)
	}
	s.metrics.IncWebhook("rejected")
	s.logg.Warn(s.logg.WithField(ctx, "reason", reason), "webhook rejected")
	if errors.Is(cause, provider.ErrSignatureInvalid) || errors.Is(cause, provider.ErrTimestampExpired) {
		return pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, cause, reason)
	}
	return pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, cause, "webhook verification failed")
}

func (s *Service) replayed(ctx context.Context, evt provider.Event) error {
	if err := s.ops.RecordNow(ctx, audit.Entry{
		Category:   audit.CategoryOps,
		Action:     audit.ActionWebhookReplay,
		Actor:      s.provider.Name(),
		EntityType: "webhook_event",
		EntityID:   evt.ID,
		Severity:   "INFO",
	}); err != nil {
		s.logg.Error(ctx, "writing webhook replay log", err)
	}
	s.metrics.IncWebhook("replayed")
	return pkgerrors.Newf(pkgerrors.CodeReplayed, "event %s already processed", evt.ID)
}

// recordFailure upserts a FAILED inbox row. Rows already PROCESSED are left
// alone.
func (s *Service) recordFailure(ctx context.Context, eventID, eventType string, payload []byte, signatureValid bool, reason string) (uuid.UUID, error) {
	name := s.provider.Name()
	var id uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var existing models.WebhookEvent
		err := tx.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", name, eventID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := models.WebhookEvent{
				Provider:        name,
				ProviderEventID: eventID,
				EventType:       eventType,
				RawPayload:      payload,
				SignatureValid:  signatureValid,
				Status:          enums.WebhookFailed,
				FailureReason:   &reason,
				Attempts:        1,
				ReceivedAt:      s.now().UTC(),
			}
			if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
				return err
			}
			id = row.ID
			return nil
		case err != nil:
			return err
		}
		id = existing.ID
		return tx.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("id = ? AND status <> ?", existing.ID, enums.WebhookProcessed).
			Updates(map[string]any{
				"status":         enums.WebhookFailed,
				"failure_reason": reason,
				"attempts":       gorm.Expr("attempts + 1"),
			}).Error
	})
	return id, err
}

// Purge deletes inbox rows older than the retention window.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	retention := s.cfg.InboxRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	cutoff := s.now().UTC().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("received_at < ? AND status IN ?", cutoff, []enums.WebhookStatus{enums.WebhookProcessed, enums.WebhookFailed}).
		Delete(&models.WebhookEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging webhook inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MaxBodyBytes bounds request bodies read by the HTTP handler.
func (s *Service) MaxBodyBytes() int64 {
	if s.cfg.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return s.cfg.MaxBodyBytes
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
