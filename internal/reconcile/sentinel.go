package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// SentinelSummary counts the findings of one integrity scan. Alerts are
// deduplicated by type and reference, so repeated scans do not pile up.
type SentinelSummary struct {
	Unbalanced    int
	MissingDebits int
	Drifted       int
	AlertsOpened  int
}

// Scan looks for three kinds of integrity drift: references whose debits
// and credits differ, settled payouts with no PAYOUT debit, and seller
// accounts whose stored balances differ from the replayed entries.
func (s *Service) Scan(ctx context.Context) (SentinelSummary, error) {
	var summary SentinelSummary
	var errs error
	errs = multierr.Append(errs, s.scanUnbalanced(ctx, &summary))
	errs = multierr.Append(errs, s.scanMissingDebits(ctx, &summary))
	errs = multierr.Append(errs, s.scanDrift(ctx, &summary))
	if summary.Unbalanced+summary.MissingDebits+summary.Drifted > 0 {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"unbalanced":     summary.Unbalanced,
			"missing_debits": summary.MissingDebits,
			"drifted":        summary.Drifted,
		}), "integrity sentinel found drift")
	}
	return summary, errs
}

func (s *Service) raise(ctx context.Context, summary *SentinelSummary, a alerts.Alert) error {
	a.Severity = enums.SeverityCritical
	_, created, err := s.alerts.RaiseNow(ctx, a)
	if created {
		summary.AlertsOpened++
	}
	return err
}

func (s *Service) scanUnbalanced(ctx context.Context, summary *SentinelSummary) error {
	rows, err := s.ledger.UnbalancedReferences(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("scanning unbalanced references: %w", err)
	}
	var errs error
	for _, r := range rows {
		summary.Unbalanced++
		diff := r.DebitCents - r.CreditCents
		errs = multierr.Append(errs, s.raise(ctx, summary, alerts.Alert{
			Type:        enums.AlertLedgerUnbalanced,
			ReferenceID: r.ReferenceID,
			AmountCents: &diff,
			Details:     map[string]any{"debit_cents": r.DebitCents, "credit_cents": r.CreditCents},
		}))
	}
	return errs
}

func (s *Service) scanMissingDebits(ctx context.Context, summary *SentinelSummary) error {
	var errs error
	var after uuid.UUID
	for {
		var batch []models.ProviderPayout
		q := s.db.WithContext(ctx).
			Where("status IN ?", []enums.PayoutStatus{enums.PayoutSucceeded, enums.PayoutReconciled})
		if after != uuid.Nil {
			q = q.Where("id > ?", after)
		}
		if err := q.Order("id ASC").Limit(s.cfg.BatchSize).Find(&batch).Error; err != nil {
			return multierr.Append(errs, fmt.Errorf("listing settled payouts: %w", err))
		}
		for i := range batch {
			p := &batch[i]
			var debits int64
			if err := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
				Where("reference_id = ? AND reason = ? AND direction = ? AND bucket = ?",
					p.ID.String(), enums.ReasonPayout, enums.DirectionDebit, enums.BucketAvailable).
				Count(&debits).Error; err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if debits > 0 {
				continue
			}
			summary.MissingDebits++
			amount := p.NetCents
			errs = multierr.Append(errs, s.raise(ctx, summary, alerts.Alert{
				Type:        enums.AlertPayoutDebitMissing,
				ReferenceID: p.ID.String(),
				SellerID:    p.SellerTenantID,
				AmountCents: &amount,
				Details:     map[string]any{"status": p.Status},
			}))
		}
		if len(batch) < s.cfg.BatchSize {
			return errs
		}
		after = batch[len(batch)-1].ID
	}
}

func (s *Service) scanDrift(ctx context.Context, summary *SentinelSummary) error {
	var errs error
	var after uuid.UUID
	for {
		accounts, err := s.ledger.ListSellerAccounts(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("listing seller accounts: %w", err))
		}
		for _, account := range accounts {
			replayed, err := s.ledger.ReplayBalances(ctx, account.ID)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			stored := map[string]int64{}
			expected := map[string]int64{}
			var drift int64
			for _, bucket := range enums.SellerBuckets() {
				stored[string(bucket)] = account.Balance(bucket)
				expected[string(bucket)] = replayed[bucket]
				d := account.Balance(bucket) - replayed[bucket]
				if d < 0 {
					d = -d
				}
				drift += d
			}
			if drift == 0 {
				continue
			}
			summary.Drifted++
			errs = multierr.Append(errs, s.raise(ctx, summary, alerts.Alert{
				Type:        enums.AlertBalanceDrift,
				ReferenceID: account.SellerID,
				SellerID:    account.SellerID,
				AmountCents: &drift,
				Details:     map[string]any{"stored": stored, "replayed": expected},
			}))
		}
		if len(accounts) < s.cfg.BatchSize {
			return errs
		}
		after = accounts[len(accounts)-1].ID
	}
}
