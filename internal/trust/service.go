package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/internal/idempotency"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

const (
	recomputeScope         = "trust_recompute"
	defaultEarlyReleasePct = "3.0"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

type Service struct {
	db      *gorm.DB
	tx      txRunner
	guard   *idempotency.Guard
	audit   auditWriter
	logg    *logger.Logger
	base    Base
	weights Weights
	window  time.Duration
	now     func() time.Time
}

type Params struct {
	DB     *gorm.DB
	Tx     txRunner
	Guard  *idempotency.Guard
	Audit  auditWriter
	Logger *logger.Logger
	Config config.TrustConfig
}

func NewService(p Params) (*Service, error) {
	if p.DB == nil || p.Tx == nil {
		return nil, fmt.Errorf("trust: database required")
	}
	if p.Guard == nil {
		return nil, fmt.Errorf("trust: idempotency guard required")
	}
	if p.Audit == nil {
		return nil, fmt.Errorf("trust: audit writer required")
	}
	feePct := strings.TrimSpace(p.Config.BaseEarlyReleasePct)
	if feePct == "" {
		feePct = defaultEarlyReleasePct
	}
	fee, err := decimal.NewFromString(feePct)
	if err != nil {
		return nil, fmt.Errorf("trust: invalid base early release pct %q: %w", p.Config.BaseEarlyReleasePct, err)
	}
	windowDays := p.Config.WindowDays
	if windowDays <= 0 {
		windowDays = 90
	}
	weight := p.Config.ChargebackWeight
	if weight <= 0 {
		weight = 25
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:      p.DB,
		tx:      p.Tx,
		guard:   p.Guard,
		audit:   p.Audit,
		logg:    logg,
		base:    Base{HoldDays: p.Config.BaseHoldDays, FeePct: fee},
		weights: DefaultWeights(weight, p.Config.MinOrders),
		window:  time.Duration(windowDays) * 24 * time.Hour,
		now:     time.Now,
	}, nil
}

// Base returns the configured base hold and fee.
func (s *Service) Base() Base { return s.base }

// RecordSignal upserts one day of externally sourced seller behaviour.
func (s *Service) RecordSignal(ctx context.Context, sellerID string, day time.Time, sig Signals) error {
	if sellerID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	}
	if sig.Orders < 0 || sig.LateShipments < 0 || sig.Disputes < 0 || sig.Chargebacks < 0 || sig.SLABreaches < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "signal counts must not be negative")
	}
	row := models.SellerRiskSignal{
		SellerID:      sellerID,
		ObservedOn:    truncateDay(day),
		Orders:        sig.Orders,
		LateShipments: sig.LateShipments,
		Disputes:      sig.Disputes,
		Chargebacks:   sig.Chargebacks,
		SLABreaches:   sig.SLABreaches,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "seller_id"}, {Name: "observed_on"}},
		DoUpdates: clause.AssignmentColumns([]string{"orders", "late_shipments", "disputes", "chargebacks", "sla_breaches"}),
	}).Create(&row).Error
}

// RecomputeManual is idempotent per seller per UTC day; a second request on
// the same day fails with CodeAlreadySucceeded.
func (s *Service) RecomputeManual(ctx context.Context, sellerID, actor string) (*models.SellerTrustScore, error) {
	if sellerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	}
	key := fmt.Sprintf("trust-recompute:%s:%s", sellerID, s.now().UTC().Format("2006-01-02"))

	var score *models.SellerTrustScore
	res, err := s.guard.Execute(ctx, key, recomputeScope, func(tx *gorm.DB) (any, error) {
		var err error
		score, err = s.recompute(ctx, tx, sellerID, actor)
		if err != nil {
			return nil, err
		}
		return map[string]any{"score": score.Score, "tier": score.Tier}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return nil, pkgerrors.Newf(pkgerrors.CodeAlreadySucceeded, "trust score for %s already recomputed today", sellerID)
	}
	return score, nil
}

// RecomputeAll refreshes every seller with a ledger account. Failures are
// collected so one bad seller does not block the rest.
func (s *Service) RecomputeAll(ctx context.Context) (int, error) {
	var sellers []string
	if err := s.db.WithContext(ctx).Model(&models.LedgerAccount{}).
		Where("kind = ?", enums.AccountKindSeller).
		Order("seller_id ASC").
		Pluck("seller_id", &sellers).Error; err != nil {
		return 0, err
	}
	var (
		errs error
		done int
	)
	for _, sellerID := range sellers {
		if ctx.Err() != nil {
			return done, multierr.Append(errs, ctx.Err())
		}
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			_, err := s.recompute(ctx, tx, sellerID, "system")
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("seller %s: %w", sellerID, err))
			continue
		}
		done++
	}
	return done, errs
}

func (s *Service) recompute(ctx context.Context, tx *gorm.DB, sellerID, actor string) (*models.SellerTrustScore, error) {
	now := s.now().UTC()
	windowStart := truncateDay(now.Add(-s.window))

	var sig Signals
	err := tx.WithContext(ctx).Model(&models.SellerRiskSignal{}).
		Select("COALESCE(SUM(orders),0) AS orders, COALESCE(SUM(late_shipments),0) AS late_shipments, "+
			"COALESCE(SUM(disputes),0) AS disputes, COALESCE(SUM(chargebacks),0) AS chargebacks, "+
			"COALESCE(SUM(sla_breaches),0) AS sla_breaches").
		Where("seller_id = ? AND observed_on >= ?", sellerID, windowStart).
		Scan(&sig).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating risk signals: %w", err)
	}

	value, components := Compute(sig, s.weights)
	raw, err := json.Marshal(components)
	if err != nil {
		return nil, err
	}
	var previous *models.SellerTrustScore
	var prev models.SellerTrustScore
	if err := tx.WithContext(ctx).Where("seller_id = ?", sellerID).Take(&prev).Error; err == nil {
		previous = &prev
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := models.SellerTrustScore{
		SellerID:    sellerID,
		Score:       value,
		Tier:        TierFor(value),
		Components:  raw,
		ComputedAt:  now,
		WindowStart: windowStart,
		WindowEnd:   now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "seller_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "tier", "components_json", "computed_at", "window_start", "window_end"}),
	}).Create(&row).Error; err != nil {
		return nil, err
	}

	entry := audit.Entry{
		Category:   audit.CategoryOps,
		Action:     audit.ActionTrustRecomputed,
		Actor:      actor,
		EntityType: "seller",
		EntityID:   sellerID,
		After:      map[string]any{"score": row.Score, "tier": row.Tier},
	}
	if previous != nil {
		entry.Before = map[string]any{"score": previous.Score, "tier": previous.Tier}
	}
	if err := s.audit.Record(ctx, tx, entry); err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithSellerID(ctx, sellerID), map[string]any{
		"score": row.Score,
		"tier":  row.Tier,
	}), "trust score recomputed")
	return &row, nil
}

// Current returns the stored score, or nil when the seller was never scored.
func (s *Service) Current(ctx context.Context, tx *gorm.DB, sellerID string) (*models.SellerTrustScore, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}
	var row models.SellerTrustScore
	err := conn.WithContext(ctx).Where("seller_id = ?", sellerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TermsFor resolves the effective hold and fee. Unscored sellers get the
// neutral tier C.
func (s *Service) TermsFor(ctx context.Context, tx *gorm.DB, sellerID string, holdOverride *int) (Terms, error) {
	score, err := s.Current(ctx, tx, sellerID)
	if err != nil {
		return Terms{}, err
	}
	tier := enums.TrustTierC
	if score != nil {
		tier = score.Tier
	}
	return EffectiveTerms(tier, s.base, holdOverride), nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
