// Package destinations stores seller bank destinations. Full IBANs only
// exist sealed at rest; every read returns the masked form.
package destinations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/security"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type auditWriter interface {
	Record(ctx context.Context, tx *gorm.DB, entry audit.Entry) error
}

type sealer interface {
	Seal(plaintext string) ([]byte, error)
	Fingerprint(value string) string
}

type RegisterInput struct {
	IBAN               string `json:"iban" validate:"required"`
	HolderName         string `json:"holder_name" validate:"required,max=140"`
	ProviderAccountRef string `json:"provider_account_ref"`
	MakeDefault        bool   `json:"make_default"`
}

// View is the only shape a destination leaves this package in.
type View struct {
	ID                 uuid.UUID `json:"id"`
	SellerID           string    `json:"seller_id"`
	MaskedIBAN         string    `json:"masked_iban"`
	HolderName         string    `json:"holder_name"`
	ProviderAccountRef string    `json:"provider_account_ref,omitempty"`
	IsDefault          bool      `json:"is_default"`
	CreatedAt          time.Time `json:"created_at"`
}

func ToView(d models.PayoutDestination) View {
	return View{
		ID:                 d.ID,
		SellerID:           d.SellerID,
		MaskedIBAN:         d.MaskedIBAN,
		HolderName:         d.HolderName,
		ProviderAccountRef: d.ProviderAccountRef,
		IsDefault:          d.IsDefault,
		CreatedAt:          d.CreatedAt,
	}
}

// DispatchRef is what the provider adapter receives for a destination.
func DispatchRef(d models.PayoutDestination) string {
	if d.ProviderAccountRef != "" {
		return d.ProviderAccountRef
	}
	return d.ID.String()
}

type Service struct {
	db     *gorm.DB
	tx     txRunner
	sealer sealer
	audit  auditWriter
	logg   *logger.Logger
}

type Params struct {
	DB     *gorm.DB
	Tx     txRunner
	Sealer *security.Sealer
	Audit  auditWriter
	Logger *logger.Logger
}

func NewService(p Params) (*Service, error) {
	if p.DB == nil || p.Tx == nil {
		return nil, fmt.Errorf("destinations: database required")
	}
	if p.Sealer == nil {
		return nil, fmt.Errorf("destinations: sealer required")
	}
	if p.Audit == nil {
		return nil, fmt.Errorf("destinations: audit writer required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{db: p.DB, tx: p.Tx, sealer: p.Sealer, audit: p.Audit, logg: logg}, nil
}

// Register stores a destination. Registering the same IBAN twice for a
// seller returns the existing destination.
func (s *Service) Register(ctx context.Context, sellerID string, in RegisterInput, actor string) (*View, error) {
	if sellerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	}
	if !security.ValidIBAN(in.IBAN) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iban is invalid")
	}
	holder := strings.TrimSpace(in.HolderName)
	if holder == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "holder name is required")
	}

	fingerprint := s.sealer.Fingerprint(in.IBAN)
	var out models.PayoutDestination
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		existing, err := findByFingerprint(ctx, tx, sellerID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			out = *existing
			return nil
		}

		sealed, err := s.sealer.Seal(security.NormalizeIBAN(in.IBAN))
		if err != nil {
			return fmt.Errorf("sealing iban: %w", err)
		}
		var count int64
		if err := tx.WithContext(ctx).Model(&models.PayoutDestination{}).Where("seller_id = ?", sellerID).Count(&count).Error; err != nil {
			return err
		}
		makeDefault := in.MakeDefault || count == 0
		if makeDefault && count > 0 {
			if err := tx.WithContext(ctx).Model(&models.PayoutDestination{}).
				Where("seller_id = ? AND is_default = ?", sellerID, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}

		row := models.PayoutDestination{
			SellerID:           sellerID,
			Fingerprint:        fingerprint,
			MaskedIBAN:         security.MaskIBAN(in.IBAN),
			SealedIBAN:         sealed,
			HolderName:         holder,
			ProviderAccountRef: strings.TrimSpace(in.ProviderAccountRef),
			IsDefault:          makeDefault,
		}
		res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			existing, err := findByFingerprint(ctx, tx, sellerID, fingerprint)
			if err != nil {
				return err
			}
			if existing == nil {
				return pkgerrors.New(pkgerrors.CodeConflict, "destination registered concurrently")
			}
			out = *existing
			return nil
		}
		out = row
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionDestinationAdded,
			Actor:      actor,
			EntityType: "payout_destination",
			EntityID:   row.ID.String(),
			After:      ToView(row),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithSellerID(ctx, sellerID), map[string]any{
		"destination_id": out.ID.String(),
		"masked_iban":    out.MaskedIBAN,
	}), "payout destination registered")
	view := ToView(out)
	return &view, nil
}

func (s *Service) List(ctx context.Context, sellerID string) ([]View, error) {
	var rows []models.PayoutDestination
	if err := s.db.WithContext(ctx).Where("seller_id = ?", sellerID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for _, r := range rows {
		out = append(out, ToView(r))
	}
	return out, nil
}

// Default returns the seller's default destination or nil. tx may be nil.
func (s *Service) Default(ctx context.Context, tx *gorm.DB, sellerID string) (*models.PayoutDestination, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}
	var row models.PayoutDestination
	err := conn.WithContext(ctx).Where("seller_id = ? AND is_default = ?", sellerID, true).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Get loads a destination that must belong to sellerID.
func (s *Service) Get(ctx context.Context, tx *gorm.DB, sellerID string, id uuid.UUID) (*models.PayoutDestination, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}
	var row models.PayoutDestination
	err := conn.WithContext(ctx).Where("id = ? AND seller_id = ?", id, sellerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "destination %s not found for seller %s", id, sellerID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func findByFingerprint(ctx context.Context, tx *gorm.DB, sellerID, fingerprint string) (*models.PayoutDestination, error) {
	var row models.PayoutDestination
	err := tx.WithContext(ctx).Where("seller_id = ? AND fingerprint = ?", sellerID, fingerprint).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
