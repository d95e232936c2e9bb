package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

const systemAccountPrefix = "platform:"

// SystemAccountID returns the platform account id for a currency.
func SystemAccountID(currency enums.Currency) string {
	return systemAccountPrefix + string(currency)
}

// Leg is one side of a posting. An empty SellerID addresses the platform
// system account for the posting currency.
type Leg struct {
	SellerID    string
	Bucket      enums.LedgerBucket
	Direction   enums.LedgerDirection
	AmountCents int64
}

// Posting is a balanced financial operation. OperationKey makes it
// exactly-once: posting the same key twice is a no-op.
type Posting struct {
	OperationKey string
	Reason       enums.LedgerReason
	ReferenceID  string
	Currency     enums.Currency
	Legs         []Leg
}

// PostResult reports whether the posting was applied by this call.
type PostResult struct {
	Applied bool
	Entries []models.LedgerEntry
}

// Balances is a seller account snapshot plus the replayed view.
type Balances struct {
	Account  models.LedgerAccount
	Replayed map[enums.LedgerBucket]int64
}

// Drifted reports whether any stored bucket differs from the replayed one.
func (b Balances) Drifted() bool {
	for _, bucket := range enums.SellerBuckets() {
		if b.Account.Balance(bucket) != b.Replayed[bucket] {
			return true
		}
	}
	return false
}

// Service is the ledger store. Every mutating call runs inside the caller's
// transaction so ledger rows commit together with the state change they
// describe.
type Service interface {
	Post(ctx context.Context, tx *gorm.DB, posting Posting) (*PostResult, error)
	Credit(ctx context.Context, tx *gorm.DB, in Movement) (*PostResult, error)
	Debit(ctx context.Context, tx *gorm.DB, in Movement) (*PostResult, error)
	Move(ctx context.Context, tx *gorm.DB, in Transfer) (*PostResult, error)
	Balances(ctx context.Context, sellerID string) (*Balances, error)
	EntriesForReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error)
}

// Movement credits or debits one seller bucket against the platform
// clearing bucket.
type Movement struct {
	SellerID     string
	Bucket       enums.LedgerBucket
	AmountCents  int64
	Currency     enums.Currency
	Reason       enums.LedgerReason
	ReferenceID  string
	OperationKey string
}

// Transfer moves money between two buckets of the same seller.
type Transfer struct {
	SellerID     string
	From         enums.LedgerBucket
	To           enums.LedgerBucket
	AmountCents  int64
	Currency     enums.Currency
	Reason       enums.LedgerReason
	ReferenceID  string
	OperationKey string
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Credit(ctx context.Context, tx *gorm.DB, in Movement) (*PostResult, error) {
	return s.Post(ctx, tx, Posting{
		OperationKey: in.OperationKey,
		Reason:       in.Reason,
		ReferenceID:  in.ReferenceID,
		Currency:     in.Currency,
		Legs: []Leg{
			{SellerID: in.SellerID, Bucket: in.Bucket, Direction: enums.DirectionCredit, AmountCents: in.AmountCents},
			{Bucket: enums.BucketClearing, Direction: enums.DirectionDebit, AmountCents: in.AmountCents},
		},
	})
}

func (s *service) Debit(ctx context.Context, tx *gorm.DB, in Movement) (*PostResult, error) {
	return s.Post(ctx, tx, Posting{
		OperationKey: in.OperationKey,
		Reason:       in.Reason,
		ReferenceID:  in.ReferenceID,
		Currency:     in.Currency,
		Legs: []Leg{
			{SellerID: in.SellerID, Bucket: in.Bucket, Direction: enums.DirectionDebit, AmountCents: in.AmountCents},
			{Bucket: enums.BucketClearing, Direction: enums.DirectionCredit, AmountCents: in.AmountCents},
		},
	})
}

func (s *service) Move(ctx context.Context, tx *gorm.DB, in Transfer) (*PostResult, error) {
	if in.From == in.To {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transfer buckets must differ")
	}
	return s.Post(ctx, tx, Posting{
		OperationKey: in.OperationKey,
		Reason:       in.Reason,
		ReferenceID:  in.ReferenceID,
		Currency:     in.Currency,
		Legs: []Leg{
			{SellerID: in.SellerID, Bucket: in.From, Direction: enums.DirectionDebit, AmountCents: in.AmountCents},
			{SellerID: in.SellerID, Bucket: in.To, Direction: enums.DirectionCredit, AmountCents: in.AmountCents},
		},
	})
}

func (s *service) Post(ctx context.Context, tx *gorm.DB, posting Posting) (*PostResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("ledger postings require a transaction")
	}
	if err := validatePosting(posting); err != nil {
		return nil, err
	}

	repo := s.repo.WithTx(tx)
	exists, err := repo.OperationExists(ctx, posting.OperationKey)
	if err != nil {
		return nil, fmt.Errorf("checking ledger operation: %w", err)
	}
	if exists {
		return &PostResult{Applied: false}, nil
	}

	entries := make([]models.LedgerEntry, 0, len(posting.Legs))
	for i, leg := range posting.Legs {
		sellerID, kind := leg.SellerID, enums.AccountKindSeller
		if sellerID == "" {
			sellerID, kind = SystemAccountID(posting.Currency), enums.AccountKindSystem
		}
		account, err := repo.EnsureAccount(ctx, sellerID, kind, posting.Currency)
		if err != nil {
			return nil, fmt.Errorf("locating ledger account %s: %w", sellerID, err)
		}
		if account.Currency != posting.Currency {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "account %s holds %s, posting is %s", sellerID, account.Currency, posting.Currency)
		}

		if kind == enums.AccountKindSeller {
			delta := leg.AmountCents
			if leg.Direction == enums.DirectionDebit {
				delta = -delta
			}
			allowNegative := posting.Reason == enums.ReasonReversal
			ok, err := repo.AdjustBalance(ctx, account.ID, leg.Bucket, delta, allowNegative)
			if err != nil {
				return nil, fmt.Errorf("adjusting %s balance: %w", leg.Bucket, err)
			}
			if !ok {
				return nil, pkgerrors.Newf(pkgerrors.CodeInsufficientFunds,
					"%s balance of %s cannot cover %d", leg.Bucket, sellerID, leg.AmountCents).
					WithDetails(map[string]any{"seller_id": sellerID, "bucket": leg.Bucket, "amount_cents": leg.AmountCents})
			}
		}

		entries = append(entries, models.LedgerEntry{
			AccountID:    account.ID,
			Bucket:       leg.Bucket,
			Direction:    leg.Direction,
			AmountCents:  leg.AmountCents,
			Currency:     posting.Currency,
			Reason:       posting.Reason,
			ReferenceID:  posting.ReferenceID,
			OperationKey: posting.OperationKey,
			Leg:          i,
		})
	}

	if err := repo.InsertEntries(ctx, entries); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "ledger operation posted concurrently")
		}
		return nil, fmt.Errorf("inserting ledger entries: %w", err)
	}
	return &PostResult{Applied: true, Entries: entries}, nil
}

func validatePosting(p Posting) error {
	if p.OperationKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "operation key is required")
	}
	if p.ReferenceID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "reference id is required")
	}
	if !p.Reason.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid ledger reason %q", p.Reason)
	}
	if !p.Currency.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid currency %q", p.Currency)
	}
	if len(p.Legs) < 2 {
		return pkgerrors.New(pkgerrors.CodeValidation, "a posting needs at least two legs")
	}

	var debits, credits int64
	for _, leg := range p.Legs {
		if leg.AmountCents <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "leg amounts must be positive")
		}
		if !leg.Bucket.IsValid() || !leg.Direction.IsValid() {
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid leg bucket or direction")
		}
		if (leg.SellerID == "") == leg.Bucket.IsSeller() {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "bucket %s does not match the addressed account", leg.Bucket)
		}
		if leg.Direction == enums.DirectionDebit {
			debits += leg.AmountCents
		} else {
			credits += leg.AmountCents
		}
	}
	if debits != credits {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "posting unbalanced: debits %d credits %d", debits, credits)
	}
	return nil
}

func (s *service) Balances(ctx context.Context, sellerID string) (*Balances, error) {
	account, err := s.repo.FindAccount(ctx, sellerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "no ledger account for seller %s", sellerID)
	}
	if err != nil {
		return nil, err
	}
	replayed, err := s.repo.ReplayBalances(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("replaying ledger: %w", err)
	}
	return &Balances{Account: *account, Replayed: replayed}, nil
}

func (s *service) EntriesForReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	return s.repo.ListEntriesByReference(ctx, referenceID)
}
