package payouts

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/internal/audit"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

type RequestInput struct {
	SellerID      string
	DestinationID uuid.UUID
	AmountCents   int64
	Currency      enums.Currency
}

// RequestPayout records a seller withdrawal request for admin review.
func (s *Service) RequestPayout(ctx context.Context, in RequestInput) (*models.PayoutRequest, error) {
	if in.SellerID == "" || in.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id and a positive amount are required")
	}
	if !in.Currency.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid currency %q", in.Currency)
	}
	if _, err := s.destinations.Get(ctx, nil, in.SellerID, in.DestinationID); err != nil {
		return nil, err
	}
	req := &models.PayoutRequest{
		SellerID:      in.SellerID,
		DestinationID: in.DestinationID,
		AmountCents:   in.AmountCents,
		Currency:      in.Currency,
		Status:        enums.PayoutRequestRequested,
	}
	if err := s.repo.InsertRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) ListRequests(ctx context.Context, sellerID string, status enums.PayoutRequestStatus) ([]models.PayoutRequest, error) {
	return s.repo.ListRequests(ctx, sellerID, status)
}

// ApproveRequest creates the payout with key payout-request:<id> and marks
// the request APPROVED in one transaction. Approving twice returns the
// same request.
func (s *Service) ApproveRequest(ctx context.Context, id uuid.UUID, actor string) (*models.PayoutRequest, *models.ProviderPayout, error) {
	var (
		req    *models.PayoutRequest
		payout *models.ProviderPayout
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		req, err = loadRequest(ctx, repo, id)
		if err != nil {
			return err
		}
		switch req.Status {
		case enums.PayoutRequestApproved:
			if req.PayoutID != nil {
				payout, err = repo.FindByID(ctx, *req.PayoutID)
			}
			return err
		case enums.PayoutRequestRejected:
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout request %s was rejected", id)
		}

		destID := req.DestinationID
		payout, _, err = s.CreateTx(ctx, tx, CreateInput{
			SellerID:       req.SellerID,
			DestinationID:  &destID,
			AmountCents:    req.AmountCents,
			Currency:       req.Currency,
			IdempotencyKey: "payout-request:" + req.ID.String(),
			Source:         "payout_request",
			Actor:          actor,
		})
		if err != nil {
			return err
		}
		now := s.now().UTC()
		ok, err := repo.DecideRequest(ctx, id, map[string]any{
			"status":     enums.PayoutRequestApproved,
			"payout_id":  payout.ID,
			"decided_by": actor,
			"decided_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout request %s was decided concurrently", id)
		}
		req.Status = enums.PayoutRequestApproved
		req.PayoutID = &payout.ID
		req.DecidedBy = &actor
		req.DecidedAt = &now
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionRequestApproved,
			Actor:      actor,
			EntityType: "payout_request",
			EntityID:   id.String(),
			After:      map[string]any{"payout_id": payout.ID.String(), "amount_cents": req.AmountCents},
		})
	})
	if err != nil {
		if req != nil {
			s.policy.RecordViolation(ctx, req.SellerID, "approve_payout_request", err)
		}
		return nil, nil, err
	}
	return req, payout, nil
}

// RejectRequest needs a reason of at least five characters.
func (s *Service) RejectRequest(ctx context.Context, id uuid.UUID, actor, reason string) (*models.PayoutRequest, error) {
	if err := audit.RequireReason(reason); err != nil {
		return nil, err
	}
	var req *models.PayoutRequest
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		req, err = loadRequest(ctx, repo, id)
		if err != nil {
			return err
		}
		if req.Status != enums.PayoutRequestRequested {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout request %s is already %s", id, req.Status)
		}
		now := s.now().UTC()
		ok, err := repo.DecideRequest(ctx, id, map[string]any{
			"status":          enums.PayoutRequestRejected,
			"decided_by":      actor,
			"decision_reason": reason,
			"decided_at":      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payout request %s was decided concurrently", id)
		}
		req.Status = enums.PayoutRequestRejected
		req.DecidedBy = &actor
		req.DecisionReason = &reason
		req.DecidedAt = &now
		return s.audit.Record(ctx, tx, audit.Entry{
			Category:   audit.CategoryAudit,
			Action:     audit.ActionRequestRejected,
			Actor:      actor,
			EntityType: "payout_request",
			EntityID:   id.String(),
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func loadRequest(ctx context.Context, repo Repository, id uuid.UUID) (*models.PayoutRequest, error) {
	req, err := repo.FindRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "payout request %s not found", id)
	}
	return req, nil
}
