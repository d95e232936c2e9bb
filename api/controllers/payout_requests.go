package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	"github.com/angelmondragon/settlement-ledger/api/validators"
	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type PayoutRequestDesk interface {
	RequestPayout(ctx context.Context, in payouts.RequestInput) (*models.PayoutRequest, error)
	ListRequests(ctx context.Context, sellerID string, status enums.PayoutRequestStatus) ([]models.PayoutRequest, error)
	ApproveRequest(ctx context.Context, id uuid.UUID, actor string) (*models.PayoutRequest, *models.ProviderPayout, error)
	RejectRequest(ctx context.Context, id uuid.UUID, actor, reason string) (*models.PayoutRequest, error)
}

type payoutRequestBody struct {
	SellerID      string    `json:"seller_id" validate:"required"`
	DestinationID uuid.UUID `json:"destination_id" validate:"required"`
	AmountCents   int64     `json:"amount_cents" validate:"required,gt=0"`
	Currency      string    `json:"currency" validate:"required,currency"`
}

func CreatePayoutRequest(svc PayoutRequestDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body payoutRequestBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		currency, err := enums.ParseCurrency(body.Currency)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid currency"))
			return
		}
		req, err := svc.RequestPayout(r.Context(), payouts.RequestInput{
			SellerID:      body.SellerID,
			DestinationID: body.DestinationID,
			AmountCents:   body.AmountCents,
			Currency:      currency,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toPayoutRequestDTO(req))
	}
}

func ListPayoutRequests(svc PayoutRequestDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID := strings.TrimSpace(r.URL.Query().Get("seller_id"))
		status, err := validators.ParseQueryEnum(r, "status", enums.ParsePayoutRequestStatus)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.ListRequests(r.Context(), sellerID, status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]*payoutRequestDTO, 0, len(rows))
		for i := range rows {
			out = append(out, toPayoutRequestDTO(&rows[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func ApprovePayoutRequest(svc PayoutRequestDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "requestId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, payout, err := svc.ApproveRequest(r.Context(), id, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"request": toPayoutRequestDTO(req),
			"payout":  toPayoutDTO(payout),
		})
	}
}

func RejectPayoutRequest(svc PayoutRequestDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "requestId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body reasonBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := svc.RejectRequest(r.Context(), id, actor, reasonText(body.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPayoutRequestDTO(req))
	}
}
