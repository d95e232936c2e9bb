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

type PayoutAdmin interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ProviderPayout, error)
	Create(ctx context.Context, in payouts.CreateInput) (*models.ProviderPayout, bool, error)
	Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error)
	Quarantine(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error)
	ForceReconcile(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error)
	ForceFinalize(ctx context.Context, id uuid.UUID, outcome payouts.FinalOutcome, actor, reason string) (*models.ProviderPayout, error)
}

type createPayoutBody struct {
	AmountCents   int64      `json:"amount_cents" validate:"required,gt=0"`
	Currency      string     `json:"currency" validate:"required,currency"`
	DestinationID *uuid.UUID `json:"destination_id"`
}

type finalizeBody struct {
	Outcome string `json:"outcome" validate:"required,oneof=SUCCEEDED FAILED"`
	Reason  string `json:"reason" validate:"required,min=5,max=500"`
}

func GetPayout(svc PayoutAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "payoutId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		p, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPayoutDTO(p))
	}
}

// CreatePayout queues a manual payout for a seller. The Idempotency-Key
// header doubles as the payout idempotency key.
func CreatePayout(svc PayoutAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, err := sellerParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
			return
		}
		var body createPayoutBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		currency, err := enums.ParseCurrency(body.Currency)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid currency"))
			return
		}

		p, created, err := svc.Create(r.Context(), payouts.CreateInput{
			SellerID:       sellerID,
			DestinationID:  body.DestinationID,
			AmountCents:    body.AmountCents,
			Currency:       currency,
			IdempotencyKey: "admin:" + key,
			Source:         "admin",
			Actor:          actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, toPayoutDTO(p))
	}
}

type payoutCommand func(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error)

// payoutAction adapts the reason-carrying admin commands to a handler.
func payoutAction(cmd payoutCommand, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "payoutId")
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
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithPayoutID(ctx, id.String())
		}
		p, err := cmd(ctx, id, actor, reasonText(body.Reason))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPayoutDTO(p))
	}
}

func CancelPayout(svc PayoutAdmin, logg *logger.Logger) http.HandlerFunc {
	return payoutAction(svc.Cancel, logg)
}

func QuarantinePayout(svc PayoutAdmin, logg *logger.Logger) http.HandlerFunc {
	return payoutAction(svc.Quarantine, logg)
}

func ForceReconcilePayout(svc PayoutAdmin, logg *logger.Logger) http.HandlerFunc {
	return payoutAction(svc.ForceReconcile, logg)
}

func ForceFinalizePayout(svc PayoutAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "payoutId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body finalizeBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		p, err := svc.ForceFinalize(r.Context(), id, payouts.FinalOutcome(body.Outcome), actor, reasonText(body.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPayoutDTO(p))
	}
}
