package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	"github.com/angelmondragon/settlement-ledger/api/validators"
	"github.com/angelmondragon/settlement-ledger/internal/destinations"
	"github.com/angelmondragon/settlement-ledger/internal/ledger"
	"github.com/angelmondragon/settlement-ledger/internal/rollout"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type BalanceReader interface {
	Balances(ctx context.Context, sellerID string) (*ledger.Balances, error)
}

type HoldDesk interface {
	Holds(ctx context.Context, sellerID string) ([]models.SettlementHold, error)
	EarlyRelease(ctx context.Context, id uuid.UUID, actor string) (*models.SettlementHold, error)
}

type TrustDesk interface {
	Current(ctx context.Context, tx *gorm.DB, sellerID string) (*models.SellerTrustScore, error)
	RecomputeManual(ctx context.Context, sellerID, actor string) (*models.SellerTrustScore, error)
}

type PolicyDesk interface {
	Get(ctx context.Context, tx *gorm.DB, sellerID string) (models.TenantRolloutPolicy, error)
	Put(ctx context.Context, sellerID string, in rollout.Update, actor, reason string) (*models.TenantRolloutPolicy, error)
}

type DestinationDesk interface {
	Register(ctx context.Context, sellerID string, in destinations.RegisterInput, actor string) (*destinations.View, error)
	List(ctx context.Context, sellerID string) ([]destinations.View, error)
}

// SellerBalance returns stored buckets next to the replayed ones so drift is
// visible to operators.
func SellerBalance(svc BalanceReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, err := sellerParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		b, err := svc.Balances(r.Context(), sellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toBalanceDTO(sellerID, b))
	}
}

func SellerHolds(svc HoldDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, err := sellerParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		holds, err := svc.Holds(r.Context(), sellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]*holdDTO, 0, len(holds))
		for i := range holds {
			out = append(out, toHoldDTO(&holds[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func EarlyRelease(svc HoldDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "holdId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		hold, err := svc.EarlyRelease(r.Context(), id, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toHoldDTO(hold))
	}
}

func SellerTrust(svc TrustDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, err := sellerParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		score, err := svc.Current(r.Context(), nil, sellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if score == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "seller has not been scored"))
			return
		}
		responses.WriteSuccess(w, toTrustDTO(score))
	}
}

func RecomputeTrust(svc TrustDesk, logg *logger.Logger) http.HandlerFunc {
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
		score, err := svc.RecomputeManual(r.Context(), sellerID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toTrustDTO(score))
	}
}

func GetPolicy(svc PolicyDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, err := sellerParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		policy, err := svc.Get(r.Context(), nil, sellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPolicyDTO(policy))
	}
}

type putPolicyBody struct {
	rollout.Update
	Reason string `json:"reason" validate:"required,min=5,max=500"`
}

func PutPolicy(svc PolicyDesk, logg *logger.Logger) http.HandlerFunc {
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
		var body putPolicyBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		policy, err := svc.Put(r.Context(), sellerID, body.Update, actor, reasonText(body.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPolicyDTO(*policy))
	}
}

func RegisterDestination(svc DestinationDesk, logg *logger.Logger) http.HandlerFunc {
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
		var body destinations.RegisterInput
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Register(r.Context(), sellerID, body, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, view)
	}
}

func ListDestinations(svc DestinationDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, err := sellerParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views, err := svc.List(r.Context(), sellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, views)
	}
}
