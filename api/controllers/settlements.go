package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	"github.com/angelmondragon/settlement-ledger/api/validators"
	"github.com/angelmondragon/settlement-ledger/internal/settlement"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type Settler interface {
	Settle(ctx context.Context, in settlement.SettleInput) (*settlement.Result, error)
}

// SettleOrder books a completed order. Replays of the same order return the
// original result with status 200; first bookings return 201.
func SettleOrder(svc Settler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body settlement.SettleInput
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithSellerID(ctx, body.SellerID)
			ctx = logg.WithField(ctx, "order_id", body.OrderID)
		}

		res, err := svc.Settle(ctx, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, res)
	}
}
