package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	"github.com/angelmondragon/settlement-ledger/api/validators"
	"github.com/angelmondragon/settlement-ledger/internal/alerts"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type AlertDesk interface {
	List(ctx context.Context, f alerts.Filter) ([]models.IntegrityAlert, error)
	Acknowledge(ctx context.Context, id uuid.UUID, actor, reason string) (*models.IntegrityAlert, error)
}

func ListAlerts(svc AlertDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		f := alerts.Filter{Limit: limit}
		if f.Status, err = validators.ParseQueryEnum(r, "status", enums.ParseAlertStatus); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if f.Type, err = validators.ParseQueryEnum(r, "type", enums.ParseAlertType); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.List(r.Context(), f)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]*alertDTO, 0, len(rows))
		for i := range rows {
			out = append(out, toAlertDTO(&rows[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func AcknowledgeAlert(svc AlertDesk, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "alertId")
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
		alert, err := svc.Acknowledge(r.Context(), id, actor, reasonText(body.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toAlertDTO(alert))
	}
}
