package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/settlement-ledger/api/middleware"
	"github.com/angelmondragon/settlement-ledger/api/validators"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid "+name).WithDetails(map[string]any{"field": name})
	}
	return id, nil
}

func sellerParam(r *http.Request) (string, error) {
	seller := strings.TrimSpace(chi.URLParam(r, "sellerId"))
	if seller == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "seller id is required")
	}
	return seller, nil
}

func actorFrom(r *http.Request) (string, error) {
	actor := middleware.ActorIDFromContext(r.Context())
	if actor == "" {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "actor missing")
	}
	return actor, nil
}

// reasonBody is shared by every admin command that must be justified.
type reasonBody struct {
	Reason string `json:"reason" validate:"required,min=5,max=500"`
}

func reasonText(raw string) string {
	return validators.SanitizeString(raw, 500)
}
