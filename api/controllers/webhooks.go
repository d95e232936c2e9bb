package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	"github.com/angelmondragon/settlement-ledger/internal/webhooks"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type WebhookIngester interface {
	Ingest(ctx context.Context, payload []byte, headers http.Header) (*webhooks.Result, error)
	MaxBodyBytes() int64
}

// ProviderWebhook reads the raw body untouched so the signature covers exactly
// what the provider sent. Replays are acknowledged with 200 so the provider
// stops redelivering.
func ProviderWebhook(svc WebhookIngester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := svc.MaxBodyBytes()
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payload too large"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read body"))
			return
		}

		res, err := svc.Ingest(r.Context(), payload, r.Header)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeReplayed) {
				responses.WriteSuccess(w, map[string]any{"status": "replayed"})
				return
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"status":   "processed",
			"event_id": res.EventID,
			"applied":  res.Applied,
		})
	}
}
