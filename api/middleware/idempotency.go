package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/settlement-ledger/api/responses"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	pkgredis "github.com/angelmondragon/settlement-ledger/pkg/redis"
)

const (
	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	// reservationTTL bounds how long a crashed request can block its key.
	reservationTTL = 2 * time.Minute

	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
)

// commandRoute matches one admin command. Paths are split on "/" and "*"
// matches any single segment.
type commandRoute struct {
	method   string
	segments []string
	critical bool
}

func command(method, pattern string, critical bool) commandRoute {
	return commandRoute{method: method, segments: strings.Split(strings.Trim(pattern, "/"), "/"), critical: critical}
}

// Commands that move money keep their replay record for a week.
var commandRoutes = []commandRoute{
	command(http.MethodPost, "/admin/v1/sellers/*/payouts", true),
	command(http.MethodPost, "/admin/v1/payouts/*/cancel", true),
	command(http.MethodPost, "/admin/v1/payouts/*/force-finalize", true),
	command(http.MethodPost, "/admin/v1/payout-requests/*/approve", true),
	command(http.MethodPost, "/admin/v1/holds/*/early-release", true),

	command(http.MethodPost, "/admin/v1/plans", false),
	command(http.MethodPost, "/admin/v1/plans/*/activate", false),
	command(http.MethodPost, "/admin/v1/plans/*/archive", false),
	command(http.MethodPut, "/admin/v1/sellers/*/policy", false),
	command(http.MethodPost, "/admin/v1/sellers/*/trust/recompute", false),
	command(http.MethodPost, "/admin/v1/sellers/*/destinations", false),
	command(http.MethodPost, "/admin/v1/alerts/*/ack", false),
	command(http.MethodPost, "/admin/v1/payouts/*/quarantine", false),
	command(http.MethodPost, "/admin/v1/payouts/*/force-reconcile", false),
	command(http.MethodPost, "/admin/v1/payout-requests", false),
	command(http.MethodPost, "/admin/v1/payout-requests/*/reject", false),
}

func (c commandRoute) matches(method string, segments []string) bool {
	if c.method != method || len(c.segments) != len(segments) {
		return false
	}
	for i, want := range c.segments {
		if want != "*" && want != segments[i] {
			return false
		}
	}
	return true
}

// routeTTL reports whether the request is an idempotent command and how long
// its stored response lives.
func routeTTL(method, path string, base time.Duration) (time.Duration, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0, false
	}
	segments := strings.Split(trimmed, "/")
	for _, route := range commandRoutes {
		if !route.matches(method, segments) {
			continue
		}
		if route.critical {
			return criticalIdempotencyTTL, true
		}
		return base, true
	}
	return 0, false
}

// storedResponse is what lands in redis under the scoped key. A record with
// Pending set is a reservation held by the request currently executing.
type storedResponse struct {
	Pending     bool   `json:"pending,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
}

// Idempotency makes admin commands safe to retry. The first request carrying
// an Idempotency-Key reserves it, runs, and stores its response; repeats get
// the stored response, a concurrent repeat gets IN_PROGRESS, and reusing the
// key for a different request is rejected. 5xx responses are not stored.
func Idempotency(store pkgredis.IdempotencyStore, ttl time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyTTL, ok := routeTTL(r.Method, r.URL.Path, ttl)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := requestFingerprint(r.Method, r.URL.Path, body)
			key := store.IdempotencyKey(ActorIDFromContext(ctx)+"|"+r.Method+"|"+r.URL.Path, clientKey)

			reservation, _ := json.Marshal(storedResponse{Pending: true, Fingerprint: fingerprint})
			reserved, err := store.SetNX(ctx, key, string(reservation), reservationTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayStored(ctx, store, key, fingerprint, w, logg)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)
			status := capture.statusCode()

			if status >= http.StatusInternalServerError {
				if err := store.Del(ctx, key); err != nil {
					logError(ctx, logg, "release idempotency key", err)
				}
				return
			}

			payload, _ := json.Marshal(storedResponse{
				Fingerprint: fingerprint,
				Status:      status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
			})
			if err := store.Set(ctx, key, string(payload), keyTTL); err != nil {
				logError(ctx, logg, "persist idempotency record", err)
			}
		})
	}
}

func replayStored(ctx context.Context, store pkgredis.IdempotencyStore, key, fingerprint string, w http.ResponseWriter, logg *logger.Logger) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// The holder failed and released the key between our SetNX and Get.
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInProgress, "request with this idempotency key is still in progress"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record"))
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
		return
	}
	if stored.Fingerprint != fingerprint {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return
	}
	if stored.Pending {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInProgress, "request with this idempotency key is still in progress"))
		return
	}

	body, err := base64.StdEncoding.DecodeString(stored.Body)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored body"))
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(body)
}

func requestFingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSuffix(path, "/")))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
