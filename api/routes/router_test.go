package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/settlement-ledger/internal/payouts"
	"github.com/angelmondragon/settlement-ledger/internal/settlement"
	"github.com/angelmondragon/settlement-ledger/internal/webhooks"
	pkgauth "github.com/angelmondragon/settlement-ledger/pkg/auth"
	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/settlement-ledger/pkg/errors"
)

type memRedis struct {
	mu     sync.Mutex
	data   map[string]string
	counts map[string]int64
}

func newMemRedis() *memRedis {
	return &memRedis{data: map[string]string{}, counts: map[string]int64{}}
}

func (m *memRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (m *memRedis) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key], _ = value.(string)
	return nil
}

func (m *memRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	return true, nil
}

func (m *memRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memRedis) IdempotencyKey(scope, id string) string { return "idem:" + scope + ":" + id }

func (m *memRedis) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

type fakeSettler struct {
	settle func(context.Context, settlement.SettleInput) (*settlement.Result, error)
}

func (f fakeSettler) Settle(ctx context.Context, in settlement.SettleInput) (*settlement.Result, error) {
	return f.settle(ctx, in)
}

type fakeIngester struct {
	ingest func(context.Context, []byte, http.Header) (*webhooks.Result, error)
}

func (f fakeIngester) Ingest(ctx context.Context, payload []byte, h http.Header) (*webhooks.Result, error) {
	return f.ingest(ctx, payload, h)
}

func (fakeIngester) MaxBodyBytes() int64 { return 64 }

type fakePayouts struct {
	cancel func(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error)
}

func (f fakePayouts) Get(context.Context, uuid.UUID) (*models.ProviderPayout, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payout not found")
}

func (f fakePayouts) Create(context.Context, payouts.CreateInput) (*models.ProviderPayout, bool, error) {
	return nil, false, pkgerrors.New(pkgerrors.CodeInternal, "unused")
}

func (f fakePayouts) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error) {
	return f.cancel(ctx, id, actor, reason)
}

func (f fakePayouts) Quarantine(context.Context, uuid.UUID, string, string) (*models.ProviderPayout, error) {
	return nil, nil
}

func (f fakePayouts) ForceReconcile(context.Context, uuid.UUID, string, string) (*models.ProviderPayout, error) {
	return nil, nil
}

func (f fakePayouts) ForceFinalize(context.Context, uuid.UUID, payouts.FinalOutcome, string, string) (*models.ProviderPayout, error) {
	return nil, nil
}

type routerFixture struct {
	handler http.Handler
	cfg     *config.Config
	redis   *memRedis
	cancels int
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	cfg := &config.Config{
		App:       config.AppConfig{Env: "test"},
		Service:   config.ServiceConfig{InternalToken: "svc-token"},
		JWT:       config.JWTConfig{Secret: "secret", Issuer: "settlement", ExpirationMinutes: 10},
		Redis:     config.RedisConfig{IdempotencyTTL: time.Hour},
		RateLimit: config.RateLimitConfig{Window: time.Minute, WebhookLimit: 100, AdminLimit: 100},
	}
	f := &routerFixture{cfg: cfg, redis: newMemRedis()}
	f.handler = NewRouter(Deps{
		Config:  cfg,
		Redis:   f.redis,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Settlements: fakeSettler{settle: func(_ context.Context, in settlement.SettleInput) (*settlement.Result, error) {
			return &settlement.Result{OrderID: in.OrderID, SellerID: in.SellerID, GrossCents: in.GrossCents, Replayed: in.OrderID == "seen"}, nil
		}},
		Webhooks: fakeIngester{ingest: func(_ context.Context, payload []byte, _ http.Header) (*webhooks.Result, error) {
			if strings.Contains(string(payload), "replay") {
				return nil, pkgerrors.New(pkgerrors.CodeReplayed, "event already processed")
			}
			return &webhooks.Result{EventID: "evt_1", Applied: true}, nil
		}},
		Payouts: fakePayouts{cancel: func(_ context.Context, id uuid.UUID, actor, reason string) (*models.ProviderPayout, error) {
			f.cancels++
			return &models.ProviderPayout{ID: id, Status: enums.PayoutCancelled, SellerTenantID: "seller-1"}, nil
		}},
	})
	return f
}

func (f *routerFixture) token(t *testing.T, role pkgauth.Role) string {
	t.Helper()
	tok, err := pkgauth.MintAccessToken(f.cfg.JWT, time.Now(), pkgauth.AccessTokenPayload{ActorID: "ops-1", Role: role})
	require.NoError(t, err)
	return tok
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestInternalSettlementRequiresServiceToken(t *testing.T) {
	f := newFixture(t)
	body := `{"order_id":"o-1","seller_id":"seller-1","quantity":2,"gross_cents":1000,"currency":"EUR"}`

	rec := f.do(httptest.NewRequest(http.MethodPost, "/internal/settlements", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/settlements", strings.NewReader(body))
	req.Header.Set("X-Internal-Token", "svc-token")
	rec = f.do(req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	replay := strings.Replace(body, "o-1", "seen", 1)
	req = httptest.NewRequest(http.MethodPost, "/internal/settlements", strings.NewReader(replay))
	req.Header.Set("X-Internal-Token", "svc-token")
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestSettlementRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/settlements", strings.NewReader(`{"order_id":"o-1","quantity":0}`))
	req.Header.Set("X-Internal-Token", "svc-token")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestWebhookReplayIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(`{"id":"evt_1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed"`)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(`{"replay":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"replayed"`)
}

func TestWebhookBodyIsBounded(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("x", 65)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(big)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/admin/v1/payouts/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewerCannotCancelPayout(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/payouts/"+uuid.NewString()+"/cancel", strings.NewReader(`{"reason":"seller asked"}`))
	req.Header.Set("Authorization", "Bearer "+f.token(t, pkgauth.RoleFinanceViewer))
	req.Header.Set("Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)
	assert.Zero(t, f.cancels)
}

func TestCancelPayoutReplaysByIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()
	send := func(key, reason string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/v1/payouts/"+id+"/cancel", strings.NewReader(`{"reason":"`+reason+`"}`))
		req.Header.Set("Authorization", "Bearer "+f.token(t, pkgauth.RoleFinanceAdmin))
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		return f.do(req)
	}

	assert.Equal(t, http.StatusBadRequest, send("", "seller asked").Code)

	first := send("k-1", "seller asked")
	require.Equal(t, http.StatusOK, first.Code)
	var body struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &body))
	assert.Equal(t, id, body.Data.ID)
	assert.Equal(t, string(enums.PayoutCancelled), body.Data.Status)

	second := send("k-1", "seller asked")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, f.cancels)

	assert.Equal(t, http.StatusConflict, send("k-1", "different reason").Code)
}

func TestCancelPayoutRequiresReason(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/payouts/"+uuid.NewString()+"/cancel", strings.NewReader(`{"reason":"no"}`))
	req.Header.Set("Authorization", "Bearer "+f.token(t, pkgauth.RoleFinanceAdmin))
	req.Header.Set("Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
	assert.Zero(t, f.cancels)
}

func TestUnknownPayoutIsNotFound(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/payouts/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, pkgauth.RoleFinanceViewer))
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}
