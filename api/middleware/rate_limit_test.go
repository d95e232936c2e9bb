package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type counterStore struct {
	counts map[string]int64
	err    error
}

func (c *counterStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[key]++
	return c.counts[key], nil
}

func TestRateLimitBlocksAfterLimit(t *testing.T) {
	store := &counterStore{}
	handler := RateLimit(NewRateLimitPolicy("webhook", time.Minute, 2), store, nil)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
	if store.counts["webhook:ip:10.0.0.1"] != 3 {
		t.Fatalf("expected ip scoped counter, got %v", store.counts)
	}
}

func TestRateLimitKeysByActorWhenAuthenticated(t *testing.T) {
	store := &counterStore{}
	handler := RateLimit(NewRateLimitPolicy("admin", time.Minute, 5), store, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/alerts", nil)
	req = req.WithContext(WithActor(req.Context(), "ops-1", ""))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if store.counts["admin:actor:ops-1"] != 1 {
		t.Fatalf("expected actor scoped counter, got %v", store.counts)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	store := &counterStore{err: errors.New("redis down")}
	handler := RateLimit(NewRateLimitPolicy("webhook", time.Minute, 1), store, nil)(okHandler())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/webhooks/provider", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}
