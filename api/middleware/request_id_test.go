package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDPropagation(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"request id wins", map[string]string{requestIDHeader: "req-1", correlationIDHeader: "corr-1"}, "req-1"},
		{"falls back to correlation id", map[string]string{correlationIDHeader: "order-77"}, "order-77"},
		{"rejects control characters", map[string]string{requestIDHeader: "bad\r\nid"}, ""},
		{"rejects oversized ids", map[string]string{requestIDHeader: strings.Repeat("a", maxRequestIDLen+1)}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			resp := httptest.NewRecorder()
			RequestID(nil)(okHandler()).ServeHTTP(resp, req)

			got := resp.Header().Get(requestIDHeader)
			if tc.want != "" && got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
			if tc.want == "" && (got == "" || !validRequestID(got) || got == tc.headers[requestIDHeader]) {
				t.Fatalf("expected a freshly minted id, got %q", got)
			}
		})
	}
}

func TestRecovererReturnsEnvelope(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("ledger exploded")
	})
	resp := httptest.NewRecorder()
	Recoverer(nil)(panicky).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/internal/settlements", nil))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", resp.Code)
	}
	if strings.Contains(resp.Body.String(), "ledger exploded") {
		t.Fatalf("panic value leaked to client: %s", resp.Body.String())
	}
}

func TestRecovererReraisesAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	Recoverer(nil)(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
