package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/billing"
	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/orders"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/tasks"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &Config{
		AdminKey:        "test-admin-key",
		BaseURL:         "https://app.example.com",
		RateLimit:       1000,
		RateLimitWindow: time.Minute,
	}
	prices := billing.PriceTable{Pro: "price_pro", Business: "price_biz"}
	return &Server{
		cfg:             cfg,
		store:           st,
		billingHandlers: billing.NewHandlers(st, billing.NewOperations(st, billing.OperationsConfig{Prices: prices})),
		taskHandlers:    tasks.NewHandlers(st),
		orderHandlers:   orders.NewHandlers(st),
		billingWebhook:  billing.NewWebhookHandler(st, "whsec_test", prices),
		identityWebhook: identity.NewWebhookHandler(st, "whsec_dGVzdA=="),
		authMiddleware: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "authentication required", http.StatusUnauthorized)
			})
		},
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("health body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status=%d, body=%q", rec.Code, rec.Body.String())
	}
}

func TestMetricsRequiresAdminKey(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no key: status=%d, want 403", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key: status=%d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", "test-admin-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("right key: status=%d, want 200", rec.Code)
	}
}

func TestMetricsClosedWithoutConfiguredKey(t *testing.T) {
	s := newTestServer(t)
	s.cfg.AdminKey = ""
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestConvertRouteIsPublic(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	req := httptest.NewRequest(http.MethodPost, "/api/convert",
		strings.NewReader(`{"amount": 10, "from_currency": "USD", "to_currency": "EUR"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}
}

func TestAuthedRoutesBehindMiddleware(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	for _, path := range []string{
		"/api/billing/subscription",
		"/api/orgs/org_x/tasks",
		"/api/orgs/org_x/orders",
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status=%d, want 401", path, rec.Code)
		}
	}
}

func TestWebhookRoutesBypassSessionAuth(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	// Unsigned deliveries fail the signature check (400), not the session
	// middleware (401).
	for _, path := range []string{"/api/billing/webhook", "/api/identity/webhook"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d, want 400", path, rec.Code)
		}
	}
}

func TestRateLimiting(t *testing.T) {
	s := newTestServer(t)
	s.limiter = NewRateLimiter(3, time.Minute)
	handler := s.routes()

	var last int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429 after exceeding the limit", last)
	}

	// A different client IP is unaffected.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.9:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other ip status=%d, want 200", rec.Code)
	}
}
