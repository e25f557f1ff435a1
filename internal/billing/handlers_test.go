package billing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/store"
)

func newTestHandlers(st *store.Store) *Handlers {
	return &Handlers{
		store: st,
		ops:   newTestOps(st),
		now:   func() time.Time { return testNow },
	}
}

func doAs(t *testing.T, mux *http.ServeMux, user *store.User, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != nil {
		req = req.WithContext(identity.ContextWithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSubscriptionEndpointFreeUser(t *testing.T) {
	st := newTestStore(t)
	user := seedUser(t, st)
	mux := http.NewServeMux()
	newTestHandlers(st).Register(mux)

	rec := doAs(t, mux, user, http.MethodGet, "/api/billing/subscription", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp struct {
		Subscription *store.Subscription `json:"subscription"`
		Eligibility  Eligibility         `json:"eligibility"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Subscription != nil {
		t.Error("free user must have a null subscription")
	}
	if resp.Eligibility.State != StateFree {
		t.Errorf("state = %s, want FREE", resp.Eligibility.State)
	}
}

func TestSubscriptionEndpointActiveUser(t *testing.T) {
	st := newTestStore(t)
	user := seedUser(t, st)
	seedActiveSub(t, st, user.ID, TierPro)
	mux := http.NewServeMux()
	newTestHandlers(st).Register(mux)

	rec := doAs(t, mux, user, http.MethodGet, "/api/billing/subscription", "")
	var resp struct {
		Subscription *store.Subscription `json:"subscription"`
		Eligibility  Eligibility         `json:"eligibility"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Subscription == nil || resp.Subscription.Tier != "pro" {
		t.Fatalf("subscription = %+v", resp.Subscription)
	}
	if resp.Eligibility.State != StateActive {
		t.Errorf("state = %s, want ACTIVE", resp.Eligibility.State)
	}
}

func TestCheckoutEndpoint(t *testing.T) {
	st := newTestStore(t)
	user := seedUser(t, st)
	mux := http.NewServeMux()
	newTestHandlers(st).Register(mux)

	rec := doAs(t, mux, user, http.MethodPost, "/api/billing/checkout", `{"tier": "pro"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.URL == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestOperationFailureStillHTTP200(t *testing.T) {
	st := newTestStore(t)
	user := seedUser(t, st)
	mux := http.NewServeMux()
	newTestHandlers(st).Register(mux)

	// Free user has nothing to cancel; the failure travels in the body.
	rec := doAs(t, mux, user, http.MethodPost, "/api/billing/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var res Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Success || res.Message == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestBillingEndpointsRequireAuth(t *testing.T) {
	st := newTestStore(t)
	mux := http.NewServeMux()
	newTestHandlers(st).Register(mux)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/billing/subscription"},
		{http.MethodPost, "/api/billing/checkout"},
		{http.MethodPost, "/api/billing/cancel"},
		{http.MethodPost, "/api/billing/reactivate"},
		{http.MethodPost, "/api/billing/cancel-downgrade"},
		{http.MethodPost, "/api/billing/portal"},
	}
	for _, p := range paths {
		rec := doAs(t, mux, nil, p.method, p.path, `{"tier":"pro"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status=%d, want 401", p.method, p.path, rec.Code)
		}
	}
}
