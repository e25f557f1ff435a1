package orders

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustID(t *testing.T, gen func() (string, error)) string {
	t.Helper()
	id, err := gen()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	return id
}

type fixture struct {
	store *store.Store
	mux   *http.ServeMux
	user  *store.User
	org   *store.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newTestStore(t)

	userID := mustID(t, store.GenerateUserID)
	user := &store.User{ID: userID, ClerkUserID: "clerk_" + userID, Email: "m@example.com", Name: "Member"}
	if err := st.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	orgID := mustID(t, store.GenerateOrgID)
	org := &store.Organization{ID: orgID, ClerkOrgID: "clerk_" + orgID, Name: "Acme", Slug: "acme"}
	if err := st.CreateOrganization(org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	if err := st.UpsertMembership(&store.Membership{OrgID: org.ID, UserID: user.ID, Role: store.MemberRoleMember}); err != nil {
		t.Fatalf("membership: %v", err)
	}

	mux := http.NewServeMux()
	NewHandlers(st).Register(mux)
	return &fixture{store: st, mux: mux, user: user, org: org}
}

func (f *fixture) do(t *testing.T, user *store.User, method, path, body string) *httptest.ResponseRecorder {
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
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createOrder(t *testing.T, customer string, cents int64) *store.Order {
	t.Helper()
	rec := f.do(t, f.user, http.MethodPost, "/api/orgs/"+f.org.ID+"/orders",
		fmt.Sprintf(`{"customer_name": %q, "amount_cents": %d, "currency": "eur"}`, customer, cents))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var order store.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &order
}

func TestOrderCRUD(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, "Globex", 12999)

	if order.Status != store.OrderStatusPending {
		t.Errorf("default status = %q, want pending", order.Status)
	}
	if order.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR (normalized)", order.Currency)
	}
	if order.AmountCents != 12999 {
		t.Errorf("amount = %d", order.AmountCents)
	}

	rec := f.do(t, f.user, http.MethodPatch, "/api/orgs/"+f.org.ID+"/orders/"+order.ID,
		`{"status": "paid"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var updated store.Order
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Status != store.OrderStatusPaid {
		t.Errorf("status = %q, want paid", updated.Status)
	}
	if updated.CustomerName != "Globex" {
		t.Errorf("partial update clobbered customer: %q", updated.CustomerName)
	}

	rec = f.do(t, f.user, http.MethodDelete, "/api/orgs/"+f.org.ID+"/orders/"+order.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	rec = f.do(t, f.user, http.MethodGet, "/api/orgs/"+f.org.ID+"/orders/"+order.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", rec.Code)
	}
}

func TestOrderValidation(t *testing.T) {
	f := newFixture(t)
	base := "/api/orgs/" + f.org.ID + "/orders"

	cases := map[string]string{
		"missing customer": `{"amount_cents": 100}`,
		"missing amount":   `{"customer_name": "X"}`,
		"negative amount":  `{"customer_name": "X", "amount_cents": -5}`,
		"bad currency":     `{"customer_name": "X", "amount_cents": 100, "currency": "EURO"}`,
		"bad status":       `{"customer_name": "X", "amount_cents": 100, "status": "refunded"}`,
	}
	for name, body := range cases {
		rec := f.do(t, f.user, http.MethodPost, base, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d, want 400", name, rec.Code)
		}
	}

	// Zero is a legal amount.
	rec := f.do(t, f.user, http.MethodPost, base, `{"customer_name": "X", "amount_cents": 0}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("zero amount: status=%d, want 201", rec.Code)
	}
}

func TestOrderOrgIsolation(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, "Private Co", 500)

	outsiderID := mustID(t, store.GenerateUserID)
	outsider := &store.User{ID: outsiderID, ClerkUserID: "clerk_" + outsiderID, Email: "o@example.com", Name: "Outsider"}
	if err := f.store.CreateUser(outsider); err != nil {
		t.Fatalf("create outsider: %v", err)
	}

	rec := f.do(t, outsider, http.MethodGet, "/api/orgs/"+f.org.ID+"/orders/"+order.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("outsider read status=%d, want 404", rec.Code)
	}
	rec = f.do(t, nil, http.MethodGet, "/api/orgs/"+f.org.ID+"/orders", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list status=%d, want 401", rec.Code)
	}
}
