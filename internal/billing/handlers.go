package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
)

// Handlers serves the authenticated billing routes. The webhook route is
// served separately by WebhookHandler.
type Handlers struct {
	store *store.Store
	ops   *Operations

	now func() time.Time
}

func NewHandlers(st *store.Store, ops *Operations) *Handlers {
	return &Handlers{store: st, ops: ops, now: time.Now}
}

// Register wires the billing routes onto the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/billing/subscription", h.Subscription)
	mux.HandleFunc("POST /api/billing/checkout", h.Checkout)
	mux.HandleFunc("POST /api/billing/cancel", h.Cancel)
	mux.HandleFunc("POST /api/billing/reactivate", h.Reactivate)
	mux.HandleFunc("POST /api/billing/cancel-downgrade", h.CancelDowngrade)
	mux.HandleFunc("POST /api/billing/portal", h.Portal)
}

type subscriptionResponse struct {
	Subscription *store.Subscription `json:"subscription"`
	Eligibility  Eligibility         `json:"eligibility"`
}

// Subscription returns the user's current record (null on the free tier)
// together with the derived eligibility.
func (h *Handlers) Subscription(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	sub, err := h.store.GetCurrentSubscription(user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to load subscription")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Subscription: sub,
		Eligibility:  EligibilityFor(sub, h.now()),
	})
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.ops.StartCheckout(r.Context(), user, ParseTier(req.Tier)))
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.ops.Cancel)
}

func (h *Handlers) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.ops.Reactivate)
}

func (h *Handlers) CancelDowngrade(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.ops.CancelPendingDowngrade)
}

func (h *Handlers) Portal(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.ops.PortalSession)
}

// runOperation executes a bodyless billing operation for the session user.
// Operations report failure in the Result, always with HTTP 200.
func (h *Handlers) runOperation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, user *store.User) Result) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, op(r.Context(), user))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
