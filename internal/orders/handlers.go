// Package orders exposes organization-scoped order management over HTTP.
package orders

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
)

// Handlers serves the /api/orgs/{org_id}/orders routes.
type Handlers struct {
	store *store.Store
}

func NewHandlers(st *store.Store) *Handlers {
	return &Handlers{store: st}
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/orgs/{org_id}/orders", h.List)
	mux.HandleFunc("POST /api/orgs/{org_id}/orders", h.Create)
	mux.HandleFunc("GET /api/orgs/{org_id}/orders/{order_id}", h.Get)
	mux.HandleFunc("PATCH /api/orgs/{org_id}/orders/{order_id}", h.Update)
	mux.HandleFunc("DELETE /api/orgs/{org_id}/orders/{order_id}", h.Delete)
}

func (h *Handlers) member(w http.ResponseWriter, r *http.Request) (*store.User, string, bool) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, "", false
	}
	orgID := r.PathValue("org_id")
	m, err := h.store.GetMembership(orgID, user.ID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Membership lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, "", false
	}
	if m == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, "", false
	}
	return user, orgID, true
}

type orderRequest struct {
	CustomerName *string `json:"customer_name"`
	AmountCents  *int64  `json:"amount_cents"`
	Currency     *string `json:"currency"`
	Status       *string `json:"status"`
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	orders, err := h.store.ListOrders(orgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to list orders")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []*store.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	user, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CustomerName == nil || *req.CustomerName == "" {
		http.Error(w, "customer_name is required", http.StatusBadRequest)
		return
	}
	if req.AmountCents == nil || *req.AmountCents < 0 {
		http.Error(w, "amount_cents must be a non-negative integer", http.StatusBadRequest)
		return
	}

	id, err := store.GenerateOrderID()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	order := &store.Order{
		ID:           id,
		OrgID:        orgID,
		CreatorID:    user.ID,
		CustomerName: *req.CustomerName,
		AmountCents:  *req.AmountCents,
		Currency:     "USD",
		Status:       store.OrderStatusPending,
	}
	if req.Currency != nil {
		cur := strings.ToUpper(*req.Currency)
		if len(cur) != 3 {
			http.Error(w, "currency must be a 3-letter code", http.StatusBadRequest)
			return
		}
		order.Currency = cur
	}
	if !applyOrderStatus(w, order, &req) {
		return
	}

	if err := h.store.CreateOrder(order); err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to create order")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	order, err := h.store.GetOrder(orgID, r.PathValue("order_id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if order == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	order, err := h.store.GetOrder(orgID, r.PathValue("order_id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if order == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CustomerName != nil {
		if *req.CustomerName == "" {
			http.Error(w, "customer_name cannot be empty", http.StatusBadRequest)
			return
		}
		order.CustomerName = *req.CustomerName
	}
	if req.AmountCents != nil {
		if *req.AmountCents < 0 {
			http.Error(w, "amount_cents must be a non-negative integer", http.StatusBadRequest)
			return
		}
		order.AmountCents = *req.AmountCents
	}
	if req.Currency != nil {
		cur := strings.ToUpper(*req.Currency)
		if len(cur) != 3 {
			http.Error(w, "currency must be a 3-letter code", http.StatusBadRequest)
			return
		}
		order.Currency = cur
	}
	if !applyOrderStatus(w, order, &req) {
		return
	}

	if err := h.store.UpdateOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to update order")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteOrder(orgID, r.PathValue("order_id")); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func applyOrderStatus(w http.ResponseWriter, order *store.Order, req *orderRequest) bool {
	if req.Status == nil {
		return true
	}
	switch s := store.OrderStatus(*req.Status); s {
	case store.OrderStatusPending, store.OrderStatusPaid, store.OrderStatusShipped, store.OrderStatusCanceled:
		order.Status = s
		return true
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
