package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crewdeck/crewdeck/internal/exchange"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// routes assembles the full HTTP surface. The webhook routes sit outside
// the session middleware; their authentication is the signature check.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.requireAdminKey(promhttp.Handler()))
	mux.HandleFunc("POST /api/convert", exchange.Handler)

	mux.Handle("POST /api/billing/webhook", s.billingWebhook)
	mux.Handle("POST /api/identity/webhook", s.identityWebhook)

	authed := http.NewServeMux()
	s.billingHandlers.Register(authed)
	s.taskHandlers.Register(authed)
	s.orderHandlers.Register(authed)
	mux.Handle("/api/", s.authMiddleware(authed))

	return s.limiter.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"service":   "crewdeck",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		log.Error().Err(err).Msg("Readiness check failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// requireAdminKey gates operational endpoints behind the configured admin
// key. With no key configured the endpoint stays closed.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
