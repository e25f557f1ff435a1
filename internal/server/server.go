package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crewdeck/crewdeck/internal/billing"
	"github.com/crewdeck/crewdeck/internal/identity"
	"github.com/crewdeck/crewdeck/internal/orders"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/tasks"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"
)

// Server ties the store, the billing and identity components, and the HTTP
// surface together.
type Server struct {
	cfg   *Config
	store *store.Store

	billingHandlers *billing.Handlers
	taskHandlers    *tasks.Handlers
	orderHandlers   *orders.Handlers
	billingWebhook  http.Handler
	identityWebhook http.Handler
	authMiddleware  func(http.Handler) http.Handler
	limiter         *RateLimiter
	reconciler      *billing.Reconciler
}

// New builds a fully wired server. OIDC discovery against the identity
// issuer happens here and needs the network.
func New(ctx context.Context, cfg *Config, st *store.Store) (*Server, error) {
	stripelib.Key = cfg.StripeAPIKey

	prices := billing.PriceTable{Pro: cfg.StripePricePro, Business: cfg.StripePriceBusiness}
	ops := billing.NewOperations(st, billing.OperationsConfig{
		Prices:          prices,
		SuccessURL:      cfg.BaseURL + "/billing/success",
		CancelURL:       cfg.BaseURL + "/billing",
		PortalReturnURL: cfg.BaseURL + "/billing",
	})

	auth, err := identity.NewAuthenticator(ctx, st, cfg.IdentityIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}
	if cfg.IdentityDevToken != "" {
		log.Warn().Msg("Static development session token is enabled")
		auth.WithDevToken(cfg.IdentityDevToken, cfg.IdentityDevSubject)
	}

	return &Server{
		cfg:             cfg,
		store:           st,
		billingHandlers: billing.NewHandlers(st, ops),
		taskHandlers:    tasks.NewHandlers(st),
		orderHandlers:   orders.NewHandlers(st),
		billingWebhook:  billing.NewWebhookHandler(st, cfg.StripeWebhookSecret, prices),
		identityWebhook: identity.NewWebhookHandler(st, cfg.IdentityWebhookSecret),
		authMiddleware:  auth.Middleware,
		limiter:         NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		reconciler: billing.NewReconciler(st, prices, billing.ReconcilerConfig{
			Interval:  cfg.ReconcileInterval,
			Staleness: cfg.ReconcileStaleness,
			Delay:     cfg.ReconcileDelay,
		}),
	}, nil
}

// ReconcileOnce runs a single reconciliation pass outside the server
// lifecycle, for the one-shot CLI command.
func ReconcileOnce(ctx context.Context, cfg *Config, st *store.Store) error {
	stripelib.Key = cfg.StripeAPIKey
	r := billing.NewReconciler(st,
		billing.PriceTable{Pro: cfg.StripePricePro, Business: cfg.StripePriceBusiness},
		billing.ReconcilerConfig{
			Interval:  cfg.ReconcileInterval,
			Staleness: cfg.ReconcileStaleness,
			Delay:     cfg.ReconcileDelay,
		})
	return r.ReconcileOnce(ctx)
}

// Run serves HTTP and runs the reconciler until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.reconciler.Run(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("Crewdeck server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info().Msg("Crewdeck server stopped")
		return nil
	})

	return g.Wait()
}
