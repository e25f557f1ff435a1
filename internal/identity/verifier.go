package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/rs/zerolog/log"
)

type contextKey string

const userContextKey contextKey = "identity.user"

// Authenticator validates session tokens issued by the identity provider
// and resolves them to local user records.
type Authenticator struct {
	store *store.Store

	// verify checks a raw bearer token and returns the provider subject.
	// Injected so tests run without an OIDC issuer.
	verify func(ctx context.Context, rawToken string) (string, error)

	// devToken, when configured, short-circuits verification for local
	// development: a matching bearer token resolves to devSubject without
	// contacting the issuer.
	devToken   string
	devSubject string
}

// WithDevToken enables the static development token. The subject must
// correspond to a synced user's provider ID.
func (a *Authenticator) WithDevToken(token, subject string) *Authenticator {
	a.devToken = token
	a.devSubject = subject
	return a
}

// NewAuthenticator discovers the OIDC issuer and builds an authenticator.
// Identity provider session tokens carry an azp claim rather than a
// conventional audience, so the audience check is skipped.
func NewAuthenticator(ctx context.Context, st *store.Store, issuerURL string) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})

	return &Authenticator{
		store: st,
		verify: func(ctx context.Context, rawToken string) (string, error) {
			token, err := verifier.Verify(ctx, rawToken)
			if err != nil {
				return "", err
			}
			return token.Subject, nil
		},
	}, nil
}

// Middleware authenticates the request and injects the resolved user into
// the request context. Requests without a valid session get 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken := bearerToken(r)
		if rawToken == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		subject, err := a.resolveSubject(r.Context(), rawToken)
		if err != nil {
			log.Debug().Err(err).Msg("Session token verification failed")
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}

		user, err := a.store.GetUserByClerkID(subject)
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("Failed to resolve session user")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if user == nil || user.DeletedAt != nil {
			// Valid token for a user the sync has not created yet, or one
			// already removed.
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (a *Authenticator) resolveSubject(ctx context.Context, rawToken string) (string, error) {
	if a.devToken != "" && subtle.ConstantTimeCompare([]byte(rawToken), []byte(a.devToken)) == 1 {
		return a.devSubject, nil
	}
	return a.verify(ctx, rawToken)
}

// ContextWithUser returns a context carrying the authenticated user.
func ContextWithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the authenticated user, or nil outside the
// middleware.
func UserFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)
	return user
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// Browser clients carry the session as a cookie.
	if c, err := r.Cookie("__session"); err == nil {
		return c.Value
	}
	return ""
}
