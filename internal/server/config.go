package server

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Crewdeck server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	BaseURL     string

	StripeAPIKey        string
	StripeWebhookSecret string
	StripePricePro      string
	StripePriceBusiness string

	IdentityWebhookSecret string
	IdentityIssuerURL     string
	IdentityDevToken      string
	IdentityDevSubject    string

	ReconcileInterval  time.Duration
	ReconcileStaleness time.Duration
	ReconcileDelay     time.Duration

	RateLimit       int
	RateLimitWindow time.Duration
}

// LoadConfig loads server configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("CREWDECK_PORT", 8080)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("CREWDECK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := envOrDefaultDuration("CREWDECK_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	reconcileStaleness, err := envOrDefaultDuration("CREWDECK_RECONCILE_STALENESS", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	reconcileDelay, err := envOrDefaultDuration("CREWDECK_RECONCILE_DELAY", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	rateWindow, err := envOrDefaultDuration("CREWDECK_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("CREWDECK_DATA_DIR", "/data"),
		BindAddress: envOrDefault("CREWDECK_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("CREWDECK_ADMIN_KEY")),
		BaseURL:     strings.TrimSpace(os.Getenv("CREWDECK_BASE_URL")),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePricePro:      strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO")),
		StripePriceBusiness: strings.TrimSpace(os.Getenv("STRIPE_PRICE_BUSINESS")),

		IdentityWebhookSecret: strings.TrimSpace(os.Getenv("IDENTITY_WEBHOOK_SECRET")),
		IdentityIssuerURL:     strings.TrimSpace(os.Getenv("IDENTITY_ISSUER_URL")),
		IdentityDevToken:      strings.TrimSpace(os.Getenv("IDENTITY_DEV_TOKEN")),
		IdentityDevSubject:    strings.TrimSpace(os.Getenv("IDENTITY_DEV_SUBJECT")),

		ReconcileInterval:  reconcileInterval,
		ReconcileStaleness: reconcileStaleness,
		ReconcileDelay:     reconcileDelay,

		RateLimit:       rateLimit,
		RateLimitWindow: rateWindow,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "CREWDECK_BASE_URL")
	}
	if c.IdentityIssuerURL == "" {
		missing = append(missing, "IDENTITY_ISSUER_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CREWDECK_PORT must be between 1 and 65535, got %d", c.Port)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("CREWDECK_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("CREWDECK_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("CREWDECK_BASE_URL must include a host")
	}
	if c.IdentityDevToken != "" && c.IdentityDevSubject == "" {
		return fmt.Errorf("IDENTITY_DEV_SUBJECT is required when IDENTITY_DEV_TOKEN is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
