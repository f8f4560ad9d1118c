package config

import (
	"errors"
	"os"
	"time"
)

type Config struct {
	Port string

	DatabaseURL string

	StripeSecret        string
	StripeWebhookSecret string

	// Base URL of the remote license authority. Empty means keys are
	// resolved against the local subscription store instead.
	AuthorityURL     string
	AuthorityTimeout time.Duration

	CacheTTL    time.Duration
	DegradedTTL time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	// Public base URL for checkout success/cancel redirects.
	Domain string

	SentryDSN string

	// TestMode skips Stripe webhook signature verification. Never set
	// in production.
	TestMode bool
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	stripeSecret := os.Getenv("STRIPE_SECRET_KEY")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET_KEY environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" && os.Getenv("TEST_MODE") != "true" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	domain := os.Getenv("DOMAIN")
	if domain == "" {
		domain = "https://sentimetry.app"
	}

	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "licenses@sentimetry.app"
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		AuthorityURL:        os.Getenv("LICENSE_AUTHORITY_URL"),
		AuthorityTimeout:    durationEnv("LICENSE_AUTHORITY_TIMEOUT", 5*time.Second),
		CacheTTL:            durationEnv("LICENSE_CACHE_TTL", time.Hour),
		DegradedTTL:         durationEnv("LICENSE_DEGRADED_TTL", 24*time.Hour),
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            os.Getenv("SMTP_PORT"),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		EmailFrom:           emailFrom,
		Domain:              domain,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
		TestMode:            os.Getenv("TEST_MODE") == "true",
	}, nil
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
