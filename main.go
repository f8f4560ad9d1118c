package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v82"

	"sentimetry.app/cloud/billing"
	"sentimetry.app/cloud/handlers"
	"sentimetry.app/cloud/internal/config"
	"sentimetry.app/cloud/internal/email"
	"sentimetry.app/cloud/internal/logger"
	"sentimetry.app/cloud/internal/ratelimit"
	"sentimetry.app/cloud/internal/tasks"
	"sentimetry.app/cloud/license"
	"sentimetry.app/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	stripe.Key = cfg.StripeSecret

	store, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", map[string]interface{}{"error": err.Error()})
		}
	}()

	queue := tasks.New(256, 2)
	defer queue.Close()

	var authority *license.AuthorityClient
	if cfg.AuthorityURL != "" {
		authority = license.NewAuthorityClient(cfg.AuthorityURL, cfg.AuthorityTimeout)
	}

	cache := license.NewCache(cfg.CacheTTL)
	validator := license.NewValidator(cache, authority, store, cfg.DegradedTTL)
	meter := license.NewMeter(validator, authority, queue)

	mailer := email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom)
	lifecycle := billing.NewLifecycle(store, meter, validator, mailer, queue)

	// Period-end sweep: canceled subscriptions whose access window has
	// run out get moved to ended and their keys revoked.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := lifecycle.SweepEnded(ctx, time.Now()); err != nil {
				logger.Error("Period-end sweep failed", map[string]interface{}{"error": err.Error()})
			}
			cancel()
		}
	}()

	limiter := ratelimit.New(60, time.Minute)
	server := handlers.NewServer(cfg, store, validator, meter, lifecycle, limiter, version)

	logger.Info("Sentimetry Cloud API starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
