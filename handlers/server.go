package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"sentimetry.app/cloud/billing"
	"sentimetry.app/cloud/internal/config"
	"sentimetry.app/cloud/internal/logger"
	"sentimetry.app/cloud/internal/ratelimit"
	"sentimetry.app/cloud/license"
	"sentimetry.app/cloud/storage"
)

type Server struct {
	Router    chi.Router
	Storage   storage.Storage
	Validator *license.Validator
	Meter     *license.Meter
	Lifecycle *billing.Lifecycle
	Config    *config.Config
	Version   string
}

func NewServer(cfg *config.Config, store storage.Storage, validator *license.Validator, meter *license.Meter, lifecycle *billing.Lifecycle, limiter ratelimit.RateLimit, version string) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Storage:   store,
		Validator: validator,
		Meter:     meter,
		Lifecycle: lifecycle,
		Config:    cfg,
		Version:   version,
	}

	s.Router.Use(middleware.RealIP)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
	}))

	s.Router.Get("/health", s.Health)

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(ratelimit.Middleware(limiter))
			}
			r.Post("/licenses/validate", s.ValidateLicense)
			r.Post("/licenses/usage/check", s.CheckUsage)
			r.Post("/licenses/usage", s.RecordUsage)
			r.Post("/checkout", s.CreateCheckout)
		})

		// Webhooks bypass the per-address limiter: they all come from
		// the provider's infrastructure.
		r.Post("/webhooks/stripe", s.StripeWebhook)
	})

	return s
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
