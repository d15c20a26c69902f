// Package router assembles the HTTP surface of the booking service.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apimiddleware "github.com/BillyJoe121/zenzspa-project-sub000/internal/api/middleware"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/booking"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/payments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/scheduling"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger              *logging.Logger
	AvailabilityHandler *scheduling.Handler
	BookingHandler      *booking.Handler
	PaymentWebhook      *payments.WebhookHandler
	MetricsHandler      http.Handler

	// Requests/sec and burst per IP for the write endpoints. Zero disables
	// rate limiting.
	WriteRateLimit float64
	WriteBurst     int
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(apimiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.AvailabilityHandler != nil {
			api.Get("/availability", cfg.AvailabilityHandler.Availability)
		}

		api.Group(func(writes chi.Router) {
			if cfg.WriteRateLimit > 0 {
				writes.Use(apimiddleware.RateLimit(cfg.WriteRateLimit, cfg.WriteBurst))
			}
			if cfg.BookingHandler != nil {
				writes.Post("/appointments", cfg.BookingHandler.Create)
			}
			if cfg.PaymentWebhook != nil {
				writes.Post("/webhooks/payment", cfg.PaymentWebhook.Handle)
			}
		})
	})

	return r
}
