package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the router: public health and consent endpoints at
// the root, admin operations under /api.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.HealthCheck)

	// Public consent endpoints, linked from email footers.
	r.Get("/unsubscribe/{token}", h.Unsubscribe)
	r.Get("/remove-account/{token}", h.RemoveAccount)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Post("/activate", h.ActivateCampaign)
			r.Post("/send", h.SendCampaign)
			r.Post("/cancel", h.CancelCampaign)
			r.Get("/stats", h.GetCampaignStats)
		})

		r.Route("/events/{id}/reminders", func(r chi.Router) {
			r.Post("/schedule", h.ScheduleEventReminders)
			r.Post("/reschedule", h.RescheduleEventReminders)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", h.EnqueueNotification)
			r.Delete("/{dedupKey}", h.CancelNotification)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.GetQueueStats)
			r.Post("/retry-failed", h.RetryFailed)
		})

		r.Get("/delivery/stats", h.GetDeliveryStats)
	})

	return r
}
