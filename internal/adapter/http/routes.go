package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. startMW
// wraps only run creation, e.g. a rate limiter.
func MountRoutes(r chi.Router, h *Handlers, startMW ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(startMW...).Post("/runs", h.StartRun)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Get("/runs/{id}/events", h.ListRunEvents)
	})
}
