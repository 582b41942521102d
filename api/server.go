/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the agent and admin apps

ROUTE GROUPS:
  /api/agents/*      Ledgers, reports, notifications, redemptions
  /api/visits/*      Visit lifecycle and images
  /api/images/*      Quality decisions
  /api/scenarios/*   Demo scenarios
  /api/reset         Database reset (dev only)
  /healthz           Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins are allowed when no CORS origins are configured.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultOrigins
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Get("/{id}/points", h.GetPoints)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/activity", h.GetActivity)
			r.Get("/{id}/penalties", h.GetPenalties)
			r.Get("/{id}/notifications", h.GetNotifications)
			r.Post("/{id}/redemptions", h.RedeemPoints)
		})

		r.Route("/visits", func(r chi.Router) {
			r.Post("/", h.CreateVisit)
			r.Get("/{id}", h.GetVisit)
			r.Put("/{id}/status", h.SetVisitStatus)
			r.Post("/{id}/images", h.AddImage)
			r.Post("/{id}/recalculate", h.RecalculateVisit)
		})

		r.Put("/images/{id}/quality", h.ReviewImage)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	return r
}
