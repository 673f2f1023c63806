/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. instrument: Prometheus request metrics
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus scrape
  /api/webhooks/*       Payment provider callbacks (signature checked)
  /api/settlements      Internal settlement events (service or admin token)
  /api/gate/*           Toll gate deductions (gate, service or admin token)
  /api/accounts/*       Read-only account queries
  /api/admin/*          Admin operations (admin token)
  /api/admin/scenarios  Demo fleet (only when EnableScenarios)

AUTHENTICATION:
  Tokens are HS256 JWTs signed with AdminJWTSecret carrying a "role" claim.
  With no secret configured every route is open.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Admin authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions toggles optional route groups.
type RouterOptions struct {
	AllowedOrigins  []string
	AdminJWTSecret  string
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/paystack", h.PaystackWebhook)

		r.Group(func(r chi.Router) {
			requireRole(r, opts.AdminJWTSecret, RoleService)
			r.Post("/settlements", h.CreateSettlement)
		})
		r.Group(func(r chi.Router) {
			requireRole(r, opts.AdminJWTSecret, RoleGate, RoleService)
			r.Post("/gate/charges", h.CreateGateCharge)
		})

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/entries", h.ListEntries)
		})

		r.Get("/entries/{id}", h.GetEntry)
		r.Get("/references/{ref}", h.GetReference)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			requireRole(r, opts.AdminJWTSecret)
			r.Post("/accounts", h.InitializeAccount)
			r.Patch("/accounts/{id}", h.UpdateProfile)
			r.Post("/accounts/{id}/adjustments", h.CreateAdjustment)
			r.Post("/sweep", h.Sweep)

			// Scenario routes
			if opts.EnableScenarios {
				r.Route("/scenarios", func(r chi.Router) {
					r.Get("/", h.ListScenarios)
					r.Get("/current", h.GetCurrentScenario)
					r.Post("/load", h.LoadScenario)
				})
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}

func requireRole(r chi.Router, secret string, roles ...string) {
	if secret != "" {
		r.Use(RequireRole(secret, roles...))
	}
}
