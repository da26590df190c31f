/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Identity:   Resolves the caller (/api only)

ROUTE GROUPS:
  /healthz              Liveness and store reachability
  /api/days/{date}/*    Daily record, entries and wellness fields
  /api/range|week|summary  Read-only rollups
  /api/goals            Goal targets
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Identity and request logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig holds the router's non-handler settings.
type RouterConfig struct {
	Logger      *zap.Logger
	CORSOrigins []string
	// JWTSecret enables bearer token identity. Empty trusts X-User-ID.
	JWTSecret string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	identity := NewIdentity([]byte(cfg.JWTSecret))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Require)

		// Day routes
		r.Route("/days/{date}", func(r chi.Router) {
			r.Get("/", h.GetDay)
			r.Get("/entries", h.ListEntries)
			r.Post("/entries", h.AddEntry)
			r.Delete("/entries/{entryID}", h.RemoveEntry)
			r.Post("/water", h.AddWater)
			r.Put("/steps", h.SetSteps)
			r.Put("/sleep", h.SetSleep)
			r.Put("/mood", h.SetMood)
			r.Put("/calories", h.SetCalories)
			r.Post("/reconcile", h.ReconcileDay)
		})

		// Rollups
		r.Get("/range", h.GetRange)
		r.Get("/week", h.GetWeek)
		r.Get("/summary", h.GetSummary)

		// Goals
		r.Get("/goals", h.GetGoals)
		r.Patch("/goals", h.PatchGoals)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
