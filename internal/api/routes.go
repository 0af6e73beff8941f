package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures cross-cutting HTTP behaviour.
type RouterOptions struct {
	// APIKey protects /api when set.
	APIKey         string
	AllowedOrigins []string
}

// NewRouter wires the routes. Health endpoints are never behind the API key.
func NewRouter(h *Handlers, health *HealthChecker, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if health != nil {
		r.Get("/health", health.HandleHealth)
		r.Get("/health/live", health.HandleLiveness)
		r.Get("/health/ready", health.HandleReadiness)
	}

	r.Route("/api", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(requireAPIKey(opts.APIKey))
		}
		r.Post("/events", h.HandleEvent)
		r.Post("/flows/stop", h.StopFlow)
		r.Get("/flows/{id}", h.GetFlow)
		r.Get("/automations/{id}", h.GetAutomation)
		r.Get("/scheduler/stats", h.SchedulerStats)
	})

	return r
}
