/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for rate limiting
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Security headers (unrolled/secure)
  6. CORS:       Cross-origin requests for frontends
  7. Metrics:    Prometheus request counters and latency

  Endpoints that settle scenarios (POST /api/runs, POST /api/sweeps) are
  additionally rate limited per client IP (httprate).

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint
  /api/scenarios/*      Demo scenario catalogue
  /api/runs/*           Settlement runs and their results
  /api/sweeps           Sensitivity sweeps

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// RouterOptions tune the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RunsPerMinute  int  // per client IP; 0 disables the limit
	Production     bool // redirect plain HTTP to HTTPS
}

// DefaultRouterOptions suits local development.
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		RunsPerMinute:  30,
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        opts.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !opts.Production,
	})

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if err := secureMiddleware.Process(w, req); err != nil {
				h.log().Warn("secure headers blocked request", slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(h.Metrics.Middleware)

	limit := func(next http.Handler) http.Handler { return next }
	if opts.RunsPerMinute > 0 {
		limit = httprate.Limit(opts.RunsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	}

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/{id}", h.GetScenario)
		})

		// Run routes
		r.Route("/runs", func(r chi.Router) {
			r.With(limit).Post("/", h.CreateRun)
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
			r.Get("/{id}/entities/{entity}/annual", h.GetAnnual)
			r.Get("/{id}/entities/{entity}/facilities", h.GetFacilities)
			r.Get("/{id}/holding", h.GetHolding)
			r.Get("/{id}/audit", h.GetAudit)
		})

		r.With(limit).Post("/sweeps", h.CreateSweep)
	})

	return r
}
