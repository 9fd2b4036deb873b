/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logging:    logrus request log with request id, status and latency
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency, by route pattern
  6. CORS:       Cross-origin requests from store back-offices

ROUTE GROUPS:
  /api/points/*         Earn, redeem, balance, history
  /api/customers/*      Global identities
  /api/settlement/*     Store accounts
  /api/settings/*       Earning rules
  /api/admin/*          Rebuild, adjust, expire, reconcile
  /api/scenarios/*      Demo scenarios (only with the in-process catalogue)
  /healthz              Liveness + storage ping
  /metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures the outer surface of the router.
type RouterOptions struct {
	AllowedOrigins []string

	// Metrics wraps every request. Optional.
	Metrics func(http.Handler) http.Handler
	// MetricsHandler serves /metrics. Optional.
	MetricsHandler http.Handler

	// EnableScenarios mounts /api/scenarios. Requires Handler.Catalogue.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Points routes
		r.Route("/points", func(r chi.Router) {
			r.Post("/earn", h.Earn)
			r.Post("/redeem", h.Redeem)
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
		})

		r.Get("/customers/{globalCustomerID}", h.GetCustomer)

		// Settlement routes
		r.Route("/settlement/accounts", func(r chi.Router) {
			r.Get("/", h.ListStoreAccounts)
			r.Get("/{storeID}", h.GetStoreAccount)
			r.Post("/{storeID}/rebuild", h.RebuildStoreAccount)
		})

		// Settings routes
		r.Route("/settings/{storeID}", func(r chi.Router) {
			r.Get("/", h.GetSettings)
			r.Put("/", h.UpdateSettings)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/customers/{globalCustomerID}/rebuild", h.RebuildCustomer)
			r.Post("/customers/{globalCustomerID}/expire", h.ExpireCustomer)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/expire", h.ExpireAll)
			r.Post("/reconcile", h.Reconcile)
		})

		// Scenario routes
		if opts.EnableScenarios && h.Catalogue != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one line per request through logrus.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
			})
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				entry.Error("request failed")
			case ww.Status() >= http.StatusBadRequest:
				entry.Info("request rejected")
			default:
				entry.Debug("request served")
			}
		})
	}
}
