/*
Package metrics exposes Prometheus metrics for the points engine.

Recorder owns its own registry, so tests and multiple servers in one process
never collide on the default registerer.

ENGINE METRICS (via points.Observer):
  loyalty_points_transactions_total{type,store_id}
  loyalty_points_volume_total{type}           absolute points moved
  loyalty_points_rejections_total{reason}
  loyalty_points_drift_repairs_total{kind}    balance | store_account

HTTP METRICS (via Middleware):
  loyalty_http_requests_total{method,route,status}
  loyalty_http_request_duration_seconds{method,route}
  loyalty_http_in_flight_requests
*/
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/loyalty-engine/points"
)

const namespace = "loyalty"

// Recorder collects engine and HTTP metrics.
type Recorder struct {
	registry *prometheus.Registry

	transactions *prometheus.CounterVec
	volume       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	repairs      *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ points.Observer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "transactions_total",
			Help:      "Ledger transactions committed, by type and store.",
		}, []string{"type", "store_id"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "volume_total",
			Help:      "Absolute points moved by committed transactions.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "rejections_total",
			Help:      "Requests rejected before touching the ledger.",
		}, []string{"reason"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "drift_repairs_total",
			Help:      "Cached aggregates rebuilt because they disagreed with the log.",
		}, []string{"kind"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests currently being served.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		r.transactions,
		r.volume,
		r.rejections,
		r.repairs,
		r.httpInFlight,
		r.httpRequests,
		r.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return r
}

// Registry is exposed for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// =============================================================================
// points.Observer
// =============================================================================

func (r *Recorder) TransactionRecorded(tx points.Transaction) {
	store := string(tx.StoreID())
	if store == "" {
		store = "none"
	}
	r.transactions.WithLabelValues(string(tx.Type), store).Inc()

	n := tx.Points
	if n < 0 {
		n = -n
	}
	r.volume.WithLabelValues(string(tx.Type)).Add(float64(n))
}

func (r *Recorder) Rejected(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Recorder) DriftRepaired(kind string) {
	r.repairs.WithLabelValues(kind).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request counts and latency. The route label is chi's
// matched pattern, so path parameters do not explode cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/metrics" {
			next.ServeHTTP(w, req)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		r.httpInFlight.Inc()
		defer r.httpInFlight.Dec()

		next.ServeHTTP(rec, req)

		route := routePattern(req)
		method := strings.ToUpper(req.Method)
		r.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(req *http.Request) string {
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
