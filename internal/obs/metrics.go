package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger metrics. Points counters move only on committed mutations.
var (
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_transactions_total",
			Help: "Ledger transactions appended, by type.",
		},
		[]string{"type"},
	)

	pointsDecayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reputation_points_decayed_total",
		Help: "Total points eroded by decay.",
	})

	batchRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reputation_decay_batch_runs_total",
		Help: "Batch decay invocations.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		transactionsTotal, pointsDecayedTotal, batchRunsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransaction records a committed ledger append.
func ObserveTransaction(txType string) {
	transactionsTotal.WithLabelValues(txType).Inc()
}

// ObserveDecay records decayed points (manual or batch application).
func ObserveDecay(amount int64) {
	if amount > 0 {
		pointsDecayedTotal.Add(float64(amount))
	}
}

// ObserveBatchRun records one batch decay invocation.
func ObserveBatchRun() {
	batchRunsTotal.Inc()
}

// CanonicalPath collapses per-entity path segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 3 || segments[0] != "v1" || segments[1] != "orgs" {
		return path
	}
	segments[2] = ":org"
	if len(segments) >= 5 {
		switch segments[3] {
		case "accounts":
			segments[4] = ":account"
		case "transactions":
			segments[4] = ":id"
		case "awarders":
			segments[4] = ":identity"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
