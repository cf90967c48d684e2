package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Governance protocol counters.
var (
	ProposalsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_proposals_created_total",
			Help: "Proposals created, by proposal type.",
		},
		[]string{"type"},
	)

	VotesCast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_votes_cast_total",
			Help: "Accepted votes, by decision.",
		},
		[]string{"decision"},
	)

	ProposalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_proposal_transitions_total",
			Help: "Proposal status transitions.",
		},
		[]string{"to"},
	)

	SessionsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signing_sessions_terminal_total",
			Help: "Remote signing sessions reaching a terminal status.",
		},
		[]string{"purpose", "status"},
	)

	RelayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_relay_failures_total",
			Help: "Failed relay attempts against the multi-sig contract.",
		},
		[]string{"op"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		ProposalsCreated, VotesCast, ProposalTransitions,
		SessionsTerminal, RelayFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency and in-flight requests for a handler.
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

// statusWriter captures the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the instrumented wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
