// Package metrics provides Prometheus instrumentation for the
// facilitator: HTTP-layer request counters/latency plus domain counters
// for verify/settle outcomes and bridge job lifecycle transitions.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled bool

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	verifyTotal      *prometheus.CounterVec
	settleTotal      *prometheus.CounterVec
	bridgeJobTotal   *prometheus.CounterVec
	bridgeAttempts   prometheus.Histogram
	bridgeJobLatency *prometheus.HistogramVec
)

// Init initializes the metrics system. Calling it with enabledFlag=false
// leaves all recording functions as safe no-ops.
func Init(enabledFlag bool) {
	enabled = enabledFlag
	if !enabled {
		return
	}

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facilitator_http_requests_total",
			Help: "Total number of HTTP requests handled by the facilitator.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "facilitator_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	verifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x402_verify_total",
			Help: "Total number of /verify calls by scheme, network, and result.",
		},
		[]string{"scheme", "network", "result"},
	)

	settleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x402_settle_total",
			Help: "Total number of /settle calls by scheme, network, and result.",
		},
		[]string{"scheme", "network", "result"},
	)

	bridgeJobTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_job_total",
			Help: "Total number of bridge job status transitions.",
		},
		[]string{"source_network", "destination_network", "status"},
	)

	bridgeAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_job_attempts",
			Help:    "Number of attempts a bridge job took before reaching a terminal state.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	bridgeJobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_job_duration_seconds",
			Help:    "Wall-clock time from bridge job creation to a terminal state.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
}

// Enabled reports whether metrics recording is active.
func Enabled() bool {
	return enabled
}

// Handler returns the Prometheus scrape handler. When metrics are
// disabled it answers 404, matching the ambient pattern's opt-in shape.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// RecordVerify records the outcome of one /verify dispatch.
func RecordVerify(scheme, network, result string) {
	if !enabled {
		return
	}
	verifyTotal.WithLabelValues(scheme, network, result).Inc()
}

// RecordSettle records the outcome of one /settle dispatch.
func RecordSettle(scheme, network, result string) {
	if !enabled {
		return
	}
	settleTotal.WithLabelValues(scheme, network, result).Inc()
}

// RecordBridgeJobStatus records a bridge job entering the given status.
func RecordBridgeJobStatus(sourceNetwork, destNetwork, status string) {
	if !enabled {
		return
	}
	bridgeJobTotal.WithLabelValues(sourceNetwork, destNetwork, status).Inc()
}

// RecordBridgeJobTerminal records a bridge job's final attempt count and
// its time-to-terminal-state, once it leaves the retry loop for good.
func RecordBridgeJobTerminal(status string, attempts int, elapsed time.Duration) {
	if !enabled {
		return
	}
	bridgeAttempts.Observe(float64(attempts))
	bridgeJobLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

// Middleware returns HTTP middleware recording request counts and
// latency, with path normalization to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	if !enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			path := normalizePath(r.URL.Path)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
			httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// normalizePath collapses admin bridge-job IDs into a placeholder so
// per-job label values don't leak into the metric cardinality.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/admin/bridge-jobs/") {
		return path
	}
	rest := strings.TrimPrefix(path, "/admin/bridge-jobs/")
	if rest == "" {
		return path
	}
	segments := strings.SplitN(rest, "/", 2)
	if len(segments[0]) == 0 {
		return path
	}
	if len(segments) == 2 {
		return "/admin/bridge-jobs/{id}/" + segments[1]
	}
	return "/admin/bridge-jobs/{id}"
}
