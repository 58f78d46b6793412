package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Engine metrics
	vendorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendor_requests_total",
			Help: "Total number of OCR vendor extraction requests",
		},
		[]string{"vendor", "status"},
	)

	vendorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendor_request_duration_seconds",
			Help:    "OCR vendor extraction duration in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"vendor"},
	)

	consensusRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_rows_total",
			Help: "Total number of merged rows by consensus outcome",
		},
		[]string{"outcome"},
	)

	guardDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Total number of case/artifact guard decisions",
		},
		[]string{"decision", "reason"},
	)

	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Total number of detections emitted",
		},
		[]string{"rule", "severity"},
	)

	savingsBasisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savings_basis_total",
			Help: "Total number of analyses by case-wide savings basis",
		},
		[]string{"basis"},
	)

	artifactsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifacts_processed_total",
			Help: "Total number of artifacts processed",
		},
		[]string{"status"},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if _, err := uuid.Parse(seg); err == nil {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// --- Engine metric helpers ---

// RecordVendorRequest records one vendor extraction attempt
func RecordVendorRequest(vendor, status string, duration time.Duration) {
	vendorRequestsTotal.WithLabelValues(vendor, status).Inc()
	vendorRequestDuration.WithLabelValues(vendor).Observe(duration.Seconds())
}

// RecordConsensusRow records the outcome of merging one row
func RecordConsensusRow(outcome string) {
	consensusRowsTotal.WithLabelValues(outcome).Inc()
}

// RecordGuardDecision records an accept/reject from the case/artifact guard
func RecordGuardDecision(accepted bool, reason string) {
	decision := "reject"
	if accepted {
		decision = "accept"
	}
	guardDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordDetection records an emitted detection
func RecordDetection(rule, severity string) {
	detectionsTotal.WithLabelValues(rule, severity).Inc()
}

// RecordSavingsBasis records the case-wide savings basis of an analysis
func RecordSavingsBasis(basis string) {
	savingsBasisTotal.WithLabelValues(basis).Inc()
}

// RecordArtifactProcessed records an artifact reaching a terminal status
func RecordArtifactProcessed(status string) {
	artifactsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
