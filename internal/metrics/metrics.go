package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtecfix_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	satellitesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_satellites_processed_total",
			Help: "Satellites processed by the correction pipeline, by outcome.",
		},
		[]string{"outcome"},
	)

	cycleSlipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_cycle_slips_total",
			Help: "Non-zero cycle slip corrections applied.",
		},
		[]string{"constellation", "trigger"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtecfix_run_duration_seconds",
			Help:    "Wall time of one dataset correction run.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	satelliteDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtecfix_satellite_duration_seconds",
			Help:    "Wall time of one satellite pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	spoolFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_spool_files_total",
			Help: "Observation files picked up from the spool directory, by status.",
		},
		[]string{"status"},
	)

	configReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_config_reloads_total",
			Help: "Configuration file reloads, by status.",
		},
		[]string{"status"},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_stream_connections_total",
			Help: "SSE stream connects and disconnects.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtecfix_streams_active",
			Help: "Currently open SSE streams.",
		},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtecfix_stream_messages_total",
			Help: "SSE data messages sent.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtecfix_stream_bytes_total",
			Help: "Bytes written to SSE streams.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtecfix_stream_errors_total",
			Help: "SSE stream errors, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(satellitesTotal)
	prometheus.MustRegister(cycleSlipsTotal)
	prometheus.MustRegister(runDurationSeconds)
	prometheus.MustRegister(satelliteDurationSeconds)
	prometheus.MustRegister(spoolFilesTotal)
	prometheus.MustRegister(configReloadsTotal)
	prometheus.MustRegister(streamConnectionsTotal)
	prometheus.MustRegister(streamsActive)
	prometheus.MustRegister(streamMessagesTotal)
	prometheus.MustRegister(streamBytesTotal)
	prometheus.MustRegister(streamErrorsTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records one orchestrator run and its per-satellite outcome counts.
func RecordRun(duration time.Duration, succeeded, failed int) {
	runDurationSeconds.Observe(duration.Seconds())
	satellitesTotal.WithLabelValues("ok").Add(float64(succeeded))
	satellitesTotal.WithLabelValues("error").Add(float64(failed))
}

// RecordSatellite records the duration of a single satellite pipeline run.
func RecordSatellite(duration time.Duration) {
	satelliteDurationSeconds.Observe(duration.Seconds())
}

// RecordCycleSlip counts one applied correction.
func RecordCycleSlip(constellation, trigger string) {
	cycleSlipsTotal.WithLabelValues(constellation, trigger).Inc()
}

// RecordSpoolFile counts a spool file by status ("ok", "parse_error",
// "write_error", "store_error").
func RecordSpoolFile(status string) {
	spoolFilesTotal.WithLabelValues(status).Inc()
}

// RecordConfigReload counts a configuration reload attempt.
func RecordConfigReload(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	configReloadsTotal.WithLabelValues(status).Inc()
}

// IncStreamConnections counts a stream "connect" or "disconnect".
func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
}

// IncStreamsActive increments the open stream gauge.
func IncStreamsActive() {
	streamsActive.Inc()
}

// DecStreamsActive decrements the open stream gauge.
func DecStreamsActive() {
	streamsActive.Dec()
}

// IncStreamMessages counts one SSE data message.
func IncStreamMessages() {
	streamMessagesTotal.Inc()
}

// AddStreamBytes adds n written bytes.
func AddStreamBytes(n int64) {
	streamBytesTotal.Add(float64(n))
}

// IncStreamErrors counts a stream error ("rate_limit", "send_error").
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// knownRoutes are exact paths reported under their own label.
var knownRoutes = map[string]bool{
	"/healthz":            true,
	"/readyz":             true,
	"/metrics":            true,
	"/api/v1/runs":        true,
	"/api/v1/runs/latest": true,
	"/api/v1/correct":     true,
	"/api/v1/stream/runs": true,
}

const satRoutePrefix = "/api/v1/runs/latest/"

// normalizeRoute maps a request path to a bounded set of labels.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, satRoutePrefix); ok && rest != "" && !strings.Contains(rest, "/") {
		return satRoutePrefix + "{sat}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
