// Package metrics holds the Prometheus instruments of StudyPipe.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	skippedWindowsBuckets = []float64{0, 1, 2, 4, 8, 16, 52, 104}
)

// Metrics holds all Prometheus metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ScheduleComputationsTotal *prometheus.CounterVec
	ScheduleOverridesTotal    prometheus.Counter
	ScheduleSkippedWindows    prometheus.Histogram
	SweepParticipants         prometheus.Histogram

	NotificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studypipe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		ScheduleComputationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_schedule_computations_total",
			Help: "Total number of schedule computations by scheduler and outcome.",
		}, []string{"scheduler", "outcome"}),
		ScheduleOverridesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studypipe_schedule_overrides_total",
			Help: "Total number of schedules dictated by an external recording.",
		}),
		ScheduleSkippedWindows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studypipe_schedule_skipped_windows",
			Help:    "Lapsed windows fast-forwarded over per computation.",
			Buckets: skippedWindowsBuckets,
		}),
		SweepParticipants: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studypipe_sweep_participants",
			Help:    "Lapsed participants rescheduled per sweep.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_notifications_total",
			Help: "Total number of notification jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ScheduleComputationsTotal,
		m.ScheduleOverridesTotal,
		m.ScheduleSkippedWindows,
		m.SweepParticipants,
		m.NotificationsTotal,
	)
	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordScheduleComputation records one scheduling pass. skipped is only observed on success.
func (m *Metrics) RecordScheduleComputation(scheduler string, err error, overridden bool, skipped int) {
	if m == nil {
		return
	}
	if err != nil {
		m.ScheduleComputationsTotal.WithLabelValues(scheduler, OutcomeError).Inc()
		return
	}
	m.ScheduleComputationsTotal.WithLabelValues(scheduler, OutcomeSuccess).Inc()
	if overridden {
		m.ScheduleOverridesTotal.Inc()
	}
	m.ScheduleSkippedWindows.Observe(float64(skipped))
}

// RecordSweep records the number of participants a sweep rescheduled.
func (m *Metrics) RecordSweep(participants int) {
	if m == nil {
		return
	}
	m.SweepParticipants.Observe(float64(participants))
}

// RecordNotification records the outcome of a notification job.
func (m *Metrics) RecordNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics labelled with the
// ServeMux pattern that matched, so ids in paths do not explode label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, pattern, rw.statusCode, time.Since(start))
	})
}

// Handler returns the Prometheus scrape handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
