// Package metrics exposes Prometheus collectors for probes, notifications
// and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpointwatch_probes_total",
			Help: "Total number of endpoint probes by result",
		},
		[]string{"result"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "endpointwatch_probe_duration_seconds",
			Help:    "Endpoint probe latency",
			Buckets: prometheus.DefBuckets,
		},
	)
	cycleDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "endpointwatch_check_cycle_duration_seconds",
			Help: "Duration of the last full check cycle",
		},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpointwatch_notifications_total",
			Help: "Total number of notification deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		probesTotal,
		probeDuration,
		cycleDuration,
		notificationsTotal,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// Probe results.
const (
	ProbeUp          = "up"
	ProbeDown        = "down"
	ProbeUnreachable = "unreachable"
)

// ObserveProbe records one probe.
func ObserveProbe(result string, latency time.Duration) {
	probesTotal.WithLabelValues(result).Inc()
	probeDuration.Observe(latency.Seconds())
}

// ObserveCycle records the duration of a check cycle.
func ObserveCycle(d time.Duration) {
	cycleDuration.Set(d.Seconds())
}

// ObserveNotification records one delivery outcome.
func ObserveNotification(channel, status string) {
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and their latency. The path label is the
// matched route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
