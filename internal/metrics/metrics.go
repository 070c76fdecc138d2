// Package metrics provides the Prometheus collectors for the discovery engine
// and the HTTP API, plus the Gin middleware and /metrics handler.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmeet_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nostrmeet_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	eventsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nostrmeet_events_received_total",
			Help: "Relay events delivered to the discovery service",
		},
	)
	eventsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nostrmeet_events_duplicate_total",
			Help: "Relay events ignored because their id was already stored",
		},
	)
	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmeet_events_dropped_total",
			Help: "Relay events discarded before reaching the store",
		},
		[]string{"reason"},
	)
	decodePathTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmeet_decode_path_total",
			Help: "Check-in content decoded, by decoder strategy",
		},
		[]string{"strategy"},
	)
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmeet_publish_total",
			Help: "Check-in publish attempts by outcome",
		},
		[]string{"outcome"},
	)
	resubscriptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nostrmeet_resubscriptions_total",
			Help: "Subscriptions issued after a sector change",
		},
	)
	storeSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nostrmeet_store_checkins",
			Help: "Check-ins currently held in the store",
		},
	)
	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nostrmeet_relay_connections",
			Help: "Open relay websocket connections",
		},
	)

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		eventsReceivedTotal,
		eventsDuplicateTotal,
		eventsDroppedTotal,
		decodePathTotal,
		publishTotal,
		resubscriptionsTotal,
		storeSize,
		relayConnections,
	)
}

// PrometheusMiddleware returns a Gin middleware that records request count
// and duration.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		// Skip metrics endpoint to avoid self-referential metrics
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath keeps label cardinality bounded.
func normalizePath(path string) string {
	switch {
	case path == "/", path == "/healthz", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/v0/"):
		parts := strings.SplitN(strings.TrimPrefix(path, "/v0/"), "/", 2)
		return "/v0/" + parts[0]
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEventReceived counts one delivered relay event.
func RecordEventReceived() {
	if !IsMetricsEnabled() {
		return
	}
	eventsReceivedTotal.Inc()
}

// RecordDuplicate counts an event whose id was already stored.
func RecordDuplicate() {
	if !IsMetricsEnabled() {
		return
	}
	eventsDuplicateTotal.Inc()
}

// RecordDropped counts a discarded event, e.g. reason "missing_location".
func RecordDropped(reason string) {
	if !IsMetricsEnabled() {
		return
	}
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDecodePath counts which decoder strategy produced a payload.
func RecordDecodePath(strategy string) {
	if !IsMetricsEnabled() {
		return
	}
	decodePathTotal.WithLabelValues(strategy).Inc()
}

// RecordPublish counts a publish outcome: "ok", "failed" or "unauthenticated".
func RecordPublish(outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	publishTotal.WithLabelValues(outcome).Inc()
}

// RecordResubscription counts a subscription issued for a new sector.
func RecordResubscription() {
	if !IsMetricsEnabled() {
		return
	}
	resubscriptionsTotal.Inc()
}

// SetStoreSize sets the store size gauge.
func SetStoreSize(n int) {
	if !IsMetricsEnabled() {
		return
	}
	storeSize.Set(float64(n))
}

// AddRelayConnections adjusts the open relay connection gauge by delta.
func AddRelayConnections(delta int) {
	if !IsMetricsEnabled() {
		return
	}
	relayConnections.Add(float64(delta))
}
