package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkdeal_http_requests_total",
		Help: "Total HTTP requests by method, route, and response status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkdeal_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkdeal_provider_calls_total",
		Help: "Identity provider management API calls by operation and result.",
	}, []string{"op", "result"})

	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkdeal_dependency_up",
		Help: "Whether the last probe of a backing service succeeded (1) or failed (0).",
	}, []string{"name"})
)

// PrometheusMiddleware records per-request metrics. Unmatched routes are
// counted under a single label to bound cardinality.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus registry.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordProviderCall counts one identity provider call. It matches the
// signature of idp.Client.SetMetricsRecorder.
func RecordProviderCall(op string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	providerCallsTotal.WithLabelValues(op, result).Inc()
}

// RecordDependency sets the probe gauge for one backing service. It matches
// the signature of health.Checker.SetMetricsRecord.
func RecordDependency(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	dependencyUp.WithLabelValues(name).Set(v)
}
