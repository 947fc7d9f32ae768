// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels are
// kept bounded: the route label is the registered Gin route (for example
// /api/v1/conversations/:id/claim) and unmatched requests share a single
// "unmatched" value, so conversation ids never leak into label values.
// Error responses are additionally counted by their stable error code.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ctxKeyErrorCode = "error_code"
	unmatchedRoute  = "unmatched"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_http_requests_inflight",
			Help: "HTTP requests currently being served.",
		},
	)

	// httpErrors counts error responses by API error code (not_queued,
	// operator_unavailable, ...), which is what routing dashboards alert on.
	httpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_http_errors_total",
			Help: "HTTP error responses by route and error code.",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpErrors)
}

// SetErrorCode records the API error code of the response so that Metrics
// and RedactingLogger can report it.
func SetErrorCode(c *gin.Context, code string) { c.Set(ctxKeyErrorCode, code) }

// Metrics instruments every request. Mount /metrics with promhttp.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		status := c.Writer.Status()

		httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if status >= 400 {
			code := "unknown"
			if v, ok := c.Get(ctxKeyErrorCode); ok {
				if s := asString(v); s != "" {
					code = s
				}
			}
			httpErrors.WithLabelValues(route, code).Inc()
		}
	}
}
