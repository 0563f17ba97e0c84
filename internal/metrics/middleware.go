// Package metrics provides Prometheus metrics middleware for Gin
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// responseWriter wraps gin.ResponseWriter to capture response size
type responseWriter struct {
	gin.ResponseWriter
	size int
}

func (w *responseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.size += n
	return n, err
}

func (w *responseWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.size += n
	return n, err
}

// PrometheusMiddleware returns a Gin middleware that records HTTP metrics
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		// Skip metrics endpoint itself
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		rw := &responseWriter{ResponseWriter: c.Writer, size: 0}
		c.Writer = rw

		c.Next()

		// FullPath uses route placeholders like :id, which keeps cardinality bounded
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}

		m.RecordHTTPRequest(
			endpoint,
			c.Request.Method,
			c.Writer.Status(),
			time.Since(start),
			rw.size,
		)
	}
}

// PrometheusHandler returns the Prometheus HTTP handler
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// PrometheusHandlerHTTP returns a standard HTTP handler for metrics
func PrometheusHandlerHTTP() http.Handler {
	return promhttp.Handler()
}
