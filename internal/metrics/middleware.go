// Gin middleware and handler glue for the Prometheus collectors.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware records request counts and latency for every route
// except the metrics endpoint itself.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.RecordHTTPRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// PrometheusHandler exposes the registry as a Gin handler.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
