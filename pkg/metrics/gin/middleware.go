package gin

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
)

// PrometheusMiddleware records per-route request metrics. Requests that match
// no route share one label so unknown paths cannot explode cardinality.
func PrometheusMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(serviceName, c.Request.Method+" "+route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
