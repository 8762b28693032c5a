package middleware

import (
	"time"

	"github.com/GoPolymarket/mmengine/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		// 用路由模板做标签, 避免 id 造成高基数
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(path).Observe(duration)
	}
}
