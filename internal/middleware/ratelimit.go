package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// OperatorLimiter hands out one token bucket per operator.
type OperatorLimiter struct {
	mu       sync.Mutex
	qps      rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewOperatorLimiter(qps float64, burst int) *OperatorLimiter {
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = int(qps) * 2
	}
	return &OperatorLimiter{qps: rate.Limit(qps), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *OperatorLimiter) For(operatorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[operatorID]
	if !ok {
		lim = rate.NewLimiter(l.qps, l.burst)
		l.limiters[operatorID] = lim
	}
	return lim
}

func RateLimitMiddleware(l *OperatorLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 必须在 AuthMiddleware 之后使用
		p := PrincipalFrom(c)
		if p == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_FAILED", "message": "unauthorized"})
			c.Abort()
			return
		}

		if !l.For(p.OperatorID).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":        "RATE_LIMITED",
				"message":     "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
