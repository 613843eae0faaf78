package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/observability"
	"github.com/openpulse/pulse/internal/platform/ctxutil"
	"github.com/openpulse/pulse/internal/ratelimit"
)

// RateLimit gates every request before classification. Exceeding the budget
// returns 429 with no further processing, keeping the rejected path cheap.
func RateLimit(limiter ratelimit.Limiter, m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ""
		if rd := ctxutil.GetRequestData(c.Request.Context()); rd != nil {
			key = rd.ClientIP
		}

		if !limiter.Allow(c.Request.Context(), key) {
			m.RateLimitedInc()
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
