package middleware

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Limiter is the fixed-window limiter contract the middleware delegates to.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}

// RateLimitPolicy configures per-route limits. Zero values disable a check.
type RateLimitPolicy struct {
	Window  time.Duration
	UserMax int
	IPMax   int
}

// RateLimitMiddleware enforces per-route rate limiting. On protected routes it
// runs after auth, so the user id is already resolved.
func RateLimitMiddleware(limiter Limiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		if policy.IPMax > 0 {
			key := fmt.Sprintf("warden:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.IPMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		if policy.UserMax > 0 {
			if userID, ok := c.Get("user_id"); ok {
				key := fmt.Sprintf("warden:rate:user:%v:%s", userID, routeKey)
				if err := limiter.Allow(c.Request.Context(), key, policy.UserMax, policy.Window); err != nil {
					response.AbortWithError(c, err)
					return
				}
			}
		}

		c.Next()
	}
}
