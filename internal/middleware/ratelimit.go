package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"securevault-backend/internal/ephemeral"
	apperrors "securevault-backend/pkg/errors"
	"securevault-backend/pkg/logger"
	"securevault-backend/pkg/response"
)

// RateLimiter counts requests per caller in fixed windows on the ephemeral
// store. While the store is degraded, or when a count fails, the process-local
// fallback store keeps counting.
type RateLimiter struct {
	scope    string
	store    ephemeral.Store
	fallback ephemeral.Store
	degraded func() bool
	requests int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
// requests is the number allowed per window; fallback and degraded may be nil.
func NewRateLimiter(scope string, store, fallback ephemeral.Store, degraded func() bool, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		scope:    scope,
		store:    store,
		fallback: fallback,
		degraded: degraded,
		requests: requests,
		window:   window,
	}
}

// Middleware returns a Gin middleware for rate limiting.
// Authenticated callers are counted by principal, others by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var identifier string
		if p, ok := GetPrincipal(c); ok {
			identifier = "user:" + p.ID.String()
		} else {
			identifier = "ip:" + c.ClientIP()
		}

		count, err := rl.count(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open when neither store can count
			logger.FromContext(c.Request.Context(), nil).Warn("Rate limit check failed",
				zap.String("scope", rl.scope),
				zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if int(count) > rl.requests {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			response.FromError(c, apperrors.RateLimitExceededError())
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) count(ctx context.Context, identifier string) (int64, error) {
	key := ephemeral.RateKey(rl.scope, identifier)

	if rl.degraded == nil || !rl.degraded() {
		count, err := rl.store.Incr(ctx, key, rl.window)
		if err == nil || rl.fallback == nil {
			return count, err
		}
	}
	if rl.fallback == nil {
		return 0, nil
	}
	return rl.fallback.Incr(ctx, key, rl.window)
}
