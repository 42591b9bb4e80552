package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "securevault-backend/pkg/errors"
	"securevault-backend/pkg/logger"
	"securevault-backend/pkg/metrics"
	"securevault-backend/pkg/response"
)

// poolUsageThreshold is the share of acquired connections at which new
// requests are shed
const poolUsageThreshold = 0.8

// PoolUsage reports connection pool occupancy
type PoolUsage interface {
	Usage() (acquired, idle, max int32)
}

// DBPoolLimiter implements connection pool exhaustion protection
type DBPoolLimiter struct {
	pool    PoolUsage
	metrics *metrics.Metrics
}

// NewDBPoolLimiter creates a new database pool limiter
func NewDBPoolLimiter(pool PoolUsage, m *metrics.Metrics) *DBPoolLimiter {
	return &DBPoolLimiter{pool: pool, metrics: m}
}

// Middleware answers 503 while the pool is close to exhaustion
func (dpl *DBPoolLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		acquired, idle, maxConns := dpl.pool.Usage()
		dpl.metrics.SetDBConnections(int(acquired), int(idle))

		if usage := dpl.Usage(); usage >= poolUsageThreshold {
			logger.FromContext(c.Request.Context(), nil).Warn("Database connection pool exhausted",
				zap.Int32("max_conns", maxConns),
				zap.Int32("acquired", acquired),
				zap.Float64("pool_usage", usage),
			)
			response.FromError(c, apperrors.ServiceUnavailableError("Service temporarily unavailable"))
			return
		}

		c.Next()
	}
}

// Usage returns the acquired share of the pool
func (dpl *DBPoolLimiter) Usage() float64 {
	acquired, _, maxConns := dpl.pool.Usage()
	if maxConns == 0 {
		return 0
	}
	return float64(acquired) / float64(maxConns)
}
