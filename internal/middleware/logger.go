package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"securevault-backend/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger assigns a request ID and logs each request once it completes.
// Query strings are never logged since share URLs carry their token there.
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	if base == nil {
		base = logger.Log
	}
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Writer.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if p, ok := GetPrincipal(c); ok {
			fields = append(fields, zap.String("principal_id", p.ID.String()))
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			base.Error("HTTP request", fields...)
		case status >= 400:
			base.Warn("HTTP request", fields...)
		default:
			base.Info("HTTP request", fields...)
		}
	}
}
