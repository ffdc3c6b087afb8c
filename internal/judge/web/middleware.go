package web

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
	"gavel/pkg/response"
)

// Trace assigns each request a trace id, reusing X-Request-ID when the
// caller supplies one, and threads it through the request context so log
// lines correlate.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set("trace_id", traceID)
		ctx := context.WithValue(c.Request.Context(), "trace_id", traceID) //nolint:staticcheck
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", traceID)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), "request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// Recovery converts panics into 500 responses instead of dropped
// connections.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error(c.Request.Context(), "handler panic", zap.Any("panic", recovered))
		response.ErrorWithCode(c, appErr.InternalError, "")
	})
}
