package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CallerIDKey is the context key the caller middleware sets.
const CallerIDKey = "caller_id"

// CallerID resolves the calling tenant from the X-Caller-ID header or a
// Bearer token of the form "caller:<id>". Requests that identify no
// caller are rejected before they reach the gateway.
func CallerID() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader("X-Caller-ID")

		if caller == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer caller:") {
				caller = strings.TrimPrefix(authHeader, "Bearer caller:")
			}
		}

		if caller == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "caller identification required"})
			c.Abort()
			return
		}

		c.Set(CallerIDKey, caller)
		c.Next()
	}
}

// RequestLogger logs one line per request with method, path, status
// and wall latency.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
