package utils

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDKey is the Gin context key holding the request id.
const RequestIDKey = "request_id"

// Ginzap logs every request through logger once the handler chain returns,
// tagged with the request id.
func Ginzap(logger *zap.Logger, timeFormat string, utc bool) gin.HandlerFunc {
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	return ginzap.GinzapWithConfig(logger, &ginzap.Config{
		TimeFormat: timeFormat,
		UTC:        utc,
		SkipPaths:  []string{"/health"},
		Context: func(c *gin.Context) []zapcore.Field {
			return []zapcore.Field{zap.String("request_id", c.GetString(RequestIDKey))}
		},
	})
}

// RecoveryWithZap turns panics into logged 500 responses with the API error body.
func RecoveryWithZap(logger *zap.Logger, stack bool) gin.HandlerFunc {
	return ginzap.CustomRecoveryWithZap(logger, stack, func(c *gin.Context, _ any) {
		Error(c, http.StatusInternalServerError, "Internal server error")
		c.Abort()
	})
}
