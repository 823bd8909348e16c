// Package requestid tags every call on the bridge's local API with a
// correlation id, echoed in the X-Request-ID response header and
// attached to the request log line.
package requestid

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerKey  = "X-Request-ID"
	contextKey = "request_id"
)

// Middleware assigns a request id, keeping one the caller supplied.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(headerKey)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		c.Set(contextKey, reqID)
		c.Writer.Header().Set(headerKey, reqID)

		c.Next()
	}
}

// Value returns the request id stored in the gin context.
func Value(c *gin.Context) string {
	if v, exists := c.Get(contextKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Field returns the request id as a zap field, a no-op when absent.
func Field(c *gin.Context) zap.Field {
	if id := Value(c); id != "" {
		return zap.String(contextKey, id)
	}
	return zap.Skip()
}
