// Package middleware contains Gin middleware shared by the gateway's HTTP
// surface (health, metrics, and the websocket upgrade route).
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crdtsync/yredis-go/internal/logging"
)

// HeaderXCorrelationID is the header carrying the per-request correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation ID, reusing one the
// caller already supplied so traces survive a reverse proxy hop.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID))
		c.Next()
	}
}
