package middleware

import (
	"github.com/gin-gonic/gin"

	"sandbox-hypervisor/internal/ids"
)

const (
	RequestIDKey    = "requestID"
	RequestIDHeader = "X-Request-Id"
)

// RequestID keeps a well-formed incoming X-Request-Id and mints one
// otherwise. The id is echoed on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !ids.Valid(id) {
			id = ids.New()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
