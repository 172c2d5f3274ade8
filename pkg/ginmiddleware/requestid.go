// Package ginmiddleware provides the HTTP middleware used by the API server:
// request identifiers, panic recovery, CORS and a sliding window rate limit.
package ginmiddleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDKey = "requestID"

// RequestIDFrom extracts the request ID set by RequestID.
// It returns an empty string if no request ID is present.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestID ensures every request has a unique identifier. If the incoming
// request already carries a valid X-Request-ID header, that value is reused.
// Otherwise a new UUID v4 is generated. The ID is set on the response
// X-Request-ID header and stored in the gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if !isValidRequestID(id) {
			id = uuid.New().String()
		}

		c.Header("X-Request-ID", id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

// isValidRequestID checks that id is non-empty, at most 128 bytes, and
// contains only printable ASCII (0x20–0x7E).
func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
