package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// userHeader carries the authenticated caller's identity, set by the API
// gateway in front of this service.
const userHeader = "X-User-ID"

const userContextKey = "user_id"

// requireUser rejects user-scoped requests without a caller identity.
func (h *Handler) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(userHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
			return
		}
		c.Set(userContextKey, id)
		c.Next()
	}
}

// userID returns the caller identity set by requireUser.
func userID(c *gin.Context) string {
	return c.GetString(userContextKey)
}

// timeout bounds each API request so a stuck store cannot hold connections
// open indefinitely. Routes past the deadline surface as timeout outcomes.
func (h *Handler) timeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.requestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// observe records per-route request durations labeled by route template and
// status code.
func (h *Handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		h.metrics.HTTPDuration.
			WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
