package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware protects the admin and query routes with a shared API key.
// An empty key disables the routes entirely rather than leaving them open.
func AdminAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			response.AbortJSON(c, http.StatusServiceUnavailable, response.CodeUnauthorized, "Admin API is not configured")
			return
		}

		// Get API key from header, falling back to query parameter
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}

		if provided == "" {
			response.AbortJSON(c, http.StatusUnauthorized, response.CodeUnauthorized, "Missing api_key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			logging.Warnf("Rejected admin request with invalid api_key - path: %s, ip: %s", c.Request.URL.Path, c.ClientIP())
			response.AbortJSON(c, http.StatusUnauthorized, response.CodeUnauthorized, "Invalid api_key")
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}
