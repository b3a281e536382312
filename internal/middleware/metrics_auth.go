package middleware

import (
	"crypto/subtle"

	"github.com/hospitalgate/authgate/internal/oautherr"

	"github.com/gin-gonic/gin"
)

var ErrMetricsUnauthorized = oautherr.New(oautherr.InvalidClient, "valid metrics bearer token required")

// MetricsAuthMiddleware protects /metrics with a static bearer token. An
// empty token leaves the endpoint open.
func MetricsAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		provided := bearerToken(c.GetHeader("Authorization"))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="Metrics"`)
			abortWithError(c, ErrMetricsUnauthorized)
			return
		}

		c.Next()
	}
}
