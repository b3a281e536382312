package handlers

import (
	"log"
	"net/http"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/oautherr"

	"github.com/gin-gonic/gin"
)

const basicRealm = `Basic realm="hospitalgate"`

// respondError writes err as an OAuth error body with the status its kind
// maps to. Internal causes are logged, never returned.
func respondError(c *gin.Context, m metrics.Recorder, endpoint string, err error) {
	status, body := oautherr.Response(err)
	if m != nil {
		m.RecordOAuthError(endpoint, string(body.Error))
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[%s] %s %s: %v", endpoint, c.Request.Method, c.Request.URL.Path, err)
	}
	// RFC 6749 §5.2: 401 with a challenge for failed client authentication
	if body.Error == oautherr.InvalidClient {
		c.Header("WWW-Authenticate", basicRealm)
	}
	c.AbortWithStatusJSON(status, body)
}

// noStore marks a response as carrying credentials (RFC 6749 §5.1)
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
