package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}

// HTTPMetricsMiddleware records request count, latency and in-flight
// requests per route pattern. It is a pass-through for NoopMetrics.
func HTTPMetricsMiddleware(m Recorder) gin.HandlerFunc {
	metrics, ok := m.(*Metrics)
	if !ok {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		metrics.HTTPRequestsTotal.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Inc()
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordAuthorizationCode(result string) {
	m.AuthorizationCodesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCodeExchange(result string) {
	m.CodeExchangesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTokenIssued(category, grantType string, generationTime time.Duration) {
	m.TokensIssuedTotal.WithLabelValues(category, grantType).Inc()
	m.TokensActive.WithLabelValues(category).Inc()
	m.TokenGenerationDuration.WithLabelValues(grantType).Observe(generationTime.Seconds())
}

func (m *Metrics) RecordTokenRevoked(category, reason string) {
	m.TokensRevokedTotal.WithLabelValues(category, reason).Inc()
	m.TokensActive.WithLabelValues(category).Dec()
}

func (m *Metrics) RecordTokenRefresh(success bool) {
	m.TokensRefreshedTotal.WithLabelValues(result(success)).Inc()
}

// RecordTokenValidation records an introspection outcome (active, inactive)
func (m *Metrics) RecordTokenValidation(result string, duration time.Duration) {
	m.TokenValidationTotal.WithLabelValues(result).Inc()
	m.TokenValidationDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordClientAuthentication(success bool) {
	m.ClientAuthTotal.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) RecordOAuthError(endpoint, kind string) {
	m.OAuthErrorsTotal.WithLabelValues(endpoint, kind).Inc()
}

func (m *Metrics) RecordRateLimited(scope string) {
	m.RateLimitedTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordAccessDecision(phi, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.AccessDecisionsTotal.WithLabelValues(strconv.FormatBool(phi), decision).Inc()
}

func (m *Metrics) SetActiveTokensCount(category string, count int) {
	m.TokensActive.WithLabelValues(category).Set(float64(count))
}

func (m *Metrics) SetPendingAuthorizationCodesCount(count int) {
	m.AuthorizationCodesPending.Set(float64(count))
}

func (m *Metrics) SetActiveClientsCount(count int) {
	m.ClientsActive.Set(float64(count))
}

func (m *Metrics) RecordDatabaseQueryError(operation string) {
	m.DatabaseQueryErrorsTotal.WithLabelValues(operation).Inc()
}
