package metrics

import "time"

// NoopMetrics discards every observation
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordAuthorizationCode(result string) {}
func (n *NoopMetrics) RecordCodeExchange(result string)      {}

func (n *NoopMetrics) RecordTokenIssued(category, grantType string, generationTime time.Duration) {
}

func (n *NoopMetrics) RecordTokenRevoked(category, reason string)                  {}
func (n *NoopMetrics) RecordTokenRefresh(success bool)                             {}
func (n *NoopMetrics) RecordTokenValidation(result string, duration time.Duration) {}

func (n *NoopMetrics) RecordClientAuthentication(success bool) {}
func (n *NoopMetrics) RecordOAuthError(endpoint, kind string)  {}
func (n *NoopMetrics) RecordRateLimited(scope string)          {}
func (n *NoopMetrics) RecordAccessDecision(phi, allowed bool)  {}

func (n *NoopMetrics) SetActiveTokensCount(category string, count int) {}
func (n *NoopMetrics) SetPendingAuthorizationCodesCount(count int)     {}
func (n *NoopMetrics) SetActiveClientsCount(count int)                 {}

func (n *NoopMetrics) RecordDatabaseQueryError(operation string) {}
