package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records authorization server metrics. Metrics is the Prometheus
// implementation; NoopMetrics is used when metrics are disabled.
type Recorder interface {
	// Authorization codes
	RecordAuthorizationCode(result string)
	RecordCodeExchange(result string)

	// Tokens
	RecordTokenIssued(category, grantType string, generationTime time.Duration)
	RecordTokenRevoked(category, reason string)
	RecordTokenRefresh(success bool)
	RecordTokenValidation(result string, duration time.Duration)

	// Clients and requests
	RecordClientAuthentication(success bool)
	RecordOAuthError(endpoint, kind string)
	RecordRateLimited(scope string)

	// Resource access decisions
	RecordAccessDecision(phi, allowed bool)

	// Gauges, refreshed periodically from the store
	SetActiveTokensCount(category string, count int)
	SetPendingAuthorizationCodesCount(count int)
	SetActiveClientsCount(count int)

	RecordDatabaseQueryError(operation string)
}

var _ Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus collectors for the server
type Metrics struct {
	// Authorization codes
	AuthorizationCodesTotal   *prometheus.CounterVec
	CodeExchangesTotal        *prometheus.CounterVec
	AuthorizationCodesPending prometheus.Gauge

	// Tokens
	TokensIssuedTotal       *prometheus.CounterVec
	TokensRevokedTotal      *prometheus.CounterVec
	TokensRefreshedTotal    *prometheus.CounterVec
	TokenValidationTotal    *prometheus.CounterVec
	TokensActive            *prometheus.GaugeVec
	TokenGenerationDuration *prometheus.HistogramVec
	TokenValidationDuration prometheus.Histogram

	// Clients and errors
	ClientAuthTotal      *prometheus.CounterVec
	ClientsActive        prometheus.Gauge
	OAuthErrorsTotal     *prometheus.CounterVec
	RateLimitedTotal     *prometheus.CounterVec
	AccessDecisionsTotal *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DatabaseQueryErrorsTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns the Prometheus recorder registered on the default registry,
// or a NoopMetrics when disabled. Registration happens once per process.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}

	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates all collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AuthorizationCodesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_authorization_codes_total",
				Help: "Total number of authorization requests by outcome",
			},
			[]string{"result"}, // issued, denied
		),
		CodeExchangesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_code_exchanges_total",
				Help: "Total number of authorization code redemptions by outcome",
			},
			[]string{"result"}, // success, invalid, replayed
		),
		AuthorizationCodesPending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "oauth_authorization_codes_pending",
				Help: "Current number of unexpired, unredeemed authorization codes",
			},
		),

		TokensIssuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"token_type", "grant_type"},
		),
		TokensRevokedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_tokens_revoked_total",
				Help: "Total number of tokens revoked",
			},
			[]string{"token_type", "reason"}, // reason: client_request, client_revoked, rotation
		),
		TokensRefreshedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_tokens_refreshed_total",
				Help: "Total number of refresh grant attempts",
			},
			[]string{"result"},
		),
		TokenValidationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_token_validation_total",
				Help: "Total number of token validations",
			},
			[]string{"result"}, // active, inactive
		),
		TokensActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oauth_tokens_active",
				Help: "Current number of active tokens",
			},
			[]string{"token_type"},
		),
		TokenGenerationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oauth_token_generation_duration_seconds",
				Help:    "Time taken to generate and persist tokens",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"grant_type"},
		),
		TokenValidationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oauth_token_validation_duration_seconds",
				Help:    "Time taken to validate tokens",
				Buckets: prometheus.DefBuckets,
			},
		),

		ClientAuthTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_client_authentication_total",
				Help: "Total number of client credential checks",
			},
			[]string{"result"},
		),
		ClientsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "oauth_clients_active",
				Help: "Current number of active registered clients",
			},
		),
		OAuthErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_errors_total",
				Help: "Total number of error responses by endpoint and error kind",
			},
			[]string{"endpoint", "kind"},
		),
		RateLimitedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_rate_limited_total",
				Help: "Total number of requests rejected by a rate limit",
			},
			[]string{"scope"}, // client, ip
		),
		AccessDecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_access_decisions_total",
				Help: "Total number of resource access decisions",
			},
			[]string{"phi", "result"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "http_request_duration_seconds",
				Help: "HTTP request latency in seconds",
				Buckets: []float64{
					0.001, 0.005, 0.010, 0.025, 0.050, 0.100,
					0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
				},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being served",
			},
		),

		DatabaseQueryErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_query_errors_total",
				Help: "Total number of database query errors during metric collection",
			},
			[]string{"operation"},
		),
	}
}
