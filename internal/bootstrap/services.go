package bootstrap

import (
	"fmt"
	"log"

	"github.com/hospitalgate/authgate/internal/client"
	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/ratelimit"
	"github.com/hospitalgate/authgate/internal/services"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/ulule/limiter/v3"
)

// serviceSet holds the business services
type serviceSet struct {
	audit         *services.AuditService
	clients       *services.ClientService
	authorization *services.AuthorizationService
	tokens        *services.TokenService
	grants        *services.GrantService
	introspection *services.IntrospectionService
}

// initializeAuditForwarder creates the PHI audit webhook forwarder. It
// returns nil when no webhook is configured.
func initializeAuditForwarder(cfg *config.Config) (*services.AuditForwarder, error) {
	if cfg.AuditWebhookURL == "" {
		return nil, nil //nolint:nilnil // forwarding is optional
	}

	retryClient, err := client.CreateRetryClient(client.RetryConfig{
		AuthMode:           cfg.AuditWebhookAuthMode,
		AuthSecret:         cfg.AuditWebhookAuthSecret,
		AuthHeader:         cfg.AuditWebhookAuthHeader,
		Timeout:            cfg.AuditWebhookTimeout,
		InsecureSkipVerify: cfg.AuditWebhookInsecureSkipVerify,
		MaxRetries:         cfg.AuditWebhookMaxRetries,
		RetryDelay:         cfg.AuditWebhookRetryDelay,
		MaxRetryDelay:      cfg.AuditWebhookMaxRetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit webhook client: %w", err)
	}

	log.Printf("PHI audit forwarding enabled (auth mode: %s)", cfg.AuditWebhookAuthMode)
	return services.NewAuditForwarder(retryClient, cfg.AuditWebhookURL, cfg.AuditLogBufferSize), nil
}

// initializeServices creates all business logic services
func initializeServices(
	cfg *config.Config,
	db *store.Store,
	limitStore limiter.Store,
	forwarder *services.AuditForwarder,
	prometheusMetrics metrics.Recorder,
) serviceSet {
	// Audit service (required by other services)
	auditService := services.NewAuditService(
		db,
		cfg.EnableAuditLogging,
		cfg.AuditLogBufferSize,
		forwarder,
	)

	clientService := services.NewClientService(db, auditService, prometheusMetrics)
	rateGate := services.NewClientRateGate(
		ratelimit.NewClientLimiter(limitStore),
		cfg,
		auditService,
		prometheusMetrics,
	)
	authorizationService := services.NewAuthorizationService(
		db,
		cfg,
		auditService,
		clientService,
		rateGate,
		prometheusMetrics,
	)
	tokenService := services.NewTokenService(db, cfg, auditService, prometheusMetrics)

	return serviceSet{
		audit:         auditService,
		clients:       clientService,
		authorization: authorizationService,
		tokens:        tokenService,
		grants: services.NewGrantService(
			db,
			cfg,
			clientService,
			authorizationService,
			tokenService,
			rateGate,
			auditService,
			prometheusMetrics,
		),
		introspection: services.NewIntrospectionService(db, cfg, auditService, prometheusMetrics),
	}
}
