package services

import (
	"context"
	"log"
	"time"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/ratelimit"
)

var ErrClientRateLimited = oautherr.New(oautherr.RateLimited, "client request rate exceeded")

// ClientRateGate enforces each client's request budget. A nil gate or a
// gate without a limiter lets everything through.
type ClientRateGate struct {
	limiter      *ratelimit.ClientLimiter
	config       *config.Config
	auditService *AuditService
	metrics      metrics.Recorder
}

func NewClientRateGate(
	limiter *ratelimit.ClientLimiter,
	cfg *config.Config,
	auditService *AuditService,
	m metrics.Recorder,
) *ClientRateGate {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &ClientRateGate{limiter: limiter, config: cfg, auditService: auditService, metrics: m}
}

// Check counts one request against client's budget. The client's own limit
// wins over the configured default.
func (g *ClientRateGate) Check(ctx context.Context, client *models.OAuthClient) error {
	if g == nil || g.limiter == nil {
		return nil
	}

	limit := int64(g.config.DefaultClientRateLimit)
	window := g.config.DefaultClientRateWindow
	if client.RateLimitRequests > 0 && client.RateLimitWindow > 0 {
		limit = int64(client.RateLimitRequests)
		window = time.Duration(client.RateLimitWindow) * time.Second
	}

	res, err := g.limiter.Allow(ctx, client.ClientID, limit, window)
	if err != nil {
		log.Printf("[RateLimit] Limiter unavailable for client %s: %v", client.ClientID, err)
		return oautherr.Wrap(oautherr.ServerError, "rate limiter unavailable", err)
	}
	if res.Allowed {
		return nil
	}

	g.metrics.RecordRateLimited("client")
	if g.auditService != nil {
		g.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventRateLimitExceeded,
			Severity:       models.SeverityWarning,
			OrganizationID: client.OrganizationID,
			ClientID:       client.ClientID,
			ResourceType:   models.ResourceClient,
			ResourceID:     client.ClientID,
			Action:         "Client rate limit exceeded",
			Details: models.AuditDetails{
				"limit":  res.Limit,
				"window": window.String(),
			},
			Success: false,
		})
	}
	return ErrClientRateLimited
}
