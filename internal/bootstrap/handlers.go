package bootstrap

import (
	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/handlers"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/middleware"
)

// handlerSet holds all HTTP handlers and the middleware they depend on
type handlerSet struct {
	token         *handlers.TokenHandler
	authorization *handlers.AuthorizationHandler
	client        *handlers.ClientHandler
	audit         *handlers.AuditHandler
	platformAuth  *middleware.PlatformAuth
	access        middleware.AccessAuthorizer
}

// initializeHandlers creates all HTTP handlers
func initializeHandlers(
	cfg *config.Config,
	svc serviceSet,
	prometheusMetrics metrics.Recorder,
) handlerSet {
	return handlerSet{
		token: handlers.NewTokenHandler(
			svc.grants,
			svc.tokens,
			svc.introspection,
			prometheusMetrics,
		),
		authorization: handlers.NewAuthorizationHandler(svc.authorization, prometheusMetrics),
		client:        handlers.NewClientHandler(svc.clients, prometheusMetrics),
		audit:         handlers.NewAuditHandler(svc.audit, prometheusMetrics),
		platformAuth:  middleware.NewPlatformAuth(cfg.PlatformJWTSecret, cfg.PlatformJWTIssuer),
		access:        svc.introspection,
	}
}
