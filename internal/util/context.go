package util

import (
	"context"

	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	ipContextKey        contextKey = "client_ip"
	userAgentContextKey contextKey = "user_agent"
)

// IPMiddleware extracts client IP and user agent and stores them in the
// request context so services can record them in audit entries.
func IPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := SetIPContext(c.Request.Context(), c.ClientIP())
		ctx = SetUserAgentContext(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// SetIPContext returns a copy of ctx carrying ip
func SetIPContext(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipContextKey, ip)
}

// GetIPFromContext extracts the client IP address from the context
func GetIPFromContext(ctx context.Context) string {
	if ginCtx, ok := ctx.(*gin.Context); ok {
		return ginCtx.ClientIP()
	}
	if ip, ok := ctx.Value(ipContextKey).(string); ok {
		return ip
	}
	return ""
}

// SetUserAgentContext returns a copy of ctx carrying ua
func SetUserAgentContext(ctx context.Context, ua string) context.Context {
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentContextKey, ua)
}

// GetUserAgentFromContext extracts the user agent from the context
func GetUserAgentFromContext(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentContextKey).(string); ok {
		return ua
	}
	return ""
}
