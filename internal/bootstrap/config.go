package bootstrap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hospitalgate/authgate/internal/config"
)

// validateAllConfiguration validates all configuration settings
func validateAllConfiguration(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateAuditWebhookConfig(cfg); err != nil {
		return fmt.Errorf("invalid audit webhook configuration: %w", err)
	}
	return nil
}

// validateAuditWebhookConfig checks that the PHI audit forwarder can sign
// its requests
func validateAuditWebhookConfig(cfg *config.Config) error {
	if cfg.AuditWebhookURL == "" {
		return nil
	}
	if !strings.HasPrefix(cfg.AuditWebhookURL, "https://") &&
		!strings.HasPrefix(cfg.AuditWebhookURL, "http://") {
		return fmt.Errorf("AUDIT_WEBHOOK_URL must be an http(s) URL: %q", cfg.AuditWebhookURL)
	}

	switch cfg.AuditWebhookAuthMode {
	case "", "none":
		if cfg.IsProduction() {
			return errors.New("AUDIT_WEBHOOK_AUTH_MODE must be simple or hmac in production")
		}
	case "simple", "hmac":
		if cfg.AuditWebhookAuthSecret == "" {
			return fmt.Errorf(
				"AUDIT_WEBHOOK_AUTH_SECRET is required when AUDIT_WEBHOOK_AUTH_MODE=%s",
				cfg.AuditWebhookAuthMode,
			)
		}
	default:
		return fmt.Errorf(
			"invalid AUDIT_WEBHOOK_AUTH_MODE: %s (must be: none, simple, hmac)",
			cfg.AuditWebhookAuthMode,
		)
	}
	return nil
}
