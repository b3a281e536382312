// Package client builds the outbound HTTP clients the server uses to talk to
// external systems.
package client

import (
	"fmt"
	"time"

	httpclient "github.com/appleboy/go-httpclient"
	retry "github.com/appleboy/go-httpretry"
)

const defaultAuthHeader = "X-API-Secret"

// RetryConfig describes an authenticated outbound endpoint
type RetryConfig struct {
	AuthMode           string // "none", "simple" or "hmac"
	AuthSecret         string
	AuthHeader         string // header carrying the secret in simple mode
	Timeout            time.Duration
	InsecureSkipVerify bool
	MaxRetries         int
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
}

// CreateRetryClient returns an HTTP client that signs every request
// according to AuthMode and retries transient failures with backoff.
func CreateRetryClient(cfg RetryConfig) (*retry.Client, error) {
	authMode := cfg.AuthMode
	if authMode == "" {
		authMode = "none"
	}

	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = defaultAuthHeader
	}

	client, err := httpclient.NewAuthClient(
		authMode,
		cfg.AuthSecret,
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithHeaderName(authHeader),
		httpclient.WithInsecureSkipVerify(cfg.InsecureSkipVerify),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	retryClient, err := retry.NewRealtimeClient(
		retry.WithHTTPClient(client),
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithInitialRetryDelay(cfg.RetryDelay),
		retry.WithMaxRetryDelay(cfg.MaxRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return retryClient, nil
}
