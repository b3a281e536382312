package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a config that passes Validate, for tests to mutate
func validConfig() *Config {
	return &Config{
		Environment:             EnvironmentDevelopment,
		PlatformJWTSecret:       defaultPlatformJWTSecret,
		RateLimitStore:          RateLimitStoreMemory,
		MetricsCacheType:        MetricsCacheTypeMemory,
		AuthCodeExpiration:      10 * time.Minute,
		AccessTokenExpiration:   time.Hour,
		RefreshTokenExpiration:  720 * time.Hour,
		DefaultClientRateLimit:  100,
		DefaultClientRateWindow: time.Minute,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid memory store",
			mutate: func(*Config) {},
		},
		{
			name: "valid redis store",
			mutate: func(c *Config) {
				c.RateLimitStore = RateLimitStoreRedis
				c.RedisAddr = "localhost:6379"
			},
		},
		{
			name:        "invalid store - typo",
			mutate:      func(c *Config) { c.RateLimitStore = "reddis" },
			expectError: true,
			errorMsg:    `invalid RATE_LIMIT_STORE value: "reddis"`,
		},
		{
			name:        "invalid store - uppercase",
			mutate:      func(c *Config) { c.RateLimitStore = "MEMORY" },
			expectError: true,
			errorMsg:    `invalid RATE_LIMIT_STORE value: "MEMORY"`,
		},
		{
			name:        "redis store without address",
			mutate:      func(c *Config) { c.RateLimitStore = RateLimitStoreRedis },
			expectError: true,
			errorMsg:    "requires REDIS_ADDR",
		},
		{
			name:        "invalid cache type",
			mutate:      func(c *Config) { c.MetricsCacheType = "memcached" },
			expectError: true,
			errorMsg:    `invalid METRICS_CACHE_TYPE value: "memcached"`,
		},
		{
			name:        "redis-aside without redis address",
			mutate:      func(c *Config) { c.MetricsCacheType = MetricsCacheTypeRedisAside },
			expectError: true,
			errorMsg:    `METRICS_CACHE_TYPE="redis-aside" requires REDIS_ADDR`,
		},
		{
			name:        "zero code lifetime",
			mutate:      func(c *Config) { c.AuthCodeExpiration = 0 },
			expectError: true,
			errorMsg:    "AUTH_CODE_EXPIRATION",
		},
		{
			name:        "zero default client rate",
			mutate:      func(c *Config) { c.DefaultClientRateLimit = 0 },
			expectError: true,
			errorMsg:    "DEFAULT_CLIENT_RATE_LIMIT",
		},
		{
			name:        "production with default platform secret",
			mutate:      func(c *Config) { c.Environment = EnvironmentProduction },
			expectError: true,
			errorMsg:    "PLATFORM_JWT_SECRET",
		},
		{
			name: "production with metrics and no token",
			mutate: func(c *Config) {
				c.Environment = EnvironmentProduction
				c.PlatformJWTSecret = strings.Repeat("k", 32)
				c.MetricsEnabled = true
			},
			expectError: true,
			errorMsg:    "METRICS_TOKEN",
		},
		{
			name: "production fully configured",
			mutate: func(c *Config) {
				c.Environment = EnvironmentProduction
				c.PlatformJWTSecret = strings.Repeat("k", 32)
				c.MetricsEnabled = true
				c.MetricsToken = "scrape-token"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestIsPHIResource(t *testing.T) {
	cfg := &Config{PHIResources: []string{"patients", "lab_results"}}

	assert.True(t, cfg.IsPHIResource("patients"))
	assert.True(t, cfg.IsPHIResource("Lab_Results"))
	assert.False(t, cfg.IsPHIResource("billing"))
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("PHI_RESOURCES", " patients , ,imaging")
	cfg := Load()
	assert.Equal(t, []string{"patients", "imaging"}, cfg.PHIResources)
}

func TestLoadDatabaseDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_DSN", "host=db user=hospitalgate dbname=hospitalgate")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "host=db user=hospitalgate dbname=hospitalgate", cfg.DatabaseDSN)
}
