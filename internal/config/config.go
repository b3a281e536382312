package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Rate limit store constants
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// Metrics cache type constants
const (
	MetricsCacheTypeMemory     = "memory"
	MetricsCacheTypeRedis      = "redis"
	MetricsCacheTypeRedisAside = "redis-aside"
)

// Environment names
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

const defaultPlatformJWTSecret = "platform-secret-change-in-production"

type Config struct {
	// Server settings
	ServerAddr  string
	BaseURL     string
	Environment string

	// Platform identity (first-party login service issues HS256 JWTs)
	PlatformJWTSecret string
	PlatformJWTIssuer string

	// Database
	DatabaseDriver string // "sqlite", "postgres" or "mysql"
	DatabaseDSN    string // Database connection string (DSN or path)

	// Authorization code and token lifetimes
	AuthCodeExpiration     time.Duration // default: 10m
	AccessTokenExpiration  time.Duration // default: 1h, overridable per client
	RefreshTokenExpiration time.Duration // default: 720h = 30 days, overridable per client
	EnableTokenRotation    bool          // Rotate refresh tokens on use (default: false, fixed mode)
	PKCERequired           bool          // Require PKCE for every authorization code request

	// Per-client rate limit defaults (used when the client sets none)
	DefaultClientRateLimit  int
	DefaultClientRateWindow time.Duration

	// Per-IP rate limiting
	EnableRateLimit          bool
	RateLimitStore           string // "memory" or "redis"
	RateLimitCleanupInterval time.Duration
	TokenRateLimit           int // requests per minute per IP
	AuthorizeRateLimit       int
	IntrospectRateLimit      int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Audit logging
	EnableAuditLogging bool
	AuditLogRetention  time.Duration
	AuditLogBufferSize int

	// PHI audit webhook (compliance/SIEM forwarder)
	AuditWebhookURL                string
	AuditWebhookTimeout            time.Duration
	AuditWebhookInsecureSkipVerify bool
	AuditWebhookAuthMode           string // "none", "simple", or "hmac"
	AuditWebhookAuthSecret         string
	AuditWebhookAuthHeader         string
	AuditWebhookMaxRetries         int
	AuditWebhookRetryDelay         time.Duration
	AuditWebhookMaxRetryDelay      time.Duration

	// Resources whose access is treated as PHI access
	PHIResources []string

	// Metrics
	MetricsEnabled             bool
	MetricsToken               string // Bearer token protecting /metrics (empty = open)
	MetricsGaugeUpdateEnabled  bool
	MetricsGaugeUpdateInterval time.Duration
	MetricsCacheType           string
	MetricsCacheClientTTL      time.Duration
	MetricsCacheSizePerConn    int // MB

	// Expired code and token cleanup
	CleanupInterval time.Duration

	// Timeouts
	DBInitTimeout         time.Duration
	DBCloseTimeout        time.Duration
	RedisConnTimeout      time.Duration
	RedisCloseTimeout     time.Duration
	CacheInitTimeout      time.Duration
	CacheCloseTimeout     time.Duration
	ServerShutdownTimeout time.Duration
	AuditShutdownTimeout  time.Duration
}

func Load() *Config {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Determine database driver and DSN
	driver := getEnv("DATABASE_DRIVER", "sqlite")
	var dsn string
	if driver == "sqlite" {
		dsn = getEnv("DATABASE_DSN", getEnv("DATABASE_PATH", "hospitalgate.db"))
	} else {
		dsn = getEnv("DATABASE_DSN", "")
	}

	return &Config{
		ServerAddr:  getEnv("SERVER_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		Environment: getEnv("ENVIRONMENT", EnvironmentDevelopment),

		PlatformJWTSecret: getEnv("PLATFORM_JWT_SECRET", defaultPlatformJWTSecret),
		PlatformJWTIssuer: getEnv("PLATFORM_JWT_ISSUER", ""),

		DatabaseDriver: driver,
		DatabaseDSN:    dsn,

		AuthCodeExpiration:    getEnvDuration("AUTH_CODE_EXPIRATION", 10*time.Minute),
		AccessTokenExpiration: getEnvDuration("ACCESS_TOKEN_EXPIRATION", time.Hour),
		RefreshTokenExpiration: getEnvDuration(
			"REFRESH_TOKEN_EXPIRATION",
			720*time.Hour,
		), // 30 days
		EnableTokenRotation: getEnvBool("ENABLE_TOKEN_ROTATION", false),
		PKCERequired:        getEnvBool("PKCE_REQUIRED", false),

		DefaultClientRateLimit:  getEnvInt("DEFAULT_CLIENT_RATE_LIMIT", 100),
		DefaultClientRateWindow: getEnvDuration("DEFAULT_CLIENT_RATE_WINDOW", time.Minute),

		EnableRateLimit:          getEnvBool("ENABLE_RATE_LIMIT", true),
		RateLimitStore:           getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),
		RateLimitCleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		TokenRateLimit:           getEnvInt("TOKEN_RATE_LIMIT", 60),
		AuthorizeRateLimit:       getEnvInt("AUTHORIZE_RATE_LIMIT", 30),
		IntrospectRateLimit:      getEnvInt("INTROSPECT_RATE_LIMIT", 600),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		EnableAuditLogging: getEnvBool("ENABLE_AUDIT_LOGGING", true),
		AuditLogRetention: getEnvDuration(
			"AUDIT_LOG_RETENTION",
			6*365*24*time.Hour,
		), // HIPAA documentation retention
		AuditLogBufferSize: getEnvInt("AUDIT_LOG_BUFFER_SIZE", 1000),

		AuditWebhookURL:                getEnv("AUDIT_WEBHOOK_URL", ""),
		AuditWebhookTimeout:            getEnvDuration("AUDIT_WEBHOOK_TIMEOUT", 10*time.Second),
		AuditWebhookInsecureSkipVerify: getEnvBool("AUDIT_WEBHOOK_INSECURE_SKIP_VERIFY", false),
		AuditWebhookAuthMode:           getEnv("AUDIT_WEBHOOK_AUTH_MODE", "none"),
		AuditWebhookAuthSecret:         getEnv("AUDIT_WEBHOOK_AUTH_SECRET", ""),
		AuditWebhookAuthHeader:         getEnv("AUDIT_WEBHOOK_AUTH_HEADER", "X-API-Secret"),
		AuditWebhookMaxRetries:         getEnvInt("AUDIT_WEBHOOK_MAX_RETRIES", 3),
		AuditWebhookRetryDelay:         getEnvDuration("AUDIT_WEBHOOK_RETRY_DELAY", time.Second),
		AuditWebhookMaxRetryDelay: getEnvDuration(
			"AUDIT_WEBHOOK_MAX_RETRY_DELAY",
			10*time.Second,
		),

		PHIResources: getEnvSlice("PHI_RESOURCES", []string{
			"patients",
			"medical_records",
			"lab_results",
			"prescriptions",
			"imaging",
		}),

		MetricsEnabled:             getEnvBool("METRICS_ENABLED", false),
		MetricsToken:               getEnv("METRICS_TOKEN", ""),
		MetricsGaugeUpdateEnabled:  getEnvBool("METRICS_GAUGE_UPDATE_ENABLED", true),
		MetricsGaugeUpdateInterval: getEnvDuration("METRICS_GAUGE_UPDATE_INTERVAL", 5*time.Minute),
		MetricsCacheType:           getEnv("METRICS_CACHE_TYPE", MetricsCacheTypeMemory),
		MetricsCacheClientTTL:      getEnvDuration("METRICS_CACHE_CLIENT_TTL", 10*time.Second),
		MetricsCacheSizePerConn:    getEnvInt("METRICS_CACHE_SIZE_PER_CONN", 32),

		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),

		DBInitTimeout:         getEnvDuration("DB_INIT_TIMEOUT", 30*time.Second),
		DBCloseTimeout:        getEnvDuration("DB_CLOSE_TIMEOUT", 5*time.Second),
		RedisConnTimeout:      getEnvDuration("REDIS_CONN_TIMEOUT", 5*time.Second),
		RedisCloseTimeout:     getEnvDuration("REDIS_CLOSE_TIMEOUT", 5*time.Second),
		CacheInitTimeout:      getEnvDuration("CACHE_INIT_TIMEOUT", 5*time.Second),
		CacheCloseTimeout:     getEnvDuration("CACHE_CLOSE_TIMEOUT", 5*time.Second),
		ServerShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),
		AuditShutdownTimeout:  getEnvDuration("AUDIT_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// IsPHIResource reports whether resource is configured as PHI
func (c *Config) IsPHIResource(resource string) bool {
	for _, r := range c.PHIResources {
		if strings.EqualFold(r, resource) {
			return true
		}
	}
	return false
}

// Validate checks settings that would otherwise fail at runtime
func (c *Config) Validate() error {
	switch c.RateLimitStore {
	case RateLimitStoreMemory, RateLimitStoreRedis:
	default:
		return fmt.Errorf(
			"invalid RATE_LIMIT_STORE value: %q (must be %q or %q)",
			c.RateLimitStore, RateLimitStoreMemory, RateLimitStoreRedis,
		)
	}

	switch c.MetricsCacheType {
	case MetricsCacheTypeMemory, MetricsCacheTypeRedis, MetricsCacheTypeRedisAside:
	default:
		return fmt.Errorf(
			"invalid METRICS_CACHE_TYPE value: %q (must be %q, %q or %q)",
			c.MetricsCacheType,
			MetricsCacheTypeMemory, MetricsCacheTypeRedis, MetricsCacheTypeRedisAside,
		)
	}

	if c.MetricsCacheType != MetricsCacheTypeMemory && c.RedisAddr == "" {
		return fmt.Errorf("METRICS_CACHE_TYPE=%q requires REDIS_ADDR", c.MetricsCacheType)
	}
	if c.RateLimitStore == RateLimitStoreRedis && c.RedisAddr == "" {
		return errors.New("RATE_LIMIT_STORE=\"redis\" requires REDIS_ADDR")
	}

	if c.AuthCodeExpiration <= 0 {
		return errors.New("AUTH_CODE_EXPIRATION must be positive")
	}
	if c.AccessTokenExpiration <= 0 || c.RefreshTokenExpiration <= 0 {
		return errors.New("ACCESS_TOKEN_EXPIRATION and REFRESH_TOKEN_EXPIRATION must be positive")
	}
	if c.DefaultClientRateLimit <= 0 || c.DefaultClientRateWindow <= 0 {
		return errors.New("DEFAULT_CLIENT_RATE_LIMIT and DEFAULT_CLIENT_RATE_WINDOW must be positive")
	}

	if c.IsProduction() {
		if c.PlatformJWTSecret == defaultPlatformJWTSecret || len(c.PlatformJWTSecret) < 32 {
			return errors.New("PLATFORM_JWT_SECRET must be set to at least 32 bytes in production")
		}
		if c.MetricsEnabled && c.MetricsToken == "" {
			return errors.New("METRICS_TOKEN is required when metrics are enabled in production")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if parts := splitAndTrim(value, ","); len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
