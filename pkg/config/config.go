package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/campus/pkg/observability"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Authz         AuthzConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
}

// RedisConfig holds Redis settings. An empty URL disables cross-instance invalidation.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// AuthConfig holds authentication settings. API tokens are always accepted;
// an issuer URL additionally accepts ID tokens from that provider.
type AuthConfig struct {
	OIDCIssuerURL     string
	OIDCClientID      string
	OIDCUsernameClaim string
	OIDCUserInfo      bool
}

// AuthzConfig holds authorization engine settings
type AuthzConfig struct {
	// CacheTTL bounds how stale a cached hierarchy or catalog entry may be
	CacheTTL time.Duration
	// CacheSize is the max number of entries per cache
	CacheSize int
	// LayeringSchedule is a cron spec for the layering check
	LayeringSchedule string
	// TokenCleanupSchedule is a cron spec for removing expired API tokens
	TokenCleanupSchedule string
	// SeedPath overrides the embedded seed catalog
	SeedPath string
	// WatchSeed re-applies the seed when SeedPath changes
	WatchSeed bool
	// AuditAllows also audits allowed decisions; denials are always audited
	AuditAllows bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		Authz:         loadAuthzConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CAMPUS_HOST", "0.0.0.0"),
		Port:            getEnv("CAMPUS_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CAMPUS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CAMPUS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CAMPUS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CAMPUS_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CAMPUS_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		URL:      getEnv("CAMPUS_POSTGRES_URL", ""),
		MaxConns: getEnvInt("CAMPUS_POSTGRES_MAX_CONNS", 20),
		MinConns: getEnvInt("CAMPUS_POSTGRES_MIN_CONNS", 2),
		Timeout:  getEnvDuration("CAMPUS_POSTGRES_TIMEOUT", 5*time.Second),
	}

	if replicas := getEnv("CAMPUS_POSTGRES_REPLICA_URLS", ""); replicas != "" {
		for _, url := range strings.Split(replicas, ",") {
			if url = strings.TrimSpace(url); url != "" {
				cfg.ReplicaURLs = append(cfg.ReplicaURLs, url)
			}
		}
	}

	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("CAMPUS_REDIS_URL", ""),
		Password:   getEnv("CAMPUS_REDIS_PASSWORD", ""),
		DB:         getEnvInt("CAMPUS_REDIS_DB", 0),
		MaxRetries: getEnvInt("CAMPUS_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("CAMPUS_REDIS_POOL_SIZE", 10),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuerURL:     getEnv("CAMPUS_OIDC_ISSUER_URL", ""),
		OIDCClientID:      getEnv("CAMPUS_OIDC_CLIENT_ID", ""),
		OIDCUsernameClaim: getEnv("CAMPUS_OIDC_USERNAME_CLAIM", "preferred_username"),
		OIDCUserInfo:      getEnvBool("CAMPUS_OIDC_USERINFO", false),
	}
}

func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		CacheTTL:             getEnvDuration("CAMPUS_AUTHZ_CACHE_TTL", 5*time.Second),
		CacheSize:            getEnvInt("CAMPUS_AUTHZ_CACHE_SIZE", 1024),
		LayeringSchedule:     getEnv("CAMPUS_LAYERING_SCHEDULE", "@hourly"),
		TokenCleanupSchedule: getEnv("CAMPUS_TOKEN_CLEANUP_SCHEDULE", "@daily"),
		SeedPath:             getEnv("CAMPUS_SEED_PATH", ""),
		WatchSeed:            getEnvBool("CAMPUS_SEED_WATCH", false),
		AuditAllows:          getEnvBool("CAMPUS_AUDIT_ALLOWS", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("CAMPUS_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CAMPUS_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CAMPUS_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CAMPUS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CAMPUS_OTEL_SERVICE_NAME", "campus"),
		OTelServiceVersion: getEnv("CAMPUS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CAMPUS_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CAMPUS_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required (CAMPUS_POSTGRES_URL)")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("postgres max connections must be positive")
	}

	if c.Auth.OIDCIssuerURL != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("OIDC client ID is required when an issuer is configured")
	}

	if c.Authz.CacheSize <= 0 {
		return fmt.Errorf("authz cache size must be positive")
	}
	if c.Authz.CacheTTL < 0 {
		return fmt.Errorf("authz cache TTL must not be negative")
	}
	if c.Authz.WatchSeed && c.Authz.SeedPath == "" {
		return fmt.Errorf("seed watch requires CAMPUS_SEED_PATH")
	}
	for name, spec := range map[string]string{
		"layering schedule":      c.Authz.LayeringSchedule,
		"token cleanup schedule": c.Authz.TokenCleanupSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
