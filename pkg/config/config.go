package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

const envPrefix = "GATEKEEPER_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Plans         PlansConfig
	RateLimit     RateLimitConfig
	Entitlements  EntitlementsConfig
	Auth          AuthConfig
	Audit         AuditConfig
	Jobs          JobsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	// TrustProxyHeaders enables X-Forwarded-For / X-Real-IP client IP resolution
	TrustProxyHeaders bool
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig holds Postgres and Redis connection settings
type StorageConfig struct {
	PostgresURL     string
	ReplicaURLs     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RedisURL        string
	RedisPoolSize   int
	// CounterBackend selects where usage and rate windows live: postgres or redis
	CounterBackend   string
	MigrateOnStartup bool
}

// PlansConfig selects the plan catalog source
type PlansConfig struct {
	// Source is one of static, file, db
	Source   string
	File     string
	Watch    bool
	CacheTTL time.Duration
}

// TierLimits is a per-tier request ceiling override
type TierLimits struct {
	Hourly int64
	Minute int64
}

// RateLimitConfig holds rate limiter settings
type RateLimitConfig struct {
	Enabled      bool
	FailOpen     bool
	StoreTimeout time.Duration
	Tiers        map[string]TierLimits
	// AbuseThreshold is the fraction of the minute ceiling that triggers a potential_abuse event
	AbuseThreshold  float64
	BlockDuration   time.Duration
	WindowRetention time.Duration
}

// EntitlementsConfig holds entitlement gate settings
type EntitlementsConfig struct {
	// Mode is soft (check then increment) or hard (atomic reservation)
	Mode string
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// AuditConfig holds security event sink settings
type AuditConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
	S3Region     string
	S3Endpoint   string
	ArchiveAfter time.Duration
	AsyncTimeout time.Duration
}

// JobsConfig holds maintenance schedule settings (cron expressions)
type JobsConfig struct {
	Enabled         bool
	PruneSchedule   string
	ArchiveSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           observability.LogLevel
	MetricsEnabled     bool
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	tiers, err := parseTierLimits(getEnv("RATELIMIT_TIERS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid %sRATELIMIT_TIERS: %w", envPrefix, err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Plans:         loadPlansConfig(),
		RateLimit:     loadRateLimitConfig(tiers),
		Entitlements:  EntitlementsConfig{Mode: strings.ToLower(getEnv("ENTITLEMENT_MODE", "soft"))},
		Auth:          loadAuthConfig(),
		Audit:         loadAuditConfig(),
		Jobs:          loadJobsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:              getEnv("HOST", "0.0.0.0"),
		Port:              getEnv("PORT", "8080"),
		ReadTimeout:       getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:      getEnvInt64("MAX_BODY_BYTES", 1<<20),
		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", true),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:      getEnv("POSTGRES_URL", ""),
		ReplicaURLs:      getEnv("POSTGRES_REPLICA_URLS", ""),
		MaxOpenConns:     getEnvInt("POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:     getEnvInt("POSTGRES_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", 5*time.Minute),
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisPoolSize:    getEnvInt("REDIS_POOL_SIZE", 10),
		CounterBackend:   strings.ToLower(getEnv("COUNTER_BACKEND", "postgres")),
		MigrateOnStartup: getEnvBool("MIGRATE_ON_STARTUP", true),
	}
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		Source:   strings.ToLower(getEnv("PLANS_SOURCE", "static")),
		File:     getEnv("PLANS_FILE", ""),
		Watch:    getEnvBool("PLANS_WATCH", false),
		CacheTTL: getEnvDuration("PLANS_CACHE_TTL", time.Minute),
	}
}

func loadRateLimitConfig(tiers map[string]TierLimits) RateLimitConfig {
	return RateLimitConfig{
		Enabled:         getEnvBool("RATELIMIT_ENABLED", true),
		FailOpen:        getEnvBool("RATELIMIT_FAIL_OPEN", true),
		StoreTimeout:    getEnvDuration("RATELIMIT_STORE_TIMEOUT", 2*time.Second),
		Tiers:           tiers,
		AbuseThreshold:  getEnvFloat("RATELIMIT_ABUSE_THRESHOLD", 0.8),
		BlockDuration:   getEnvDuration("RATELIMIT_BLOCK_DURATION", 24*time.Hour),
		WindowRetention: getEnvDuration("RATELIMIT_WINDOW_RETENTION", 48*time.Hour),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnv("JWT_SECRET", ""),
		Issuer:    getEnv("JWT_ISSUER", ""),
		Audience:  getEnv("JWT_AUDIENCE", ""),
		Leeway:    getEnvDuration("JWT_LEEWAY", 30*time.Second),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
		S3Bucket:     getEnv("ARCHIVE_S3_BUCKET", ""),
		S3Prefix:     getEnv("ARCHIVE_S3_PREFIX", "security-events"),
		S3Region:     getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		S3Endpoint:   getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveAfter: getEnvDuration("ARCHIVE_AFTER", 90*24*time.Hour),
		AsyncTimeout: getEnvDuration("AUDIT_ASYNC_TIMEOUT", 5*time.Second),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		Enabled:         getEnvBool("JOBS_ENABLED", true),
		PruneSchedule:   getEnv("JOBS_PRUNE_SCHEDULE", "@every 15m"),
		ArchiveSchedule: getEnv("JOBS_ARCHIVE_SCHEDULE", "0 3 * * *"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "gatekeeper"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.PostgresURL == "" {
		errs = append(errs, errors.New("postgres URL is required"))
	}
	switch c.Storage.CounterBackend {
	case "postgres":
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("redis URL is required when counter backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown counter backend %q", c.Storage.CounterBackend))
	}

	switch c.Plans.Source {
	case "static", "db":
	case "file":
		if c.Plans.File == "" {
			errs = append(errs, errors.New("plans file is required when plans source is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown plans source %q", c.Plans.Source))
	}

	if c.Entitlements.Mode != "soft" && c.Entitlements.Mode != "hard" {
		errs = append(errs, fmt.Errorf("entitlement mode must be soft or hard, got %q", c.Entitlements.Mode))
	}

	if c.RateLimit.StoreTimeout <= 0 {
		errs = append(errs, errors.New("rate limit store timeout must be positive"))
	}
	if c.RateLimit.AbuseThreshold <= 0 || c.RateLimit.AbuseThreshold > 1 {
		errs = append(errs, errors.New("abuse threshold must be in (0, 1]"))
	}

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT secret must be at least 32 bytes"))
	}

	if c.Audit.S3Bucket != "" && c.Audit.ArchiveAfter <= 0 {
		errs = append(errs, errors.New("archive age must be positive when archiving is enabled"))
	}

	return errors.Join(errs...)
}

// parseTierLimits parses "free=100/10,pro=500/50" into hourly/minute limits
func parseTierLimits(value string) (map[string]TierLimits, error) {
	tiers := map[string]TierLimits{}
	for _, entry := range splitList(value) {
		name, limits, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("expected tier=hourly/minute, got %q", entry)
		}
		hourlyStr, minuteStr, ok := strings.Cut(limits, "/")
		if !ok {
			return nil, fmt.Errorf("expected hourly/minute for tier %q", name)
		}
		hourly, err := strconv.ParseInt(strings.TrimSpace(hourlyStr), 10, 64)
		if err != nil || hourly <= 0 {
			return nil, fmt.Errorf("invalid hourly limit for tier %q", name)
		}
		minute, err := strconv.ParseInt(strings.TrimSpace(minuteStr), 10, 64)
		if err != nil || minute <= 0 {
			return nil, fmt.Errorf("invalid minute limit for tier %q", name)
		}
		if minute > hourly {
			return nil, fmt.Errorf("minute limit exceeds hourly limit for tier %q", name)
		}
		tiers[strings.ToLower(strings.TrimSpace(name))] = TierLimits{Hourly: hourly, Minute: minute}
	}
	return tiers, nil
}

// TierNames returns the overridden tier names in sorted order
func (r RateLimitConfig) TierNames() []string {
	names := make([]string, 0, len(r.Tiers))
	for name := range r.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns a GATEKEEPER_-prefixed environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
