package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Postgres      storage.PostgresConfig `yaml:"postgres"`
	Redis         storage.RedisConfig    `yaml:"redis"`
	Keys          KeysConfig             `yaml:"keys"`
	Exchange      ExchangeConfig         `yaml:"exchange"`
	Tokens        TokensConfig           `yaml:"tokens"`
	RateLimit     RateLimitConfig        `yaml:"rate_limit"`
	Audit         AuditConfig            `yaml:"audit"`
	Observability ObservabilityConfig    `yaml:"observability"`

	// StoreTimeout bounds every Postgres and Redis call made while serving a request
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// KeysConfig selects where signing keys are loaded from
type KeysConfig struct {
	Dir            string `yaml:"dir"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	Watch          bool   `yaml:"watch"`
	ReloadSchedule string `yaml:"reload_schedule"`
}

// ExchangeConfig describes the trusted issuer of exchange tokens
type ExchangeConfig struct {
	Issuer               string `yaml:"issuer"`
	Audience             string `yaml:"audience"`
	PublicKeyFile        string `yaml:"public_key_file"`
	JWKSURL              string `yaml:"jwks_url"`
	RequireVerifiedEmail bool   `yaml:"require_verified_email"`
	ProvisionPersonalOrg bool   `yaml:"provision_personal_org"`
	ReplayPrefix         string `yaml:"replay_prefix"`
}

// TokensConfig controls platform token issuance
type TokensConfig struct {
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// RateLimitConfig limits exchange and refresh calls per client IP.
// Distributed shares the window through Redis; otherwise each instance
// keeps its own buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	Distributed       bool `yaml:"distributed"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// AuditConfig selects audit sinks. Events always go to Postgres; LogStdout
// also ships them as JSON log lines.
type AuditConfig struct {
	LogStdout    bool          `yaml:"log_stdout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Postgres: storage.DefaultPostgresConfig(),
		Redis:    storage.DefaultRedisConfig(),
		Keys: KeysConfig{
			ReloadSchedule: "@every 15m",
		},
		Exchange: ExchangeConfig{
			ReplayPrefix: "tenantauth:exchange:jti",
		},
		Tokens: TokensConfig{
			Issuer:     "tenantauth",
			Audience:   "tenantauth-api",
			AccessTTL:  10 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Distributed:       true,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Audit: AuditConfig{
			WriteTimeout: 2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tenantauth",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
		StoreTimeout: 3 * time.Second,
	}
}

// LoadConfig loads configuration from the optional YAML file named by
// TENANTAUTH_CONFIG_FILE and then from environment variables, which win.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("TENANTAUTH_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Host = getEnv("TENANTAUTH_HOST", s.Host)
	s.Port = getEnv("TENANTAUTH_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("TENANTAUTH_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TENANTAUTH_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TENANTAUTH_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TENANTAUTH_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	pg := &cfg.Postgres
	pg.URL = getEnv("TENANTAUTH_POSTGRES_URL", pg.URL)
	pg.MaxOpenConns = getEnvInt("TENANTAUTH_POSTGRES_MAX_CONNS", pg.MaxOpenConns)
	pg.MaxIdleConns = getEnvInt("TENANTAUTH_POSTGRES_MIN_CONNS", pg.MaxIdleConns)
	pg.ConnectTimeout = getEnvDuration("TENANTAUTH_POSTGRES_TIMEOUT", pg.ConnectTimeout)

	rd := &cfg.Redis
	rd.URL = getEnv("TENANTAUTH_REDIS_URL", rd.URL)
	rd.Password = getEnv("TENANTAUTH_REDIS_PASSWORD", rd.Password)
	rd.DB = getEnvInt("TENANTAUTH_REDIS_DB", rd.DB)
	rd.PoolSize = getEnvInt("TENANTAUTH_REDIS_POOL_SIZE", rd.PoolSize)
	rd.MaxRetries = getEnvInt("TENANTAUTH_REDIS_MAX_RETRIES", rd.MaxRetries)

	k := &cfg.Keys
	k.Dir = getEnv("TENANTAUTH_KEYS_DIR", k.Dir)
	k.S3Bucket = getEnv("TENANTAUTH_KEYS_S3_BUCKET", k.S3Bucket)
	k.S3Prefix = getEnv("TENANTAUTH_KEYS_S3_PREFIX", k.S3Prefix)
	k.S3Region = getEnv("TENANTAUTH_KEYS_S3_REGION", k.S3Region)
	k.S3Endpoint = getEnv("TENANTAUTH_KEYS_S3_ENDPOINT", k.S3Endpoint)
	k.S3UsePathStyle = getEnvBool("TENANTAUTH_KEYS_S3_USE_PATH_STYLE", k.S3UsePathStyle)
	k.S3AccessKey = getEnv("TENANTAUTH_KEYS_S3_ACCESS_KEY", k.S3AccessKey)
	k.S3SecretKey = getEnv("TENANTAUTH_KEYS_S3_SECRET_KEY", k.S3SecretKey)
	k.Watch = getEnvBool("TENANTAUTH_KEYS_WATCH", k.Watch)
	k.ReloadSchedule = getEnv("TENANTAUTH_KEYS_RELOAD_SCHEDULE", k.ReloadSchedule)

	ex := &cfg.Exchange
	ex.Issuer = getEnv("TENANTAUTH_EXCHANGE_ISSUER", ex.Issuer)
	ex.Audience = getEnv("TENANTAUTH_EXCHANGE_AUDIENCE", ex.Audience)
	ex.PublicKeyFile = getEnv("TENANTAUTH_EXCHANGE_PUBLIC_KEY_FILE", ex.PublicKeyFile)
	ex.JWKSURL = getEnv("TENANTAUTH_EXCHANGE_JWKS_URL", ex.JWKSURL)
	ex.RequireVerifiedEmail = getEnvBool("TENANTAUTH_EXCHANGE_REQUIRE_VERIFIED_EMAIL", ex.RequireVerifiedEmail)
	ex.ProvisionPersonalOrg = getEnvBool("TENANTAUTH_EXCHANGE_PROVISION_PERSONAL_ORG", ex.ProvisionPersonalOrg)
	ex.ReplayPrefix = getEnv("TENANTAUTH_EXCHANGE_REPLAY_PREFIX", ex.ReplayPrefix)

	tk := &cfg.Tokens
	tk.Issuer = getEnv("TENANTAUTH_TOKEN_ISSUER", tk.Issuer)
	tk.Audience = getEnv("TENANTAUTH_TOKEN_AUDIENCE", tk.Audience)
	tk.AccessTTL = getEnvDuration("TENANTAUTH_ACCESS_TOKEN_TTL", tk.AccessTTL)
	tk.RefreshTTL = getEnvDuration("TENANTAUTH_REFRESH_TOKEN_TTL", tk.RefreshTTL)

	rl := &cfg.RateLimit
	rl.Enabled = getEnvBool("TENANTAUTH_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.Distributed = getEnvBool("TENANTAUTH_RATE_LIMIT_DISTRIBUTED", rl.Distributed)
	rl.RequestsPerMinute = getEnvInt("TENANTAUTH_RATE_LIMIT_PER_MINUTE", rl.RequestsPerMinute)
	rl.Burst = getEnvInt("TENANTAUTH_RATE_LIMIT_BURST", rl.Burst)

	cfg.Audit.LogStdout = getEnvBool("TENANTAUTH_AUDIT_LOG_STDOUT", cfg.Audit.LogStdout)
	cfg.Audit.WriteTimeout = getEnvDuration("TENANTAUTH_AUDIT_WRITE_TIMEOUT", cfg.Audit.WriteTimeout)

	o := &cfg.Observability
	o.LogLevel = getEnv("TENANTAUTH_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("TENANTAUTH_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("TENANTAUTH_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("TENANTAUTH_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("TENANTAUTH_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("TENANTAUTH_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("TENANTAUTH_OTEL_INSECURE", o.OTelInsecure)

	cfg.StoreTimeout = getEnvDuration("TENANTAUTH_STORE_TIMEOUT", cfg.StoreTimeout)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Postgres.URL == "" {
		return errors.New("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis URL is required for exchange replay protection")
	}

	switch {
	case c.Keys.Dir == "" && c.Keys.S3Bucket == "":
		return errors.New("a signing key directory or S3 bucket is required")
	case c.Keys.Dir != "" && c.Keys.S3Bucket != "":
		return errors.New("signing keys must come from exactly one of directory or S3 bucket")
	case c.Keys.Watch && c.Keys.Dir == "":
		return errors.New("key watching is only supported for a key directory")
	}

	if c.Exchange.Issuer == "" || c.Exchange.Audience == "" {
		return errors.New("exchange issuer and audience are required")
	}
	if (c.Exchange.PublicKeyFile == "") == (c.Exchange.JWKSURL == "") {
		return errors.New("exactly one of exchange public key file or JWKS URL is required")
	}

	if c.Tokens.Issuer == "" || c.Tokens.Audience == "" {
		return errors.New("token issuer and audience are required")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("refresh token TTL must exceed access token TTL")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("rate limit requests per minute must be positive when enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
