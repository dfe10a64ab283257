package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	// WebhookRequestsPerMinute applies per rail on the callback endpoint.
	WebhookRequestsPerMinute int        `mapstructure:"webhook_requests_per_minute"`
	CORS                     CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MinConnections    int           `mapstructure:"min_connections"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type PaymentConfig struct {
	SubmitTimeout           time.Duration `mapstructure:"submit_timeout"`
	SubmitRetries           uint          `mapstructure:"submit_retries"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	ExpiryTimeout           time.Duration `mapstructure:"expiry_timeout"`
	PollStaleAfter          time.Duration `mapstructure:"poll_stale_after"`
	LockTTL                 time.Duration `mapstructure:"lock_ttl"`
	SubmissionGuardTTL      time.Duration `mapstructure:"submission_guard_ttl"`
	CircuitBreakerThreshold uint32        `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// ProviderConfig configures one payment rail. Signature schemes and field names are
// per-rail; secrets come from the environment in production.
type ProviderConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Sandbox          bool          `mapstructure:"sandbox"`
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	MerchantID       string        `mapstructure:"merchant_id"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	CallbackURL      string        `mapstructure:"callback_url"`
	Currencies       []string      `mapstructure:"currencies"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
	SignatureMaxSkew time.Duration `mapstructure:"signature_max_skew"`
}

type ProvidersConfig struct {
	BNA         ProviderConfig `mapstructure:"bna"`
	UnitelMoney ProviderConfig `mapstructure:"unitel_money"`
	MPesa       ProviderConfig `mapstructure:"mpesa"`
}

type WorkerConfig struct {
	BatchSize            int64         `mapstructure:"batch_size"`
	BlockDuration        time.Duration `mapstructure:"block_duration"`
	OutboxPollInterval   time.Duration `mapstructure:"outbox_poll_interval"`
	ExpirySweepInterval  time.Duration `mapstructure:"expiry_sweep_interval"`
	StatusPollInterval   time.Duration `mapstructure:"status_poll_interval"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencySweepTime time.Duration `mapstructure:"idempotency_sweep_interval"`
	ConsumerGroup        string        `mapstructure:"consumer_group"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("PAYMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sila-payments")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Payment.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("payment.lock_ttl must be positive"))
	}
	if c.Payment.SubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("payment.submit_timeout must be positive"))
	}
	if c.Payment.ExpiryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("payment.expiry_timeout must be positive"))
	}
	if c.Payment.PollStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("payment.poll_stale_after must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"outbox_poll_interval":       c.Worker.OutboxPollInterval,
		"expiry_sweep_interval":      c.Worker.ExpirySweepInterval,
		"status_poll_interval":       c.Worker.StatusPollInterval,
		"idempotency_sweep_interval": c.Worker.IdempotencySweepTime,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("worker.%s must be positive", name))
		}
	}

	for name, p := range c.Providers.ByName() {
		if !p.Enabled {
			continue
		}
		if !p.Sandbox && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("providers.%s.base_url is required unless sandbox is set", name))
		}
		if p.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("providers.%s.webhook_secret is required", name))
		}
		if len(p.Currencies) == 0 {
			errs = append(errs, fmt.Errorf("providers.%s.currencies must not be empty", name))
		}
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		for name, p := range c.Providers.ByName() {
			if p.Enabled && p.Sandbox {
				errs = append(errs, fmt.Errorf("providers.%s.sandbox not allowed in production", name))
			}
		}
	}

	// JWT secret length validation
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

// ByName returns the rail configs keyed by provider name.
func (p ProvidersConfig) ByName() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"bna":          p.BNA,
		"unitel_money": p.UnitelMoney,
		"mpesa":        p.MPesa,
	}
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.requests_per_minute", 600)
	v.SetDefault("server.webhook_requests_per_minute", 3000)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "payments")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "sila_payments")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Worker defaults
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.outbox_poll_interval", "2s")
	v.SetDefault("worker.expiry_sweep_interval", "1m")
	v.SetDefault("worker.status_poll_interval", "30s")
	v.SetDefault("worker.idempotency_ttl", "24h")
	v.SetDefault("worker.idempotency_sweep_interval", "1h")
	v.SetDefault("worker.consumer_group", "payment-pollers")

	// Payment defaults
	v.SetDefault("payment.submit_timeout", "10s")
	v.SetDefault("payment.submit_retries", 2)
	v.SetDefault("payment.retry_delay", "500ms")
	v.SetDefault("payment.expiry_timeout", "30m")
	v.SetDefault("payment.poll_stale_after", "2m")
	v.SetDefault("payment.lock_ttl", "30s")
	v.SetDefault("payment.submission_guard_ttl", "72h")
	v.SetDefault("payment.circuit_breaker_threshold", 10)
	v.SetDefault("payment.circuit_breaker_timeout", "30s")

	// Provider defaults
	for _, name := range []string{"bna", "unitel_money", "mpesa"} {
		v.SetDefault("providers."+name+".enabled", true)
		v.SetDefault("providers."+name+".sandbox", true)
		v.SetDefault("providers."+name+".webhook_secret", "sandbox-"+name+"-secret")
		v.SetDefault("providers."+name+".currencies", []string{"AOA"})
		v.SetDefault("providers."+name+".rate_limit", 20)
		v.SetDefault("providers."+name+".rate_burst", 5)
		v.SetDefault("providers."+name+".signature_max_skew", "5m")
	}

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "24h")

	// Instance ID
	v.SetDefault("instance_id", "payments-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL returns the connection string in URL form, as golang-migrate expects it.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
