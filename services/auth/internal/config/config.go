package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mega-0064/Learning-Platform/pkg/database"
	pkgconfig "github.com/Mega-0064/Learning-Platform/pkg/config"
	"github.com/Mega-0064/Learning-Platform/pkg/kafka"
	"github.com/Mega-0064/Learning-Platform/pkg/tracing"
)

const (
	defaultAccessSecret  = "change-this-access-secret"
	defaultRefreshSecret = "change-this-refresh-secret"
	minSecretLength      = 32

	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	MailerDriverKafka = "kafka"
	MailerDriverLog   = "log"
)

// Config holds all configuration for the auth service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	HTTPPort        int           `env:"AUTH_HTTP_PORT" envDefault:"8001"`
	ShutdownTimeout time.Duration `env:"AUTH_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	MailerDriver  string `env:"MAILER_DRIVER" envDefault:"log"`

	Postgres           database.PostgresConfig
	Redis              database.RedisConfig
	Kafka              kafka.ProducerConfig
	Tracing            tracing.Config
	SlowQueryThreshold time.Duration `env:"SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	JWTAccessSecret  string        `env:"JWT_ACCESS_SECRET" envDefault:"change-this-access-secret"`
	JWTRefreshSecret string        `env:"JWT_REFRESH_SECRET" envDefault:"change-this-refresh-secret"`
	JWTAccessExpiry  time.Duration `env:"JWT_ACCESS_TOKEN_EXPIRY" envDefault:"1h"`
	JWTRefreshExpiry time.Duration `env:"JWT_REFRESH_TOKEN_EXPIRY" envDefault:"168h"`
	JWTIssuer        string        `env:"JWT_ISSUER" envDefault:"learnhub-auth"`

	VerificationTokenTTL time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`
	ResetTokenTTL        time.Duration `env:"RESET_TOKEN_TTL" envDefault:"1h"`

	// Expired single-use tokens are deleted every TokenPurgeInterval once
	// they are TokenPurgeGrace past expiry. Zero disables the purge.
	TokenPurgeInterval time.Duration `env:"TOKEN_PURGE_INTERVAL" envDefault:"1h"`
	TokenPurgeGrace    time.Duration `env:"TOKEN_PURGE_GRACE" envDefault:"24h"`

	RequireEmailVerification bool `env:"REQUIRE_EMAIL_VERIFICATION" envDefault:"false"`
	BcryptCost               int  `env:"BCRYPT_COST" envDefault:"12"`

	// Base URL the verification and reset links in emails point at.
	AppBaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Per-client limit on the unauthenticated credential routes. Zero RPS
	// disables it.
	RateLimitRPS            float64 `env:"AUTH_RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst          int     `env:"AUTH_RATE_LIMIT_BURST" envDefault:"10"`
	RateLimitTrustForwarded bool    `env:"AUTH_RATE_LIMIT_TRUST_FORWARDED" envDefault:"false"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load auth config: %w", err)
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "auth-service"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate checks ranges and, outside development, the JWT secrets.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}
	switch c.MailerDriver {
	case MailerDriverKafka, MailerDriverLog:
	default:
		return fmt.Errorf("MAILER_DRIVER must be %q or %q, got %q", MailerDriverKafka, MailerDriverLog, c.MailerDriver)
	}

	if c.JWTAccessExpiry <= 0 || c.JWTRefreshExpiry <= 0 {
		return fmt.Errorf("JWT expiries must be positive")
	}
	if c.JWTRefreshExpiry <= c.JWTAccessExpiry {
		return fmt.Errorf("JWT_REFRESH_TOKEN_EXPIRY (%s) must exceed JWT_ACCESS_TOKEN_EXPIRY (%s)", c.JWTRefreshExpiry, c.JWTAccessExpiry)
	}
	if c.VerificationTokenTTL <= 0 || c.ResetTokenTTL <= 0 {
		return fmt.Errorf("single-use token TTLs must be positive")
	}
	if c.TokenPurgeInterval < 0 || c.TokenPurgeGrace < 0 {
		return fmt.Errorf("token purge interval and grace must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit RPS and burst must not be negative")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}

	if c.IsDevelopment() {
		return nil
	}
	if err := checkSecret("JWT_ACCESS_SECRET", c.JWTAccessSecret, defaultAccessSecret, c.Environment); err != nil {
		return err
	}
	if err := checkSecret("JWT_REFRESH_SECRET", c.JWTRefreshSecret, defaultRefreshSecret, c.Environment); err != nil {
		return err
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	return nil
}

func checkSecret(name, value, def, env string) error {
	if value == def || strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s must be explicitly set via environment variable in %q mode", name, env)
	}
	if len(value) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters long, got %d", name, minSecretLength, len(value))
	}
	return nil
}
