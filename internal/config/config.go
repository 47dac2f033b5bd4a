package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by STORE_BACKEND, LEDGER_BACKEND and REPORT_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Env           string `mapstructure:"ENV"`
	Port          string `mapstructure:"PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema      string `mapstructure:"DB_SCHEMA"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	LedgerBackend string `mapstructure:"LEDGER_BACKEND"`
	ReportBackend string `mapstructure:"REPORT_BACKEND"`

	IngestConcurrency    int           `mapstructure:"INGEST_CONCURRENCY"`
	IngestBatchTimeout   time.Duration `mapstructure:"INGEST_BATCH_TIMEOUT"`
	IngestMaxBatchSize   int           `mapstructure:"INGEST_MAX_BATCH_SIZE"`
	LedgerReservationTTL time.Duration `mapstructure:"LEDGER_RESERVATION_TTL"`
	IdempotencyTTL       time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	ReportStream       string   `mapstructure:"REPORT_STREAM"`
	ReportStreamMaxLen int64    `mapstructure:"REPORT_STREAM_MAXLEN"`
	WebhookURLs        []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret      string   `mapstructure:"WEBHOOK_SECRET"`

	MLLPAddr         string `mapstructure:"MLLP_ADDR"`
	MLLPSourceSystem string `mapstructure:"MLLP_SOURCE_SYSTEM"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit string   `mapstructure:"BATCH_BODY_LIMIT"`
}

var keys = []string{
	"ENV", "PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "MIGRATIONS_DIR", "REDIS_URL",
	"STORE_BACKEND", "LEDGER_BACKEND", "REPORT_BACKEND",
	"INGEST_CONCURRENCY", "INGEST_BATCH_TIMEOUT", "INGEST_MAX_BATCH_SIZE", "LEDGER_RESERVATION_TTL", "IDEMPOTENCY_TTL",
	"REPORT_STREAM", "REPORT_STREAM_MAXLEN", "WEBHOOK_URLS", "WEBHOOK_SECRET",
	"MLLP_ADDR", "MLLP_SOURCE_SYSTEM",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "BATCH_BODY_LIMIT",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. It does not validate; call Validate before use.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("LEDGER_BACKEND", BackendPostgres)
	v.SetDefault("REPORT_BACKEND", BackendPostgres)
	v.SetDefault("INGEST_CONCURRENCY", 8)
	v.SetDefault("INGEST_BATCH_TIMEOUT", "30s")
	v.SetDefault("INGEST_MAX_BATCH_SIZE", 1000)
	v.SetDefault("LEDGER_RESERVATION_TTL", "5m")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("REPORT_STREAM", "hl7:batch-reports")
	v.SetDefault("REPORT_STREAM_MAXLEN", 10000)
	v.SetDefault("MLLP_SOURCE_SYSTEM", "MLLP")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "20M")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsDatabase reports whether any backend is Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendPostgres || c.LedgerBackend == BackendPostgres || c.ReportBackend == BackendPostgres
}

// Validate checks that the configuration is safe to run. Outside
// development a token issuer or verification key must be configured.
func (c *Config) Validate() error {
	var errs []error

	if !oneOf(c.StoreBackend, BackendPostgres, BackendMemory) {
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend))
	}
	if !oneOf(c.LedgerBackend, BackendPostgres, BackendRedis, BackendMemory) {
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND must be %q, %q or %q, got %q", BackendPostgres, BackendRedis, BackendMemory, c.LedgerBackend))
	}
	if !oneOf(c.ReportBackend, BackendPostgres, BackendMemory) {
		errs = append(errs, fmt.Errorf("REPORT_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.ReportBackend))
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
	}
	if c.LedgerBackend == BackendRedis && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis ledger"))
	}

	if c.IngestConcurrency < 1 {
		errs = append(errs, fmt.Errorf("INGEST_CONCURRENCY must be positive, got %d", c.IngestConcurrency))
	}
	if c.IngestMaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("INGEST_MAX_BATCH_SIZE must be positive, got %d", c.IngestMaxBatchSize))
	}
	if c.IngestBatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_BATCH_TIMEOUT must be positive, got %s", c.IngestBatchTimeout))
	}
	// A reservation that can expire mid-batch would let a concurrent
	// submission of the same control ID through.
	if c.LedgerReservationTTL <= c.IngestBatchTimeout {
		errs = append(errs, fmt.Errorf("LEDGER_RESERVATION_TTL (%s) must exceed INGEST_BATCH_TIMEOUT (%s)", c.LedgerReservationTTL, c.IngestBatchTimeout))
	}

	if c.WebhookSecret == "" && len(c.WebhookURLs) > 0 {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URLS is set"))
	}

	if !c.IsDev() {
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			errs = append(errs, fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env))
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			errs = append(errs, errors.New("AUTH_SIGNING_KEY is for development and testing only; use AUTH_JWKS_URL in production"))
		}
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
