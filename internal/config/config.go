package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	ReferenceFile  string        `mapstructure:"REFERENCE_FILE"`
	DefaultRate    float64       `mapstructure:"DEFAULT_RATE"`
	ConfidenceMode string        `mapstructure:"CONFIDENCE_MODE"`
	ConfidenceSeed int64         `mapstructure:"CONFIDENCE_SEED"`
	CarryForward   bool          `mapstructure:"CARRY_FORWARD_SELECTIONS"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`

	BillingQueue     string `mapstructure:"BILLING_QUEUE"`
	AMQPURL          string `mapstructure:"AMQP_URL"`
	BillingQueueName string `mapstructure:"BILLING_QUEUE_NAME"`

	ArchiveDriver  string `mapstructure:"ARCHIVE_DRIVER"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

// Queue drivers.
const (
	QueueMemory   = "memory"
	QueuePostgres = "postgres"
	QueueAMQP     = "amqp"
)

// Archive drivers.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveMinio  = "minio"
)

// Confidence modes.
const (
	ConfidenceStrength = "strength"
	ConfidenceFlat     = "flat"
	ConfidenceJitter   = "jitter"
)

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REFERENCE_FILE", "DEFAULT_RATE", "CONFIDENCE_MODE", "CONFIDENCE_SEED",
	"CARRY_FORWARD_SELECTIONS", "SESSION_TTL",
	"BILLING_QUEUE", "AMQP_URL", "BILLING_QUEUE_NAME",
	"ARCHIVE_DRIVER", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
	"MINIO_BUCKET", "MINIO_USE_SSL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CONFIDENCE_MODE", ConfidenceStrength)
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("BILLING_QUEUE", QueueMemory)
	v.SetDefault("BILLING_QUEUE_NAME", "charge-batches")
	v.SetDefault("ARCHIVE_DRIVER", ArchiveNone)
	v.SetDefault("MINIO_BUCKET", "charge-archive")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (ENV=%q)", c.Env)
	}

	switch c.BillingQueue {
	case QueueMemory:
		if c.IsProduction() {
			return fmt.Errorf("BILLING_QUEUE=memory is not allowed in production")
		}
	case QueuePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when BILLING_QUEUE=postgres")
		}
	case QueueAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when BILLING_QUEUE=amqp")
		}
		if c.BillingQueueName == "" {
			return fmt.Errorf("BILLING_QUEUE_NAME is required when BILLING_QUEUE=amqp")
		}
	default:
		return fmt.Errorf("BILLING_QUEUE must be %q, %q or %q, got %q", QueueMemory, QueuePostgres, QueueAMQP, c.BillingQueue)
	}

	switch c.ArchiveDriver {
	case ArchiveNone, ArchiveMemory:
	case ArchiveMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required when ARCHIVE_DRIVER=minio")
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be %q, %q or %q, got %q", ArchiveNone, ArchiveMemory, ArchiveMinio, c.ArchiveDriver)
	}

	switch c.ConfidenceMode {
	case ConfidenceStrength, ConfidenceFlat, ConfidenceJitter:
	default:
		return fmt.Errorf("CONFIDENCE_MODE must be %q, %q or %q, got %q", ConfidenceStrength, ConfidenceFlat, ConfidenceJitter, c.ConfidenceMode)
	}

	if c.DefaultRate < 0 {
		return fmt.Errorf("DEFAULT_RATE must not be negative, got %.2f", c.DefaultRate)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("SESSION_TTL must not be negative, got %s", c.SessionTTL)
	}
	return nil
}
