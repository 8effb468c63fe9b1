package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upper bounds taken from the queue and classifier contracts.
const (
	MaxClassifierTimeout = 30 * time.Second
	MaxQueueCacheTTL     = 30 * time.Second
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	NATSURL       string   `mapstructure:"NATS_URL"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	ClassifierURL     string        `mapstructure:"CLASSIFIER_URL"`
	ClassifierAPIKey  string        `mapstructure:"CLASSIFIER_API_KEY"`
	ClassifierModel   string        `mapstructure:"CLASSIFIER_MODEL"`
	ClassifierTimeout time.Duration `mapstructure:"CLASSIFIER_TIMEOUT"`
	ClassifierMemoTTL time.Duration `mapstructure:"CLASSIFIER_MEMO_TTL"`
	MaxDocumentBytes  int64         `mapstructure:"MAX_DOCUMENT_BYTES"`

	DoctorLoadThreshold int           `mapstructure:"DOCTOR_LOAD_THRESHOLD"`
	QueueCacheTTL       time.Duration `mapstructure:"QUEUE_CACHE_TTL"`
	StorageRetries      int           `mapstructure:"STORAGE_RETRY_ATTEMPTS"`
	StorageRetryBackoff time.Duration `mapstructure:"STORAGE_RETRY_BACKOFF"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "NATS_URL", "CORS_ORIGINS",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_USE_SSL",
	"CLASSIFIER_URL", "CLASSIFIER_API_KEY", "CLASSIFIER_MODEL", "CLASSIFIER_TIMEOUT", "CLASSIFIER_MEMO_TTL",
	"MAX_DOCUMENT_BYTES", "DOCTOR_LOAD_THRESHOLD", "QUEUE_CACHE_TTL",
	"STORAGE_RETRY_ATTEMPTS", "STORAGE_RETRY_BACKOFF", "REQUEST_TIMEOUT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
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
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MINIO_BUCKET", "intake-documents")
	v.SetDefault("CLASSIFIER_MODEL", "gemini-1.5-flash")
	v.SetDefault("CLASSIFIER_TIMEOUT", "30s")
	v.SetDefault("CLASSIFIER_MEMO_TTL", "10m")
	v.SetDefault("MAX_DOCUMENT_BYTES", 10<<20)
	v.SetDefault("DOCTOR_LOAD_THRESHOLD", 5)
	v.SetDefault("QUEUE_CACHE_TTL", "30s")
	v.SetDefault("STORAGE_RETRY_ATTEMPTS", 2)
	v.SetDefault("STORAGE_RETRY_BACKOFF", "100ms")
	v.SetDefault("REQUEST_TIMEOUT", "45s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ClassifierTimeout > MaxClassifierTimeout {
		cfg.ClassifierTimeout = MaxClassifierTimeout
	}
	if cfg.QueueCacheTTL > MaxQueueCacheTTL {
		cfg.QueueCacheTTL = MaxQueueCacheTTL
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, unauthenticated requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
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

// Validate checks that the configuration is safe to run. Outside development a
// token issuer (or a static signing key) must be configured, and production
// additionally needs a classifier endpoint.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.ClassifierURL == "" {
		return fmt.Errorf("CLASSIFIER_URL is required in production")
	}
	if c.DoctorLoadThreshold <= 0 {
		return fmt.Errorf("DOCTOR_LOAD_THRESHOLD must be positive, got %d", c.DoctorLoadThreshold)
	}
	if c.MaxDocumentBytes <= 0 {
		return fmt.Errorf("MAX_DOCUMENT_BYTES must be positive, got %d", c.MaxDocumentBytes)
	}
	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be positive")
	}
	if c.StorageRetries < 1 {
		return fmt.Errorf("STORAGE_RETRY_ATTEMPTS must be at least 1, got %d", c.StorageRetries)
	}
	// The intake handler waits on the classifier, so the request deadline has
	// to outlive it or degraded intakes would surface as 504s.
	if c.RequestTimeout <= c.ClassifierTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed CLASSIFIER_TIMEOUT (%s)", c.RequestTimeout, c.ClassifierTimeout)
	}
	return nil
}
