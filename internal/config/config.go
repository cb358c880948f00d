// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// AppURL is the public origin of the hosting app; capture requests from other origins are rejected.
	AppURL string `mapstructure:"APP_URL"`
	// DatabaseURL is the Postgres DSN for the replay/observability database.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// UploadSigningKey signs upload tokens (HMAC-SHA-256). When empty, capture
	// endpoints answer 500 rather than issuing unverifiable tokens.
	UploadSigningKey string `mapstructure:"UPLOAD_SIGNING_KEY"`
	// UploadTokenTTL is the upload token lifetime (e.g. "15m").
	UploadTokenTTL string `mapstructure:"UPLOAD_TOKEN_TTL"`

	// AuthJWTPublicKey is the PEM public key of the external identity provider
	// whose access tokens carry the already-authenticated user id and roles.
	AuthJWTPublicKey string `mapstructure:"AUTH_JWT_PUBLIC_KEY"`
	// AuthJWTIssuer is the expected iss claim on external access tokens.
	AuthJWTIssuer string `mapstructure:"AUTH_JWT_ISSUER"`
	// AuthJWTAudience is the expected aud claim on external access tokens.
	AuthJWTAudience string `mapstructure:"AUTH_JWT_AUDIENCE"`

	// PolicyFile optionally points at a JSON capture-policy bundle; defaults apply when empty.
	PolicyFile string `mapstructure:"POLICY_FILE"`
	// StoreUserEmail, when true, persists the user's email on session rows.
	StoreUserEmail bool `mapstructure:"STORE_USER_EMAIL"`

	// MaxChunkBytes is the hard cap on a chunk upload body.
	MaxChunkBytes int64 `mapstructure:"MAX_CHUNK_BYTES"`

	// Blob store. When the S3 endpoint is empty, chunks are stored under BlobDir.
	BlobS3Endpoint  string `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3Bucket    string `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3AccessKey string `mapstructure:"BLOB_S3_ACCESS_KEY"`
	BlobS3SecretKey string `mapstructure:"BLOB_S3_SECRET_KEY"`
	BlobS3UseSSL    bool   `mapstructure:"BLOB_S3_USE_SSL"`
	BlobDir         string `mapstructure:"BLOB_DIR"`

	// RedisURL enables the session-retention read cache when set.
	RedisURL string `mapstructure:"REDIS_URL"`

	// AnalyticsKafkaBrokers is a comma-separated broker list; empty disables analytics emission.
	AnalyticsKafkaBrokers string `mapstructure:"ANALYTICS_KAFKA_BROKERS"`
	// AnalyticsKafkaTopic is the topic analytics data points are written to.
	AnalyticsKafkaTopic string `mapstructure:"ANALYTICS_KAFKA_TOPIC"`

	// CleanupInterval is how often the retention worker runs (e.g. "1h").
	CleanupInterval string `mapstructure:"CLEANUP_INTERVAL"`

	// EdgeLocation tags sessions and breadcrumbs with this deployment's location.
	EdgeLocation string `mapstructure:"EDGE_LOCATION"`

	// Build identifiers stamped onto new sessions.
	BuildVersionID        string `mapstructure:"BUILD_VERSION_ID"`
	BuildVersionTag       string `mapstructure:"BUILD_VERSION_TAG"`
	BuildVersionTimestamp string `mapstructure:"BUILD_VERSION_TIMESTAMP"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("UPLOAD_SIGNING_KEY", "")
	v.SetDefault("UPLOAD_TOKEN_TTL", "15m")
	v.SetDefault("AUTH_JWT_PUBLIC_KEY", "")
	v.SetDefault("AUTH_JWT_ISSUER", "tracelight-auth")
	v.SetDefault("AUTH_JWT_AUDIENCE", "tracelight-api")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("STORE_USER_EMAIL", false)
	v.SetDefault("MAX_CHUNK_BYTES", 512_000)
	v.SetDefault("BLOB_S3_ENDPOINT", "")
	v.SetDefault("BLOB_S3_BUCKET", "tracelight-replay")
	v.SetDefault("BLOB_S3_ACCESS_KEY", "")
	v.SetDefault("BLOB_S3_SECRET_KEY", "")
	v.SetDefault("BLOB_S3_USE_SSL", true)
	v.SetDefault("BLOB_DIR", "data/replay")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("ANALYTICS_KAFKA_BROKERS", "")
	v.SetDefault("ANALYTICS_KAFKA_TOPIC", "tracelight-analytics")
	v.SetDefault("CLEANUP_INTERVAL", "1h")
	v.SetDefault("EDGE_LOCATION", "")
	v.SetDefault("BUILD_VERSION_ID", "")
	v.SetDefault("BUILD_VERSION_TAG", "")
	v.SetDefault("BUILD_VERSION_TIMESTAMP", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.MaxChunkBytes <= 0 {
		return nil, errors.New("config: MAX_CHUNK_BYTES must be positive")
	}

	return &cfg, nil
}

// UploadTTL parses UploadTokenTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) UploadTTL() time.Duration {
	d, err := time.ParseDuration(c.UploadTokenTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// CleanupEvery parses CleanupInterval as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) CleanupEvery() time.Duration {
	d, err := time.ParseDuration(c.CleanupInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// AnalyticsBrokersList returns Kafka broker addresses from the comma-separated config.
// A non-empty list means analytics emission is enabled.
func (c *Config) AnalyticsBrokersList() []string {
	if c == nil || c.AnalyticsKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AnalyticsKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
