package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	BaseURL  string `mapstructure:"BASE_URL"`

	DBDriver      string `mapstructure:"DB_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MongoURI      string `mapstructure:"MONGODB_URI"`
	MongoDatabase string `mapstructure:"MONGODB_DATABASE"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	JWTExpiresIn        time.Duration `mapstructure:"JWT_EXPIRES_IN"`
	JWTRefreshExpiresIn time.Duration `mapstructure:"JWT_REFRESH_EXPIRES_IN"`
	JWTIssuer           string        `mapstructure:"JWT_ISSUER"`
	JWTAudience         string        `mapstructure:"JWT_AUDIENCE"`
	BcryptCost          int           `mapstructure:"BCRYPT_COST"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	UploadDir         string        `mapstructure:"UPLOAD_DIR"`
	MaxFileSize       int64         `mapstructure:"MAX_FILE_SIZE"`
	AllowedImageTypes []string      `mapstructure:"ALLOWED_IMAGE_TYPES"`
	BlobBackend       string        `mapstructure:"BLOB_BACKEND"`
	BlobURLPolicy     string        `mapstructure:"BLOB_URL_POLICY"`
	BlobSigningKey    string        `mapstructure:"BLOB_SIGNING_KEY"`
	BlobURLTTL        time.Duration `mapstructure:"BLOB_URL_TTL"`

	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	AuthRateLimit    int           `mapstructure:"AUTH_RATE_LIMIT"`
	AuthRateWindow   time.Duration `mapstructure:"AUTH_RATE_WINDOW"`
	UploadRateLimit  int           `mapstructure:"UPLOAD_RATE_LIMIT"`
	UploadRateWindow time.Duration `mapstructure:"UPLOAD_RATE_WINDOW"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	StrictLifecycle    bool `mapstructure:"STRICT_LIFECYCLE"`
	FlattenAnnotations bool `mapstructure:"FLATTEN_ANNOTATIONS"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "BASE_URL",
	"DB_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MONGODB_URI", "MONGODB_DATABASE", "REDIS_URL", "MIGRATIONS_DIR",
	"JWT_SECRET", "JWT_EXPIRES_IN", "JWT_REFRESH_EXPIRES_IN", "JWT_ISSUER", "JWT_AUDIENCE", "BCRYPT_COST",
	"CORS_ORIGINS",
	"UPLOAD_DIR", "MAX_FILE_SIZE", "ALLOWED_IMAGE_TYPES",
	"BLOB_BACKEND", "BLOB_URL_POLICY", "BLOB_SIGNING_KEY", "BLOB_URL_TTL",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_RATE_LIMIT", "AUTH_RATE_WINDOW", "UPLOAD_RATE_LIMIT", "UPLOAD_RATE_WINDOW",
	"REQUEST_TIMEOUT",
	"STRICT_LIFECYCLE", "FLATTEN_ANNOTATIONS",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_URL", "http://localhost:5000")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MONGODB_DATABASE", "oralvis")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("JWT_EXPIRES_IN", "168h")
	v.SetDefault("JWT_REFRESH_EXPIRES_IN", "720h")
	v.SetDefault("JWT_ISSUER", "oralvis-healthcare")
	v.SetDefault("JWT_AUDIENCE", "oralvis-users")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("MAX_FILE_SIZE", 10*1024*1024)
	v.SetDefault("ALLOWED_IMAGE_TYPES", "image/jpeg,image/png,image/jpg")
	v.SetDefault("BLOB_BACKEND", "local")
	v.SetDefault("BLOB_URL_POLICY", "public")
	v.SetDefault("BLOB_URL_TTL", "15m")
	v.SetDefault("S3_REGION", "us-east-1")
	// 100 requests per 15 minutes per client.
	v.SetDefault("RATE_LIMIT_RPS", 100.0/900.0)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("AUTH_RATE_LIMIT", 5)
	v.SetDefault("AUTH_RATE_WINDOW", "15m")
	v.SetDefault("UPLOAD_RATE_LIMIT", 10)
	v.SetDefault("UPLOAD_RATE_WINDOW", "10m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STRICT_LIFECYCLE", false)
	v.SetDefault("FLATTEN_ANNOTATIONS", true)

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

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.AllowedImageTypes = splitList(v.GetString("ALLOWED_IMAGE_TYPES"))
	cfg.DBDriver = strings.ToLower(cfg.DBDriver)

	if cfg.IsDev() && cfg.BlobSigningKey == "" && cfg.BlobURLPolicy == "signed" {
		log.Println("WARNING: BLOB_SIGNING_KEY is not set; signed blob URLs fall back to JWT_SECRET.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey returns the key used to sign blob URLs.
func (c *Config) SigningKey() []byte {
	if c.BlobSigningKey != "" {
		return []byte(c.BlobSigningKey)
	}
	return []byte(c.JWTSecret)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is \"postgres\"")
		}
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when DB_DRIVER is \"mongo\"")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\" or \"mongo\", got %q", c.DBDriver)
	}

	switch c.BlobBackend {
	case "local":
		if c.UploadDir == "" {
			return fmt.Errorf("UPLOAD_DIR is required when BLOB_BACKEND is \"local\"")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"local\" or \"s3\", got %q", c.BlobBackend)
	}

	switch c.BlobURLPolicy {
	case "public":
	case "signed":
		if c.BlobURLTTL <= 0 {
			return fmt.Errorf("BLOB_URL_TTL must be positive when BLOB_URL_POLICY is \"signed\"")
		}
		if c.IsProduction() && c.BlobSigningKey == "" {
			return fmt.Errorf("BLOB_SIGNING_KEY is required in production when BLOB_URL_POLICY is \"signed\"")
		}
	default:
		return fmt.Errorf("BLOB_URL_POLICY must be \"public\" or \"signed\", got %q", c.BlobURLPolicy)
	}

	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if len(c.AllowedImageTypes) == 0 {
		return fmt.Errorf("ALLOWED_IMAGE_TYPES must list at least one content type")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
