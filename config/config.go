package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	RedisAddr       string `env:"REDIS_ADDR"       envDefault:"redis:6379"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB"         envDefault:"0"`
	RedisPrefix     string `env:"REDIS_PREFIX"`
	PendingQueue    string `env:"IMAGE_PENDING_QUEUE"    envDefault:"imagejobs:pending"`
	ProcessingQueue string `env:"IMAGE_PROCESSING_QUEUE" envDefault:"imagejobs:processing"`
	FailedQueue     string `env:"IMAGE_FAILED_QUEUE"     envDefault:"imagejobs:failed"`
	DelayedQueue    string `env:"IMAGE_DELAYED_QUEUE"    envDefault:"imagejobs:delayed"`
	DeliveryPrefix  string `env:"IMAGE_DELIVERY_PREFIX"  envDefault:"imagejobs:delivery:"`

	WorkerCount   int           `env:"WORKER_COUNT"     envDefault:"5"`
	MaxAttempts   int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff  time.Duration `env:"JOB_BACKOFF"      envDefault:"2s"`
	StaleJobAfter time.Duration `env:"STALE_JOB_AFTER"  envDefault:"5m"`

	S3Bucket       string `env:"AWS_BUCKET" envDefault:"pixelforge"`
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE_ENDPOINT" envDefault:"false"`
	S3PublicURL    string `env:"S3_PUBLIC_URL"`
	S3ACL          string `env:"S3_ACL"        envDefault:"public-read"`

	DB DBConfig

	HTTPAddr            string        `env:"HTTP_ADDR"             envDefault:":8080"`
	ReachabilityTimeout time.Duration `env:"REACHABILITY_TIMEOUT"  envDefault:"5s"`
	DownloadHeadTimeout time.Duration `env:"DOWNLOAD_HEAD_TIMEOUT" envDefault:"10s"`
	DownloadGetTimeout  time.Duration `env:"DOWNLOAD_GET_TIMEOUT"  envDefault:"30s"`
	DownloadMaxBytes    int64         `env:"DOWNLOAD_MAX_BYTES"    envDefault:"10485760"`
	TransformTimeout    time.Duration `env:"TRANSFORM_TIMEOUT"     envDefault:"60s"`
	UploadTimeout       time.Duration `env:"UPLOAD_TIMEOUT"        envDefault:"60s"`
	DefaultMaxDimension int           `env:"DEFAULT_MAX_DIMENSION" envDefault:"800"`
	DefaultQuality      int           `env:"DEFAULT_QUALITY"       envDefault:"85"`
	ListLimit           int           `env:"LIST_LIMIT"            envDefault:"100"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

type DBConfig struct {
	Driver      string `env:"DB_DRIVER"      envDefault:"postgres"`
	URL         string `env:"DB_URL"`
	Host        string `env:"DB_HOST"        envDefault:"localhost"`
	Port        string `env:"DB_PORT"        envDefault:"5432"`
	Name        string `env:"DB_DATABASE"    envDefault:"pixelforge"`
	User        string `env:"DB_USERNAME"    envDefault:"pixelforge"`
	Password    string `env:"DB_PASSWORD"`
	SSLMode     string `env:"DB_SSLMODE"     envDefault:"disable"`
	SSLCert     string `env:"DB_SSLCERT"`
	SSLKey      string `env:"DB_SSLKEY"`
	SSLRootCert string `env:"DB_SSLROOTCERT"`
	SQLitePath  string `env:"SQLITE_PATH"    envDefault:"data/pixelforge.db"`
}

func Load() (*Config, error) {
	return LoadFrom(environ())
}

// LoadFrom parses configuration from the given environment map.
func LoadFrom(environment map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	cfg.S3Region = firstNonEmpty(environment["S3_REGION"], environment["AWS_DEFAULT_REGION"], "us-east-1")
	cfg.AWSS3AccessKey = firstNonEmpty(environment["S3_KEY"], environment["AWS_ACCESS_KEY_ID"])
	cfg.AWSS3SecretKey = firstNonEmpty(environment["S3_SECRET"], environment["AWS_SECRET_ACCESS_KEY"])

	cfg.PendingQueue = applyPrefix(cfg.PendingQueue, cfg.RedisPrefix)
	cfg.ProcessingQueue = applyPrefix(cfg.ProcessingQueue, cfg.RedisPrefix)
	cfg.FailedQueue = applyPrefix(cfg.FailedQueue, cfg.RedisPrefix)
	cfg.DelayedQueue = applyPrefix(cfg.DelayedQueue, cfg.RedisPrefix)
	cfg.DeliveryPrefix = applyPrefix(cfg.DeliveryPrefix, cfg.RedisPrefix)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.DownloadMaxBytes <= 0 {
		return fmt.Errorf("DOWNLOAD_MAX_BYTES must be positive")
	}
	if c.DefaultQuality < 1 || c.DefaultQuality > 100 {
		return fmt.Errorf("DEFAULT_QUALITY must be within 1..100, got %d", c.DefaultQuality)
	}
	if c.ListLimit < 1 {
		c.ListLimit = 100
	}
	switch c.DB.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (valid options: postgres, sqlite3)", c.DB.Driver)
	}
	return nil
}

// DatabaseURL returns the data source name for the configured driver.
func (c *Config) DatabaseURL() string {
	db := c.DB
	if db.URL != "" {
		return db.URL
	}
	if db.Driver == "sqlite3" {
		return db.SQLitePath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dsn := fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s sslmode=%s",
		db.Host, db.Port, db.Name, db.User, db.SSLMode,
	)
	if db.Password != "" {
		dsn += fmt.Sprintf(" password=%s", db.Password)
	}
	if db.SSLCert != "" {
		dsn += fmt.Sprintf(" sslcert=%s", db.SSLCert)
	}
	if db.SSLKey != "" {
		dsn += fmt.Sprintf(" sslkey=%s", db.SSLKey)
	}
	if db.SSLRootCert != "" {
		dsn += fmt.Sprintf(" sslrootcert=%s", db.SSLRootCert)
	}
	return dsn
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok {
			out[key] = value
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}
