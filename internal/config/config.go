package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Remote store (empty URI keeps documents in process memory)
	MongoURI    string `env:"MONGO_URI"`
	MongoDBName string `env:"MONGO_DB_NAME" envDefault:"smsguard"`

	// Local cache
	CachePath string `env:"CACHE_PATH" envDefault:"./data/cache.db"`

	// Dashboard counters (optional)
	RedisAddr     string `env:"REDIS_ADDR"` // e.g., localhost:6379
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Classification gateway
	ClassifierURL       string        `env:"CLASSIFIER_URL"` // e.g., https://classifier.example.com
	ClassifierAPIKey    string        `env:"CLASSIFIER_API_KEY"`
	ClassifierTimeout   time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"10s"`
	ClassifierBatchSize int           `env:"CLASSIFIER_BATCH_SIZE" envDefault:"50"`
	SuspiciousThreshold float64       `env:"SUSPICIOUS_THRESHOLD" envDefault:"0.8"`

	// Device
	DeviceExportDir string   `env:"DEVICE_EXPORT_DIR" envDefault:"./data/devices"`
	AccountIDs      []string `env:"ACCOUNT_IDS" envSeparator:","`

	// Scanning
	ScanInterval     time.Duration `env:"SCAN_INTERVAL" envDefault:"5m"`
	ReplayInterval   time.Duration `env:"REPLAY_INTERVAL" envDefault:"30s"`
	ScoreFreshness   time.Duration `env:"SCORE_FRESHNESS" envDefault:"1h"`
	RegistryFailOpen bool          `env:"REGISTRY_FAIL_OPEN" envDefault:"true"`

	// Metrics
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// MongoEnabled returns true if a MongoDB remote store is configured
func (c *Config) MongoEnabled() bool {
	return c.MongoURI != ""
}

// RedisEnabled returns true if dashboard counters are configured
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks value ranges that env tags cannot express
func (c *Config) Validate() error {
	if c.SuspiciousThreshold <= 0 || c.SuspiciousThreshold > 1 {
		return fmt.Errorf("SUSPICIOUS_THRESHOLD must be within (0,1], got %v", c.SuspiciousThreshold)
	}
	if c.ClassifierBatchSize <= 0 {
		return fmt.Errorf("CLASSIFIER_BATCH_SIZE must be positive, got %d", c.ClassifierBatchSize)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive, got %s", c.ScanInterval)
	}
	if c.ReplayInterval <= 0 {
		return fmt.Errorf("REPLAY_INTERVAL must be positive, got %s", c.ReplayInterval)
	}
	if c.ScoreFreshness <= 0 {
		return fmt.Errorf("SCORE_FRESHNESS must be positive, got %s", c.ScoreFreshness)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}
