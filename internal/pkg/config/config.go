package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	QueueCapacity int    `mapstructure:"QUEUE_CAPACITY"`
	NumWorkers    int    `mapstructure:"NUM_WORKERS"`

	// Persistence backend: memory, redis or sqlite
	StoreBackend string `mapstructure:"STORE_BACKEND"`

	// Redis config
	RedisHost      string `mapstructure:"REDIS_HOST"`
	RedisPort      string `mapstructure:"REDIS_PORT"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// SQLite config
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	// Prediction endpoint
	PredictionURL    string        `mapstructure:"PREDICTION_URL"`
	PredictionField  string        `mapstructure:"PREDICTION_FIELD"`
	RemoteTimeout    time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	RemoteMaxRetries int           `mapstructure:"REMOTE_MAX_RETRIES"`
	RemoteRateLimit  float64       `mapstructure:"REMOTE_RATE_LIMIT"`
	RemoteRateBurst  int           `mapstructure:"REMOTE_RATE_BURST"`
	BreakerThreshold int           `mapstructure:"BREAKER_THRESHOLD"`
	BreakerReset     time.Duration `mapstructure:"BREAKER_RESET"`

	// Cache lifecycle
	RecordMaxAge  time.Duration `mapstructure:"RECORD_MAX_AGE"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`

	// Table detection, "category=kw1|kw2;other=kw3". Empty means built-in rules.
	ClassifierRules string `mapstructure:"CLASSIFIER_RULES"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("QUEUE_CAPACITY", 1000)
	v.SetDefault("NUM_WORKERS", 1) // a single consumer drains the queue

	v.SetDefault("STORE_BACKEND", "memory")

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "tablegate")

	v.SetDefault("SQLITE_PATH", "tablegate.db")

	// Prediction endpoint defaults
	v.SetDefault("PREDICTION_URL", "http://localhost:3000/api/v1/prediction")
	v.SetDefault("PREDICTION_FIELD", "question")
	v.SetDefault("REMOTE_TIMEOUT", 60*time.Second)
	v.SetDefault("REMOTE_MAX_RETRIES", 3)
	v.SetDefault("REMOTE_RATE_LIMIT", 5.0)
	v.SetDefault("REMOTE_RATE_BURST", 10)
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_RESET", 30*time.Second)

	v.SetDefault("RECORD_MAX_AGE", 7*24*time.Hour)
	v.SetDefault("SWEEP_INTERVAL", 10*time.Minute)

	v.SetDefault("CLASSIFIER_RULES", "")
	v.SetDefault("LOG_LEVEL", "info")

	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var problems []string
	switch c.StoreBackend {
	case "memory", "redis", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("STORE_BACKEND %q must be memory, redis or sqlite", c.StoreBackend))
	}
	if c.QueueCapacity <= 0 {
		problems = append(problems, "QUEUE_CAPACITY must be > 0")
	}
	if c.NumWorkers <= 0 {
		problems = append(problems, "NUM_WORKERS must be > 0")
	}
	if c.PredictionURL == "" {
		problems = append(problems, "PREDICTION_URL is required")
	}
	if c.RemoteMaxRetries < 0 {
		problems = append(problems, "REMOTE_MAX_RETRIES must be >= 0")
	}
	if c.RecordMaxAge <= 0 {
		problems = append(problems, "RECORD_MAX_AGE must be > 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Address of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
