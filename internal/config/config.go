package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP      HTTPConfig
	Redis     RedisConfig
	Reasoning ReasoningConfig
	Catalog   CatalogConfig
	Price     PriceConfig
	Stream    StreamConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SessionTTL   time.Duration
	StreamMaxLen int64
}

// ReasoningConfig points at the backend collaborator that performs intent
// classification, schema lookup, requirement structuring and product analysis.
type ReasoningConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

type CatalogConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type PriceConfig struct {
	SearchURL      string
	MaxConcurrency int
	Timeout        time.Duration
	RetryAttempts  int
	MaxPerProduct  int
}

type StreamConfig struct {
	CharDelay    time.Duration
	BusyGateTTL  time.Duration
	MaxStreamLen int
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Load() (*Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 50),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			SessionTTL:   getEnvDuration("SESSION_TTL", 6*time.Hour),
			StreamMaxLen: int64(getEnvInt("SESSION_STREAM_MAXLEN", 1024)),
		},
		Reasoning: ReasoningConfig{
			BaseURL:    getEnv("REASONING_BASE_URL", "http://localhost:8001"),
			Timeout:    getEnvDuration("REASONING_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvInt("REASONING_MAX_RETRIES", 3),
			RetryDelay: getEnvDuration("REASONING_RETRY_DELAY", 2*time.Second),
		},
		Catalog: CatalogConfig{
			BaseURL:  getEnv("CATALOG_BASE_URL", "http://localhost:8002"),
			Timeout:  getEnvDuration("CATALOG_TIMEOUT", 10*time.Second),
			CacheTTL: getEnvDuration("CATALOG_CACHE_TTL", 5*time.Minute),
		},
		Price: PriceConfig{
			SearchURL:      getEnv("PRICE_SEARCH_URL", ""),
			MaxConcurrency: getEnvInt("PRICE_MAX_CONCURRENCY", 5),
			Timeout:        getEnvDuration("PRICE_TIMEOUT", 15*time.Second),
			RetryAttempts:  getEnvInt("PRICE_RETRY_ATTEMPTS", 2),
			MaxPerProduct:  getEnvInt("PRICE_MAX_PER_PRODUCT", 5),
		},
		Stream: StreamConfig{
			CharDelay:    getEnvDuration("STREAM_CHAR_DELAY", 15*time.Millisecond),
			BusyGateTTL:  getEnvDuration("SESSION_BUSY_TTL", 90*time.Second),
			MaxStreamLen: getEnvInt("STREAM_MAX_LEN", 4096),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", cfg.HTTP.Port)
	}

	if cfg.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if cfg.Reasoning.BaseURL == "" {
		return fmt.Errorf("REASONING_BASE_URL is required")
	}

	if cfg.Reasoning.MaxRetries < 1 {
		return fmt.Errorf("REASONING_MAX_RETRIES must be at least 1")
	}

	if cfg.Stream.CharDelay <= 0 {
		return fmt.Errorf("STREAM_CHAR_DELAY must be positive")
	}

	return nil
}

func (cfg *Config) IsProduction() bool {
	return cfg.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
