package core

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds the serving-process configuration. Model and sampling
// settings live in sdruntime.GenerationConfig.
type Config struct {
	// Server Configuration
	Host           string
	Port           int
	APIKey         string        // Optional; when set every /v1 request needs "Authorization: Bearer <key>"
	RequestTimeout time.Duration // Upper bound for one generation request, including queueing
	RateLimitRPS   float64       // Sustained requests per second per client (0 disables limiting)
	RateLimitBurst int

	// Runtime Configuration
	PoolSize int // Number of model contexts; each holds a full copy of the weights

	// Persistence
	DatabasePath   string // Generation history database under DataDirectory; empty disables history
	HistoryMaxRows int

	// Metrics
	GPUMetricsInterval time.Duration // nvidia-smi sampling period; zero disables GPU metrics

	// Logging
	LogFile     string
	LogLevel    string
	Development bool
}

// Default configuration values
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultRequestTimeout   = 600
	DefaultRateLimitRPS     = 2.0
	DefaultRateLimitBurst   = 4
	DefaultPoolSize         = 1
	DefaultDatabaseFile     = "history.db"
	DefaultHistoryMaxRows   = 10000
	DefaultGPUMetricsPeriod = 0
	DefaultLogFile          = "llama-box.log"
	DefaultLogLevel         = "info"
	DefaultEnvironmentValue = "production"
)

// LoadConfig reads the serving configuration from environment variables.
// Call godotenv.Load beforehand to pick up a .env file.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Host:           GetEnvOrDefault("LLAMA_BOX_HOST", DefaultHost),
		Port:           ParseIntEnv("LLAMA_BOX_PORT", DefaultPort),
		APIKey:         GetEnvOrDefault("LLAMA_BOX_API_KEY", ""),
		RequestTimeout: ParseDurationEnv("LLAMA_BOX_REQUEST_TIMEOUT_SECONDS", DefaultRequestTimeout),
		RateLimitRPS:   ParseFloat64Env("LLAMA_BOX_RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst: ParseIntEnv("LLAMA_BOX_RATE_LIMIT_BURST", DefaultRateLimitBurst),
		PoolSize:       ParseIntEnv("SD_POOL_SIZE", DefaultPoolSize),
		DatabasePath:   GetEnvOrDefault("LLAMA_BOX_DB_PATH", DataFilePath(DefaultDatabaseFile)),
		HistoryMaxRows: ParseIntEnv("LLAMA_BOX_HISTORY_MAX_ROWS", DefaultHistoryMaxRows),
		LogFile:        GetEnvOrDefault("LLAMA_BOX_LOG_FILE", DefaultLogFile),
		LogLevel:       GetEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		Development:    GetEnvOrDefault("ENVIRONMENT", DefaultEnvironmentValue) == "development",
	}

	cfg.GPUMetricsInterval = ParseDurationEnv("LLAMA_BOX_GPU_METRICS_INTERVAL_SECONDS", DefaultGPUMetricsPeriod)
	if ParseBoolEnv("LLAMA_BOX_NO_HISTORY", false) {
		cfg.DatabasePath = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It returns a *ConfigError describing the
// first problem found.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidValue("LLAMA_BOX_PORT", c.Port, "must be between 1 and 65535")
	}
	if c.RequestTimeout <= 0 {
		return ErrInvalidValue("LLAMA_BOX_REQUEST_TIMEOUT_SECONDS", c.RequestTimeout, "must be positive")
	}
	if c.RateLimitRPS < 0 {
		return ErrInvalidValue("LLAMA_BOX_RATE_LIMIT_RPS", c.RateLimitRPS, "must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return ErrInvalidValue("LLAMA_BOX_RATE_LIMIT_BURST", c.RateLimitBurst, "must be at least 1")
	}
	if c.PoolSize < 1 {
		return ErrInvalidValue("SD_POOL_SIZE", c.PoolSize, "must be at least 1")
	}
	if c.GPUMetricsInterval < 0 {
		return ErrInvalidValue("LLAMA_BOX_GPU_METRICS_INTERVAL_SECONDS", c.GPUMetricsInterval, "must not be negative")
	}
	if c.HistoryMaxRows < 0 {
		return ErrInvalidValue("LLAMA_BOX_HISTORY_MAX_ROWS", c.HistoryMaxRows, "must not be negative")
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String summarises the configuration for startup logs without the API key.
func (c *Config) String() string {
	auth := "disabled"
	if c.APIKey != "" {
		auth = "enabled"
	}
	return fmt.Sprintf("listen=%s pool=%d auth=%s history=%q", c.ListenAddr(), c.PoolSize, auth, c.DatabasePath)
}
