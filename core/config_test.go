package core

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("LLAMA_BOX_DATA_DIR", "/var/lib/llama-box")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr() != "127.0.0.1:8080" {
		t.Errorf("ListenAddr() = %q, want 127.0.0.1:8080", cfg.ListenAddr())
	}
	if cfg.RequestTimeout != DefaultRequestTimeout*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("PoolSize = %d, want %d", cfg.PoolSize, DefaultPoolSize)
	}
	if !strings.HasSuffix(cfg.DatabasePath, DefaultDatabaseFile) || !strings.HasPrefix(cfg.DatabasePath, "/var/lib/llama-box") {
		t.Errorf("DatabasePath = %q, want history.db under the data directory", cfg.DatabasePath)
	}
	if cfg.Development {
		t.Error("Development = true by default")
	}
	if cfg.GPUMetricsInterval != 0 {
		t.Errorf("GPUMetricsInterval = %v, want disabled by default", cfg.GPUMetricsInterval)
	}
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("LLAMA_BOX_HOST", "0.0.0.0")
	t.Setenv("LLAMA_BOX_PORT", "9090")
	t.Setenv("LLAMA_BOX_API_KEY", "sk-local-secret")
	t.Setenv("LLAMA_BOX_RATE_LIMIT_RPS", "0")
	t.Setenv("SD_POOL_SIZE", "2")
	t.Setenv("LLAMA_BOX_NO_HISTORY", "true")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:9090" {
		t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
	}
	if cfg.PoolSize != 2 || cfg.RateLimitRPS != 0 {
		t.Errorf("PoolSize=%d RateLimitRPS=%v", cfg.PoolSize, cfg.RateLimitRPS)
	}
	if cfg.DatabasePath != "" {
		t.Errorf("DatabasePath = %q, want empty with LLAMA_BOX_NO_HISTORY", cfg.DatabasePath)
	}
	if !cfg.Development {
		t.Error("Development = false with ENVIRONMENT=development")
	}
	if s := cfg.String(); strings.Contains(s, "sk-local-secret") || !strings.Contains(s, "auth=enabled") {
		t.Errorf("String() = %q, should report auth without the key", s)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Host: DefaultHost, Port: DefaultPort, RequestTimeout: time.Minute,
			RateLimitRPS: 1, RateLimitBurst: 1, PoolSize: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantVar string
	}{
		{"valid", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.Port = 0 }, "LLAMA_BOX_PORT"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "LLAMA_BOX_PORT"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "LLAMA_BOX_REQUEST_TIMEOUT_SECONDS"},
		{"negative rps", func(c *Config) { c.RateLimitRPS = -1 }, "LLAMA_BOX_RATE_LIMIT_RPS"},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, "LLAMA_BOX_RATE_LIMIT_BURST"},
		{"zero burst without limiting", func(c *Config) { c.RateLimitRPS = 0; c.RateLimitBurst = 0 }, ""},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, "SD_POOL_SIZE"},
		{"negative history", func(c *Config) { c.HistoryMaxRows = -1 }, "LLAMA_BOX_HISTORY_MAX_ROWS"},
		{"negative gpu interval", func(c *Config) { c.GPUMetricsInterval = -time.Second }, "LLAMA_BOX_GPU_METRICS_INTERVAL_SECONDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantVar == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if GetErrorCode(err) != ErrCodeInvalidValue || !strings.Contains(err.Error(), tt.wantVar) {
				t.Errorf("Validate() error = %v, want invalid %s", err, tt.wantVar)
			}
		})
	}
}
