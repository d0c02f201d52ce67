package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Default file writer configuration values
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
	DefaultCompress   = true
)

// FileWriterConfig holds rotation settings for the log file.
type FileWriterConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	LocalTime  bool
}

// DefaultFileWriterConfig returns a FileWriterConfig with default values.
func DefaultFileWriterConfig() FileWriterConfig {
	return FileWriterConfig{
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAgeDays: DefaultMaxAgeDays,
		Compress:   DefaultCompress,
	}
}

// NewFileWriterWithConfig returns a WriteSyncer that rotates path with
// lumberjack. The file is opened eagerly so a bad path fails at startup
// rather than on the first log entry.
func NewFileWriterWithConfig(path string, config FileWriterConfig) (zapcore.WriteSyncer, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	// lumberjack opens lazily; probe the path once.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	f.Close()

	cfg := applyFileWriterDefaults(config)
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  cfg.LocalTime,
	}), nil
}

// applyFileWriterDefaults fills in zero sizes and counts. Compress cannot
// be defaulted this way; callers wanting compression start from
// DefaultFileWriterConfig.
func applyFileWriterDefaults(config FileWriterConfig) FileWriterConfig {
	result := config
	if result.MaxSizeMB == 0 {
		result.MaxSizeMB = DefaultMaxSizeMB
	}
	if result.MaxBackups == 0 {
		result.MaxBackups = DefaultMaxBackups
	}
	if result.MaxAgeDays == 0 {
		result.MaxAgeDays = DefaultMaxAgeDays
	}
	return result
}
