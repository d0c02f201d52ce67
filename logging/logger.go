// Package logging provides the structured logger used across llama-box.
//
// Logger wraps zap.Logger and tees every entry to the console and to a
// size-rotated JSON log file. Field values that look like credentials are
// redacted before they reach either sink.
//
// Example:
//
//	logger, err := logging.NewLogger(logging.Options{
//	    Development: true,
//	    FilePath:    "llama-box.log",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("server started", zap.String("addr", "127.0.0.1:8080"))
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger.
type Options struct {
	// Development selects colored console output and debug level.
	Development bool

	// FilePath is the rotated JSON log file. Empty disables file output.
	FilePath string

	// Level overrides the level implied by Development when non-nil.
	Level *zapcore.Level

	// File rotation settings; zero values use the defaults.
	File FileWriterConfig
}

// Logger wraps zap.Logger with credential redaction.
type Logger struct {
	zap           *zap.Logger
	sugar         *zap.SugaredLogger
	isDevelopment bool
	logFilePath   string
}

// NewLogger creates a Logger. The file is rotated by lumberjack at
// 100MB with 5 compressed backups kept for 30 days unless opts.File says
// otherwise.
func NewLogger(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}
	if opts.Level != nil {
		level = *opts.Level
	}

	console := zapcore.Lock(os.Stdout)
	var core zapcore.Core
	if opts.FilePath == "" {
		core = NewConsoleCore(level, console, opts.Development)
	} else {
		fileCfg := opts.File
		if fileCfg == (FileWriterConfig{}) {
			fileCfg = DefaultFileWriterConfig()
		}
		fileWriter, err := NewFileWriterWithConfig(opts.FilePath, fileCfg)
		if err != nil {
			return nil, err
		}
		core = NewMultiCoreWithWriters(level, console, fileWriter, opts.Development)
	}

	return newLogger(core, opts.Development, opts.FilePath), nil
}

// NewLoggerFromCore wraps an existing core. Tests use it with
// zaptest/observer.
func NewLoggerFromCore(core zapcore.Core) *Logger {
	return newLogger(core, false, "")
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return NewLoggerFromCore(zapcore.NewNopCore())
}

func newLogger(core zapcore.Core, dev bool, path string) *Logger {
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{zap: z, sugar: z.Sugar(), isDevelopment: dev, logFilePath: path}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Infow logs with loosely-typed key-value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs with loosely-typed key-value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// Errorw logs with loosely-typed key-value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, redactKeysAndValues(keysAndValues)...)
}

// With creates a child logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.zap.With(redactFields(fields)...)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named adds a sub-logger name, e.g. "sdruntime" or "http".
func (l *Logger) Named(name string) *Logger {
	child := l.zap.Named(name)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap returns the underlying zap.Logger for packages that take one directly.
// Entries written through it skip redaction.
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.zap.WithOptions(zap.AddCallerSkip(-1))
}

// IsDevelopment returns true if the logger is configured for development mode.
func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

// LogFilePath returns the path to the log file.
func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	result := make([]zap.Field, len(fields))
	for i, field := range fields {
		result[i] = redactField(field)
	}
	return result
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}
	if field.Type == zapcore.StringType {
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	}
	return field
}

func redactKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues) == 0 {
		return keysAndValues
	}
	result := make([]interface{}, len(keysAndValues))
	copy(result, keysAndValues)

	for i := 0; i < len(result)-1; i += 2 {
		key, ok := result[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			result[i+1] = RedactedPlaceholder
			continue
		}
		if value, ok := result[i+1].(string); ok {
			result[i+1] = RedactSensitiveData(value)
		}
	}
	return result
}
