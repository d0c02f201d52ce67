package logging

import (
	"go.uber.org/zap/zapcore"
)

// NewConsoleCore builds the console half of the logger: colored and
// human-readable in development, JSON otherwise.
func NewConsoleCore(level zapcore.Level, w zapcore.WriteSyncer, isDev bool) zapcore.Core {
	var enc zapcore.Encoder
	if isDev {
		enc = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		enc = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	return zapcore.NewCore(enc, w, level)
}

// NewMultiCoreWithWriters tees the console core with a JSON file core.
// The file side is always JSON so it can be shipped and parsed.
//
// Example:
//
//	var buf bytes.Buffer
//	core := NewMultiCoreWithWriters(zapcore.DebugLevel, os.Stdout, zapcore.AddSync(&buf), true)
//	logger := zap.New(core)
func NewMultiCoreWithWriters(level zapcore.Level, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) zapcore.Core {
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(NewEncoderConfig()),
		fileWriter,
		level,
	)
	return zapcore.NewTee(NewConsoleCore(level, consoleWriter, isDev), fileCore)
}
