package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger provides structured logging for all provider components.
type Logger struct {
	logger *zap.Logger
}

// Options controls logger construction.
type Options struct {
	Level       string
	Development bool
	Encoding    string
	// File, when set, additionally writes JSON log lines to a rotating
	// file.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New creates a new logger.
func New(opts Options) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if opts.Encoding == "console" {
		cfg.Encoding = "console"
	} else {
		cfg.Encoding = "json"
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 50
		}
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
		})
		enc := zapcore.NewJSONEncoder(cfg.EncoderConfig)
		fileCore := zapcore.NewCore(enc, sink, level)
		zl = zl.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	return &Logger{logger: zl}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{logger: zap.NewNop()}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error { return l.logger.Sync() }

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, fields(keysAndValues)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, fields(keysAndValues)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, err error, keysAndValues ...interface{}) {
	fs := fields(keysAndValues)
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	l.logger.Error(msg, fs...)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string, err error, keysAndValues ...interface{}) {
	fs := fields(keysAndValues)
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	l.logger.Fatal(msg, fs...)
}

// With returns a logger with additional fields attached.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(fields(keysAndValues)...)}
}

func fields(keysAndValues []interface{}) []zap.Field {
	if len(keysAndValues) == 0 {
		return nil
	}
	fs := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("INVALID_KEY_%d", i)
		}
		var value interface{} = "MISSING_VALUE"
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}
		fs = append(fs, zap.Any(key, value))
	}
	return fs
}
