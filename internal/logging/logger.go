// Package logging provides the process-wide structured logger.
//
// Production builds log JSON; everything else logs colored console output.
// LOG_LEVEL overrides the default level (info in production, debug
// otherwise).
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init initializes the global logger. Safe to call multiple times.
func Init() {
	once.Do(func() {
		l, err := build(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))
		if err != nil {
			// Fallback to nop logger
			l = zap.NewNop()
		}
		set(l)
	})
}

func build(environment, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func set(l *zap.Logger) {
	logger = l
	sugar = l.Sugar()
}

// Replace swaps the global logger and returns a function restoring the
// previous one. Intended for tests and for cmd/ setup.
func Replace(l *zap.Logger) (restore func()) {
	Init()
	prev := logger
	set(l)
	return func() { set(prev) }
}

// L returns the global structured logger
func L() *zap.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

// S returns the global sugared logger (printf-style)
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init()
	}
	return sugar
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithContext returns a logger with additional structured fields
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}
