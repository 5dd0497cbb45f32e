// Package logger provides the process-wide structured logger.
//
// zap with an AtomicLevel so the level can be changed at runtime. JSON output
// for production, console output for development.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
	once        sync.Once
)

// Init initializes the global logger.
// level: debug, info, warn, error
// format: json or console
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		logger, err := New(level, format)
		if err != nil {
			initErr = err
			return
		}
		global = logger
	})
	return initErr
}

// New builds a logger bound to the shared AtomicLevel without touching the
// global instance.
func New(level, format string) (*zap.Logger, error) {
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = atomicLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// SetLevel dynamically changes the log level.
func SetLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

// Level exposes the AtomicLevel; it implements http.Handler for GET/PUT of the level.
func Level() *zap.AtomicLevel {
	return &atomicLevel
}

// L returns the global logger, or a no-op logger if Init has not run.
func L() *zap.Logger {
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Sync flushes any buffered log entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
