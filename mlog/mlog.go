// Package mlog provides the process-wide zap logger for proven-sync.
package mlog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level is the minimum log level. Accepts "debug", "info", "warn",
	// "error". Default is "info".
	Level string `yaml:"level"`

	// File appends logs to a file instead of stderr.
	File string `yaml:"file"`

	// Production switches to JSON encoding.
	Production bool `yaml:"production"`
}

// NewLogger creates a *zap.Logger from lc.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %s, %w", lc.Level, err)
		}
	}

	out := zapcore.Lock(os.Stderr)
	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file, %w", err)
		}
		out = zapcore.Lock(f)
	}

	var encoder zapcore.Encoder
	if lc.Production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(lvl))
	return zap.New(core), nil
}

var (
	mu sync.Mutex
	l  = zap.NewNop()
	s  = l.Sugar()
)

// SetLogger replaces the process-wide logger.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	l = logger
	s = logger.Sugar()
}

// L returns the process-wide logger. It defaults to a nop logger until
// SetLogger is called.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return l
}

// S returns the sugared form of L.
func S() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return s
}
