// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package commons

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging contract. All services and internal
// packages take this interface, never *zap.Logger directly.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Verbosef is the rate-limited verbose channel. Messages sharing the same
	// key are emitted at debug level at most once per interval; suppressed
	// repeats are counted and reported on the next emission. Use it for
	// per-frame logging on hot paths.
	Verbosef(key string, format string, args ...interface{})

	Sync() error
}

const verboseInterval = 5 * time.Second

type applicationLogger struct {
	sugar *zap.SugaredLogger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	dropped  map[string]int
}

// NewApplicationLogger builds the standard service logger: console encoder to
// stdout plus a rotated file sink when LOG_FILE is set. LOG_LEVEL selects the
// minimum level (debug, info, warn, error), defaulting to info.
func NewApplicationLogger() (Logger, error) {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.AddSync(os.Stdout),
			level,
		),
	}

	if path := os.Getenv("LOG_FILE"); path != "" {
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			fileSink,
			level,
		))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{
		sugar:    zl.Sugar(),
		lastSeen: make(map[string]time.Time),
		dropped:  make(map[string]int),
	}, nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *applicationLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *applicationLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
func (l *applicationLogger) Info(args ...interface{}) { l.sugar.Info(args...) }
func (l *applicationLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}
func (l *applicationLogger) Warn(args ...interface{}) { l.sugar.Warn(args...) }
func (l *applicationLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}
func (l *applicationLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}
func (l *applicationLogger) Error(args ...interface{}) { l.sugar.Error(args...) }
func (l *applicationLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}
func (l *applicationLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *applicationLogger) Verbosef(key string, format string, args ...interface{}) {
	l.mu.Lock()
	now := time.Now()
	last, seen := l.lastSeen[key]
	if seen && now.Sub(last) < verboseInterval {
		l.dropped[key]++
		l.mu.Unlock()
		return
	}
	l.lastSeen[key] = now
	suppressed := l.dropped[key]
	l.dropped[key] = 0
	l.mu.Unlock()

	if suppressed > 0 {
		l.sugar.Debugf(format+" (suppressed %d similar messages)", append(args, suppressed)...)
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *applicationLogger) Sync() error { return l.sugar.Sync() }
