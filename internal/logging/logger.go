// Package logging wires the process-wide zap logger. Packages take Named
// children of L() so every line carries its subsystem.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init builds the logger once: JSON output when ENVIRONMENT=production,
// colored console output everywhere else. LOG_LEVEL overrides the
// per-environment default level.
func Init() {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("ENVIRONMENT") == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
			cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			// Build logs are read live while a cycle runs; dates are noise.
			cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		}
		if raw := os.Getenv("LOG_LEVEL"); raw != "" {
			if lvl, err := zap.ParseAtomicLevel(raw); err == nil {
				cfg.Level = lvl
			}
		}

		var err error
		logger, err = cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			logger = zap.NewNop()
		}
		sugar = logger.Sugar()
	})
}

// L returns the global structured logger, initializing it on first use.
func L() *zap.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

// S returns the global sugared logger (printf-style).
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init()
	}
	return sugar
}

// Sync flushes buffered entries. Call before the process exits.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithContext returns a logger carrying additional structured fields.
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}
