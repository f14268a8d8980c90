package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger.
// Usage elsewhere: service.Logger.Info("stream started", zap.String("asset", asset))
var Logger = zap.NewNop()

// InitLogger builds the production zap logger at the given level ("debug", "info", ...).
func InitLogger(level string) {
	config := zap.NewProductionConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	Logger, err = config.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}

// Named returns a child of Logger tagged with the component name.
func Named(component string) *zap.Logger {
	return Logger.With(zap.String("component", component))
}
