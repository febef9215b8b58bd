// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger, nil
}

// RunID tags a log entry with a run identifier.
func RunID(id string) zap.Field { return zap.String("run_id", id) }

// ItemID tags a log entry with an item identifier.
func ItemID(id string) zap.Field { return zap.String("item_id", id) }

// Stage tags a log entry with a pipeline stage.
func Stage(stage string) zap.Field { return zap.String("stage", stage) }

// Provider tags a log entry with a provider name.
func Provider(name string) zap.Field { return zap.String("provider", name) }

// Worker tags a log entry with a worker identifier.
func Worker(id string) zap.Field { return zap.String("worker", id) }
