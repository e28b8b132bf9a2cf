// Package logging builds the process-wide structured logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger with ISO8601 timestamps, falling back to
// a development logger when dev is true (human-readable, for local runs).
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// WithRun returns a child logger scoped to one run's identifiers. Never log
// integration tokens through this or any other logger — see pkg/secretenvelope.
func WithRun(base *zap.Logger, workspaceID, runID string) *zap.Logger {
	return base.With(zap.String("workspace_id", workspaceID), zap.String("run_id", runID))
}
