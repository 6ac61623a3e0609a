// Package logging wires the module's structured logging facade:
// github.com/go-logr/logr as the interface threaded through
// context.Context, backed by go.uber.org/zap at the process edge via
// github.com/go-logr/zapr.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
)

// FromContext returns the logr.Logger carried on ctx (threaded there via
// logr.NewContext by whatever installed it, typically cmd/pimagent's
// main), or the discard logger if none was installed.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}

// NewZapLogger builds the zap-backed logr.Logger used by cmd/pimagent.
// debug enables V(1)/V(2) diagnostics; buildVersion, if non-empty, is
// attached to every log entry so operators can correlate logs with the
// binary that produced them.
func NewZapLogger(debug bool, buildVersion string) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	logger := zapr.NewLogger(zl)
	if buildVersion != "" {
		logger = logger.WithValues("agentBuild", buildVersion)
	}
	return logger, nil
}

// Discard returns a no-op logger, used by tests and zero-value setups.
func Discard() logr.Logger { return logr.Discard() }
