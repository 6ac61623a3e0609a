package logging

import (
	"context"
	"math/rand/v2"
	"time"
)

// Logger provides common telemetry logging functionality
type Logger struct {
	logFn func(ctx context.Context, msg string, args ...any)
}

// NewLogger creates a new telemetry logger with default log function
func NewLogger() *Logger {
	return &Logger{
		logFn: func(ctx context.Context, msg string, args ...any) {
			FromContext(ctx).V(0).Info(msg, args...)
		},
	}
}

func (l *Logger) Log(ctx context.Context, msg string, field ...any) {
	// Add timestamp to all log entries
	enrichedFields := []any{"timestamp", time.Now()}
	enrichedFields = append(enrichedFields, field...)
	l.logFn(ctx, msg, enrichedFields...)
}

func (l *Logger) WithLogFn(fn func(ctx context.Context, msg string, args ...any)) *Logger {
	l.logFn = fn
	return l
}

// AddFields is a helper to build field arrays safely
func AddFields(base []any, keyValues ...any) []any {
	return append(base, keyValues...)
}

// StatusSource supplies the current snapshot of whatever a StatusLogger
// periodically reports on. ok is false when there's nothing to report this
// tick (e.g. the collection a stats poller was watching got purged);
// the tick is then skipped rather than logging a stale value.
type StatusSource[T any] func(ctx context.Context) (value T, ok bool)

// StatusLoggerConfig configures a StatusLogger.
type StatusLoggerConfig[T any] struct {
	Logger    *Logger
	Frequency time.Duration
	Source    StatusSource[T]

	ExtractFieldsFn func(ctx context.Context, value T) []any
	EventTypeFn     func(value T) string
	MessageFn       func() string
}

// StatusLogger periodically polls Source and logs a structured snapshot of
// whatever it returns. Grounded on the teacher's generic
// TelemetryController (internal/logging's original Kubernetes
// Reconcile-on-requeue loop): the same "extract fields, tag an event type,
// log on a jittered interval" shape, generalized from a
// controller-runtime Reconcile callback driven by apiserver watch events
// to a plain ticker, since this module has no API server to watch and
// polls in-process state instead (agent network/online state, scheduler
// queue depth).
type StatusLogger[T any] struct {
	cfg StatusLoggerConfig[T]
}

// NewStatusLogger builds a StatusLogger. cfg.Logger defaults to
// NewLogger() if nil.
func NewStatusLogger[T any](cfg StatusLoggerConfig[T]) *StatusLogger[T] {
	if cfg.Logger == nil {
		cfg.Logger = NewLogger()
	}
	return &StatusLogger[T]{cfg: cfg}
}

// Run logs one snapshot immediately, then again every Frequency (jittered
// by up to ±10%, the same spread the teacher applied to reconcile
// requeues so many pollers don't all wake in lockstep), until ctx is
// canceled. A non-positive Frequency logs exactly once.
func (s *StatusLogger[T]) Run(ctx context.Context) {
	s.tick(ctx)
	if s.cfg.Frequency <= 0 {
		return
	}
	for {
		jitter := time.Duration(float64(s.cfg.Frequency) * 0.2 * (0.5 - rand.Float64()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Frequency + jitter):
			s.tick(ctx)
		}
	}
}

func (s *StatusLogger[T]) tick(ctx context.Context) {
	value, ok := s.cfg.Source(ctx)
	if !ok {
		return
	}
	fields := []any{"eventType", s.cfg.EventTypeFn(value)}
	fields = append(fields, s.cfg.ExtractFieldsFn(ctx, value)...)
	s.cfg.Logger.Log(ctx, s.cfg.MessageFn(), fields...)
}
