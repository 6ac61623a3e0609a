package logging

import (
	"context"
	"time"
)

// QueueSnapshot is the value a scheduler-depth StatusLogger polls: how
// much work is backed up in an agent's task scheduler (spec.md section
// 4.7's FullSync/CollectionTreeSync/CollectionSync/FetchItem/
// ResourceCollectionDeletion/ChangeReplay/Custom queue), so an operator
// can see a replay or sync backlog building up from the logs alone.
type QueueSnapshot struct {
	Depth int
}

// NewSchedulerBacklogLogger builds a StatusLogger that periodically
// reports an agent scheduler's queue depth. Callers supply source
// (typically a closure over *agentbase.Scheduler's Len method, bound at
// the embedder that owns both) so this package doesn't need to import
// agentbase itself. Grounded on the teacher's NewSynthesizerTelemetryLogger
// (former internal/logging/synthesizer.go), generalized from "poll a
// Kubernetes Synthesizer CR's generation" to "poll an in-process
// scheduler's backlog" since this module schedules sync jobs itself
// rather than watching CRs for them.
func NewSchedulerBacklogLogger(source StatusSource[QueueSnapshot], freq time.Duration, logger *Logger) *StatusLogger[QueueSnapshot] {
	return NewStatusLogger(StatusLoggerConfig[QueueSnapshot]{
		Logger:    logger,
		Frequency: freq,
		Source:    source,
		ExtractFieldsFn: func(_ context.Context, snap QueueSnapshot) []any {
			return []any{"queueDepth", snap.Depth}
		},
		EventTypeFn: func(snap QueueSnapshot) string {
			if snap.Depth == 0 {
				return "scheduler_idle"
			}
			return "scheduler_backlog"
		},
		MessageFn: func() string { return "agent scheduler backlog" },
	})
}
