package logging

import (
	"context"
	"time"
)

// NetworkSnapshot is the value a network-status StatusLogger polls: the
// agent's derived online/offline state plus the raw input that produced
// it (spec.md section 4.7's "online/offline toggle" and "needs network"
// toggle), so an operator reading the log line can tell why the agent
// went offline without cross-referencing config.
type NetworkSnapshot struct {
	Online       bool
	NeedsNetwork bool
}

// NewNetworkStatusLogger builds a StatusLogger that periodically reports
// an agent's derived online/offline state, so a log stream shows
// online/offline transitions even when nothing else is happening. Callers
// supply source (typically a closure over *agentbase.NetworkState, bound
// at the embedder that owns both) so this package doesn't need to import
// agentbase itself. Grounded on the teacher's NewCompositionStatusLogger
// (former internal/logging/composition.go), generalized from "poll a
// Kubernetes Composition's status field" to "poll an in-process
// NetworkState" since this module has no apiserver object to watch.
func NewNetworkStatusLogger(source StatusSource[NetworkSnapshot], freq time.Duration, logger *Logger) *StatusLogger[NetworkSnapshot] {
	return NewStatusLogger(StatusLoggerConfig[NetworkSnapshot]{
		Logger:    logger,
		Frequency: freq,
		Source:    source,
		ExtractFieldsFn: func(ctx context.Context, snap NetworkSnapshot) []any {
			return []any{"online", snap.Online, "needsNetwork", snap.NeedsNetwork}
		},
		EventTypeFn: func(snap NetworkSnapshot) string {
			if snap.Online {
				return "agent_online"
			}
			return "agent_offline"
		},
		MessageFn: func() string { return "agent network status" },
	})
}
