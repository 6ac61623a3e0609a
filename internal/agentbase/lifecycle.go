package agentbase

import "context"

// WindowHandle is an opaque handle to whatever host surface Configure
// needs (e.g. a GUI parent window); the core never interprets it. GUI
// configuration is out of scope (spec.md section 9's Non-goals), but the
// hook itself is part of the external contract the original exposes, so
// it is preserved as an opaque parameter rather than dropped.
type WindowHandle any

// Lifecycle is the set of hooks spec.md section 4.7 says an
// agent/resource must expose to its host process.
type Lifecycle interface {
	// AboutToQuit is called before the process begins shutting down, so
	// the agent can stop accepting new scheduler work.
	AboutToQuit(ctx context.Context)
	// Cleanup releases resources (journal handles, open transactions)
	// before exit.
	Cleanup(ctx context.Context) error
	// Configure lets the host attach UI chrome; a no-op for a headless
	// agent.
	Configure(ctx context.Context, handle WindowHandle) error
}
