package agentbase

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/pimkit/pimsync/internal/changerecorder"
)

// Agent hosts exactly one ChangeRecorder and replays its journal to an
// Observer. It does not hold back its Scheduler during that replay: tasks
// submitted to the Scheduler run independently of the journal's state.
type Agent struct {
	recorder  *changerecorder.Recorder
	observer  Observer
	scheduler *Scheduler
	network   *NetworkState
	log       logr.Logger
}

// NewAgent builds an Agent. scheduler and network may be nil if the
// embedder only needs replay.
func NewAgent(recorder *changerecorder.Recorder, observer Observer, scheduler *Scheduler, network *NetworkState, log logr.Logger) *Agent {
	if network == nil {
		network = NewNetworkState(true)
	}
	return &Agent{recorder: recorder, observer: observer, scheduler: scheduler, network: network, log: log}
}

// Scheduler returns the agent's task scheduler.
func (a *Agent) Scheduler() *Scheduler { return a.scheduler }

// Network returns the agent's online/offline state.
func (a *Agent) Network() *NetworkState { return a.network }

// ReplayJournal drains every pending notification already in the
// recorder's journal, dispatching each to the observer and acknowledging
// it via ChangeProcessed before moving to the next. A notification the
// observer did not acknowledge (a Base method, or a tag notification no
// hook receives) is acknowledged here once Dispatch returns. It returns
// once the journal is empty, or with the first ChangeProcessed error.
func (a *Agent) ReplayJournal(ctx context.Context) error {
	for {
		n := a.recorder.ReplayNext()
		if n == nil {
			return nil
		}

		ack := onceAck(func() error { return a.recorder.ChangeProcessed() })
		Dispatch(ctx, a.observer, n, ack)
		if err := ack(); err != nil {
			return err
		}
	}
}

// RunReplayLoop dispatches replayed notifications as they arrive on the
// recorder's ChangesAdded signal, for the steady-state (post-startup)
// case, until ctx is canceled.
func (a *Agent) RunReplayLoop(ctx context.Context) {
	if err := a.ReplayJournal(ctx); err != nil {
		a.log.Error(err, "initial journal replay failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.recorder.ChangesAdded():
			if err := a.ReplayJournal(ctx); err != nil {
				a.log.Error(err, "journal replay failed")
			}
		}
	}
}
