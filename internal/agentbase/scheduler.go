package agentbase

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/client-go/util/workqueue"
)

// TaskKind identifies the job types spec.md section 4.7 names; Custom
// covers anything the embedder defines beyond these.
type TaskKind int

const (
	TaskFullSync TaskKind = iota
	TaskCollectionTreeSync
	TaskCollectionSync
	TaskFetchItem
	TaskResourceCollectionDeletion
	TaskChangeReplay
	TaskCustom
)

func (k TaskKind) String() string {
	switch k {
	case TaskFullSync:
		return "FullSync"
	case TaskCollectionTreeSync:
		return "CollectionTreeSync"
	case TaskCollectionSync:
		return "CollectionSync"
	case TaskFetchItem:
		return "FetchItem"
	case TaskResourceCollectionDeletion:
		return "ResourceCollectionDeletion"
	case TaskChangeReplay:
		return "ChangeReplay"
	default:
		return "Custom"
	}
}

// Priority orders tasks within the scheduler; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Task is one unit of scheduler work. Run is invoked on the scheduler's
// single worker goroutine, matching spec.md section 5's single-threaded
// cooperative model: blocking I/O inside Run is forbidden in spirit, and
// Run should return promptly, registering its own suspension points
// (channel sends, timers) as needed.
type Task struct {
	ID       string
	Kind     TaskKind
	Priority Priority
	Run      func(ctx context.Context) error
}

// Handle lets the submitter defer or cancel a task before (or, for Cancel,
// during) it runs.
type Handle struct {
	id   string
	s    *Scheduler
}

// Cancel removes the task from the queue if it hasn't started yet.
func (h Handle) Cancel() { h.s.CancelTask(h.id) }

// Defer requeues the task to run again after d, as if freshly submitted.
func (h Handle) Defer(d time.Duration) { h.s.DeferTask(h.id, d) }

type taskEntry struct {
	task     *Task
	canceled bool
}

// Scheduler serializes Task execution across one agent, honoring
// Priority, and exposes TaskDone/DeferTask/CancelTask per spec.md section
// 4.7. Grounded on the teacher's queueProcessor
// (internal/reconstitution/queueprocessor.go): one
// workqueue.RateLimitingInterface drained by a single worker, generalized
// here to one queue per priority level so higher-priority work is always
// preferred when multiple tasks are ready.
type Scheduler struct {
	log logr.Logger

	queues [3]workqueue.RateLimitingInterface // indexed by Priority

	mu      sync.Mutex
	entries map[string]*taskEntry

	wake chan struct{}
}

// NewScheduler builds a Scheduler. Call Start to begin draining it.
func NewScheduler(log logr.Logger) *Scheduler {
	s := &Scheduler{
		log:     log,
		entries: map[string]*taskEntry{},
		wake:    make(chan struct{}, 1),
	}
	for i := range s.queues {
		s.queues[i] = workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter())
	}
	return s
}

// Submit enqueues t (assigning an id if t.ID is empty) and returns a
// Handle for deferring or canceling it.
func (s *Scheduler) Submit(t *Task) Handle {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.entries[t.ID] = &taskEntry{task: t}
	s.mu.Unlock()

	s.queues[t.Priority].Add(t.ID)
	s.signal()
	return Handle{id: t.ID, s: s}
}

// CancelTask marks a not-yet-started task canceled; it is dropped the
// next time the worker dequeues it.
func (s *Scheduler) CancelTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.canceled = true
	}
}

// DeferTask re-submits id's task to run again after d.
func (s *Scheduler) DeferTask(id string, d time.Duration) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.queues[e.task.Priority].AddAfter(id, d)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// readyPollInterval bounds how long the idle worker waits before
// re-checking the queues, so deferred and rate-limited requeues (which
// become ready without signaling s.wake) are picked up.
const readyPollInterval = 10 * time.Millisecond

// Start runs the worker loop until ctx is canceled. It drains the
// highest-priority non-empty queue first, falling back to lower
// priorities, and when every queue is momentarily empty waits on s.wake,
// re-checking at least every readyPollInterval.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		for _, q := range s.queues {
			q.ShutDown()
		}
	}()

	for {
		id, q, ok := s.nextReady()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-time.After(readyPollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
		s.run(ctx, id, q)
	}
}

// Len reports the number of tasks currently queued across all priorities,
// for telemetry/introspection; it does not include the task presently
// running.
func (s *Scheduler) Len() int {
	total := 0
	for _, q := range s.queues {
		total += q.Len()
	}
	return total
}

// nextReady pops the next task id from the highest-priority non-empty
// queue without blocking, or reports ok=false if every queue is empty.
func (s *Scheduler) nextReady() (string, workqueue.RateLimitingInterface, bool) {
	for p := PriorityHigh; p >= PriorityLow; p-- {
		q := s.queues[p]
		if q.Len() == 0 {
			continue
		}
		item, shutdown := q.Get()
		if shutdown {
			return "", nil, false
		}
		return item.(string), q, true
	}
	return "", nil, false
}

func (s *Scheduler) run(ctx context.Context, id string, q workqueue.RateLimitingInterface) {
	defer q.Done(id)

	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		q.Forget(id)
		return
	}
	if e.canceled {
		q.Forget(id)
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return
	}

	log := s.log.WithValues("taskKind", e.task.Kind.String(), "taskID", id)
	err := e.task.Run(logr.NewContext(ctx, log))
	s.taskDone(q, id, err)
}

// taskDone implements spec.md's task_done contract: success forgets the
// rate limiter state and drops the entry; failure requeues with backoff.
func (s *Scheduler) taskDone(q workqueue.RateLimitingInterface, id string, err error) {
	if err != nil {
		s.log.Error(err, "task failed, retrying with backoff", "taskID", id)
		q.AddRateLimited(id)
		return
	}
	q.Forget(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}
