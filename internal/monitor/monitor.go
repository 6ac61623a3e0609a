package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/metrics"
)

// Hydrator resolves a set of referenced ids into the entity cache,
// requesting whatever isn't already resident. *entitycache.Cache[T]
// satisfies this for any T without the monitor package needing to know T.
type Hydrator interface {
	EnsureCached(ctx context.Context, ids []api.EntityID) error
}

// Config bundles the fixed parameters of a Monitor instance.
type Config struct {
	Filter *Filter
	Shape  *ListenerShape

	// PipelineDepth bounds how many queued notifications may be hydrating
	// concurrently. 1 suits a change-recording Monitor (spec.md: "all
	// flow goes through pending and is acked explicitly"); a larger value
	// lets a pure Monitor prefetch ahead of its listeners.
	PipelineDepth int

	// TranslateCollectionMoves disables translateMove for Collection-type
	// Move notifications when false (spec.md's "optional global flag").
	TranslateCollectionMoves bool

	// StatsDebounce is the collection-statistics refresh delay; spec.md
	// names roughly 500ms.
	StatsDebounce time.Duration

	// PurgeBufferCapacity and ItemCountThreshold implement spec.md's
	// reference-counting/purge rules; defaults are 10 and 10000.
	PurgeBufferCapacity int
	ItemCountThreshold  int
}

// StatsRefresher recomputes a collection's item counts on demand; the
// embedder supplies this since only it knows how to ask the server.
type StatsRefresher func(ctx context.Context, collection api.EntityID) error

// Monitor is the filter/compress/hydrate/dispatch pipeline of spec.md
// section 4.3.
type Monitor struct {
	cfg       Config
	hydrators map[api.NotificationType]Hydrator
	refresh   StatsRefresher
	log       logr.Logger

	mu       sync.Mutex
	pending  []*api.Notification
	pipeline []*pipelineEntry

	out              chan *api.Notification
	statsChanged     chan api.EntityID
	statsFailed      chan api.EntityID
	purgedCollection chan api.EntityID

	statsQueue workqueue.DelayingInterface
	statsMu    sync.Mutex
	statsDue   map[api.EntityID]bool

	purge *purgeBuffer

	stopOnce sync.Once
	stopCh   chan struct{}
}

type pipelineEntry struct {
	notification *api.Notification
	done         chan struct{}
}

// New builds a Monitor. hydrators supplies one entity cache per
// notification type (Item, Collection, Tag); refresh recomputes a
// collection's statistics after the debounce window elapses.
func New(cfg Config, hydrators map[api.NotificationType]Hydrator, refresh StatsRefresher, log logr.Logger) *Monitor {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 1
	}
	if cfg.StatsDebounce <= 0 {
		cfg.StatsDebounce = 500 * time.Millisecond
	}
	if cfg.PurgeBufferCapacity <= 0 {
		cfg.PurgeBufferCapacity = 10
	}
	if cfg.ItemCountThreshold <= 0 {
		cfg.ItemCountThreshold = 10000
	}

	m := &Monitor{
		cfg:              cfg,
		hydrators:        hydrators,
		refresh:          refresh,
		log:              log,
		out:              make(chan *api.Notification, 256),
		statsChanged:     make(chan api.EntityID, 64),
		statsFailed:      make(chan api.EntityID, 64),
		purgedCollection: make(chan api.EntityID, 64),
		statsQueue:       workqueue.NewDelayingQueue(),
		statsDue:         map[api.EntityID]bool{},
		purge:            newPurgeBuffer(cfg.PurgeBufferCapacity, cfg.ItemCountThreshold),
		stopCh:           make(chan struct{}),
	}
	go m.runStatsQueue()
	return m
}

// Output yields notifications once hydrated and expanded for dispatch
// (batch split, move translation already applied).
func (m *Monitor) Output() <-chan *api.Notification { return m.out }

// CollectionStatisticsChanged fires a collection id once its debounced
// stats refresh completes successfully.
func (m *Monitor) CollectionStatisticsChanged() <-chan api.EntityID { return m.statsChanged }

// CollectionStatisticsChangeFailed fires when a stats refresh errors.
func (m *Monitor) CollectionStatisticsChangeFailed() <-chan api.EntityID { return m.statsFailed }

// Purged fires the id of a collection evicted from the purge buffer, so
// callers can free cached items belonging to it.
func (m *Monitor) Purged() <-chan api.EntityID { return m.purgedCollection }

// Stop releases the background stats-debounce worker.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.statsQueue.ShutDown()
	})
}

// Deliver runs one raw notification through the filter, compression and
// hydration pipeline. Callers feed it from notifysource's output channel.
func (m *Monitor) Deliver(ctx context.Context, n *api.Notification) {
	if !m.cfg.Filter.Accepts(n) {
		metrics.NotificationsFiltered.Inc()
		return
	}

	if n.Operation == api.OpRemove && n.Type == api.NotificationCollection {
		for _, item := range n.Items {
			m.purge.forget(item.ID)
		}
	}
	if affectsItemCount(n) {
		for _, id := range affectedCollections(n) {
			m.scheduleStatsRefresh(id)
		}
	}

	m.mu.Lock()
	m.pending = Compress(m.pending, n)
	m.mu.Unlock()

	m.fill(ctx)
}

func affectsItemCount(n *api.Notification) bool {
	switch n.Operation {
	case api.OpAdd, api.OpRemove, api.OpMove, api.OpLink, api.OpUnlink:
		return true
	default:
		return false
	}
}

func affectedCollections(n *api.Notification) []api.EntityID {
	var ids []api.EntityID
	if n.SourceCollection != api.InvalidID {
		ids = append(ids, n.SourceCollection)
	}
	if n.DestinationCollection != api.InvalidID && n.DestinationCollection != n.SourceCollection {
		ids = append(ids, n.DestinationCollection)
	}
	return ids
}

// fill promotes pending notifications into the hydration pipeline up to
// PipelineDepth, and arranges for the head to be emitted once hydrated.
func (m *Monitor) fill(ctx context.Context) {
	m.mu.Lock()
	var started []*pipelineEntry
	wasEmpty := len(m.pipeline) == 0
	for len(m.pipeline) < m.cfg.PipelineDepth && len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		entry := &pipelineEntry{notification: n, done: make(chan struct{})}
		m.pipeline = append(m.pipeline, entry)
		started = append(started, entry)
	}
	m.mu.Unlock()

	for _, entry := range started {
		go m.hydrate(ctx, entry)
	}
	if wasEmpty && len(started) > 0 {
		go m.drain(ctx)
	}
}

func (m *Monitor) hydrate(ctx context.Context, entry *pipelineEntry) {
	defer close(entry.done)
	hydrator, ok := m.hydrators[entry.notification.Type]
	if !ok {
		return
	}
	ids := make([]api.EntityID, 0, len(entry.notification.Items))
	for _, item := range entry.notification.Items {
		ids = append(ids, item.ID)
	}
	if err := hydrator.EnsureCached(ctx, ids); err != nil {
		m.log.V(1).Info("hydration failed", "type", entry.notification.Type.String(), "error", err.Error())
	}
}

// drain waits for the pipeline head to finish hydrating, emits it, pops
// it, refills, and repeats until the pipeline empties.
func (m *Monitor) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.pipeline) == 0 {
			m.mu.Unlock()
			return
		}
		head := m.pipeline[0]
		m.mu.Unlock()

		select {
		case <-head.done:
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}

		for _, out := range ExpandForDispatch(head.notification, m.cfg.Shape, m.cfg.Filter, m.cfg.TranslateCollectionMoves) {
			metrics.NotificationsDelivered.WithLabelValues(out.Operation.String()).Inc()
			select {
			case m.out <- out:
			case <-ctx.Done():
				return
			}
		}

		m.mu.Lock()
		m.pipeline = m.pipeline[1:]
		m.mu.Unlock()
		m.fill(ctx)
	}
}

// Ref pins collection id so it is never purged.
func (m *Monitor) Ref(id api.EntityID) { m.purge.ref(id) }

// Deref unpins collection id, moving it into the FIFO purge buffer. It
// returns the id evicted from a full buffer, if any.
func (m *Monitor) Deref(id api.EntityID) (evicted api.EntityID, ok bool) {
	evicted, ok = m.purge.deref(id)
	if ok {
		select {
		case m.purgedCollection <- evicted:
		default:
		}
	}
	return evicted, ok
}

// ShouldPurge implements spec.md's should_purge(id) predicate.
func (m *Monitor) ShouldPurge(id api.EntityID, itemCount int) bool {
	return m.purge.shouldPurge(id, itemCount)
}

func (m *Monitor) scheduleStatsRefresh(id api.EntityID) {
	m.statsMu.Lock()
	already := m.statsDue[id]
	m.statsDue[id] = true
	m.statsMu.Unlock()
	if already {
		return
	}
	m.statsQueue.AddAfter(id, m.cfg.StatsDebounce)
}

func (m *Monitor) runStatsQueue() {
	for {
		item, shutdown := m.statsQueue.Get()
		if shutdown {
			return
		}
		id := item.(api.EntityID)
		m.statsMu.Lock()
		delete(m.statsDue, id)
		m.statsMu.Unlock()

		if m.refresh != nil {
			if err := m.refresh(context.Background(), id); err != nil {
				select {
				case m.statsFailed <- id:
				default:
				}
			} else {
				select {
				case m.statsChanged <- id:
				default:
				}
			}
		}
		m.statsQueue.Done(item)
	}
}

// purgeBuffer implements the reference-counting and FIFO eviction rules
// from spec.md section 4.3.
type purgeBuffer struct {
	capacity  int
	threshold int

	mu       sync.Mutex
	refcount map[api.EntityID]int
	inBuffer map[api.EntityID]struct{}
	order    *linkedlistqueue.Queue[api.EntityID]
}

func newPurgeBuffer(capacity, threshold int) *purgeBuffer {
	return &purgeBuffer{
		capacity:  capacity,
		threshold: threshold,
		refcount:  map[api.EntityID]int{},
		inBuffer:  map[api.EntityID]struct{}{},
		order:     linkedlistqueue.New[api.EntityID](),
	}
}

func (p *purgeBuffer) ref(id api.EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refcount[id]++
	delete(p.inBuffer, id)
}

func (p *purgeBuffer) deref(id api.EntityID) (evicted api.EntityID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refcount[id] > 0 {
		p.refcount[id]--
	}
	if p.refcount[id] > 0 {
		return api.InvalidID, false
	}
	delete(p.refcount, id)

	if _, already := p.inBuffer[id]; already {
		return api.InvalidID, false
	}
	p.inBuffer[id] = struct{}{}
	p.order.Enqueue(id)

	if p.order.Size() <= p.capacity {
		return api.InvalidID, false
	}
	oldest, has := p.order.Dequeue()
	if !has {
		return api.InvalidID, false
	}
	delete(p.inBuffer, oldest)
	return oldest, true
}

func (p *purgeBuffer) forget(id api.EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refcount, id)
	delete(p.inBuffer, id)
}

func (p *purgeBuffer) shouldPurge(id api.EntityID, itemCount int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcount[id] > 0 {
		return false
	}
	if _, buffered := p.inBuffer[id]; buffered {
		return false
	}
	return itemCount > p.threshold
}
