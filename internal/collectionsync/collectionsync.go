// Package collectionsync reconciles a remote collection listing against the
// local collection tree (spec.md section 4.5): matching by flat or
// hierarchical remote ids, queuing create/modify/move/delete operations
// against a Backend, and never producing an invalid intermediate tree (a
// Create of a parent always precedes any Create of its children).
package collectionsync

import (
	"context"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/metrics"
	"github.com/pimkit/pimsync/internal/pimerr"
)

// Mode selects whether the sync reconciles against a full listing or an
// incremental changed/removed pair (spec.md section 4.5, "Inputs").
type Mode int

const (
	ModeIncremental Mode = iota
	ModeFull
)

// CollectionAttrs are the remote-supplied fields a Modify/Create applies to
// the local collection.
type CollectionAttrs struct {
	Name             string
	ContentMimeTypes []string
	Rights           api.Rights
	CachePolicy      api.CachePolicy
	Attributes       map[string][]byte
	Virtual          bool
}

// RemoteCollection is one incoming collection record (spec.md's "remote
// node"). In flat mode ParentRemoteID is the immediate parent's remote id,
// unique within the resource. In hierarchical mode remote ids are only
// unique per-parent, so AncestorChain instead carries the full remote-id
// path from the root down to (excluding) this collection.
type RemoteCollection struct {
	RemoteID       []byte
	ParentRemoteID []byte
	AncestorChain  []api.HierarchicalRemoteID
	Attrs          CollectionAttrs
}

// RemovedCollection identifies a collection in an incremental removed
// listing, by the same flat-or-hierarchical addressing as RemoteCollection.
type RemovedCollection struct {
	RemoteID      []byte
	AncestorChain []api.HierarchicalRemoteID
}

// Tx stages collection mutations and applies them atomically.
type Tx interface {
	CreateCollection(ctx context.Context, parent api.EntityID, attrs CollectionAttrs, remoteID []byte, resource []byte) (api.EntityID, error)
	ModifyCollection(ctx context.Context, id api.EntityID, attrs CollectionAttrs) error
	MoveCollection(ctx context.Context, id, newParent api.EntityID) error
	DeleteCollection(ctx context.Context, id api.EntityID) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the embedder's storage/transport surface: the local tree
// reader plus a transaction factory.
type Backend interface {
	// FetchLocalSubtree returns every local collection currently belonging
	// to resource (spec.md step 1, "fetch the complete local subtree").
	FetchLocalSubtree(ctx context.Context, resource []byte) ([]*api.Collection, error)
	Begin(ctx context.Context) (Tx, error)
}

// Config are the fixed parameters of one sync run.
type Config struct {
	Resource         []byte
	Mode             Mode
	HierarchicalRIDs bool
}

// ProgressFunc is invoked after every committed operation with the running
// processed/total counts (spec.md: "progress is reported as
// processed_count / total_count where each operation is one unit").
type ProgressFunc func(processed, total int)

// localNode is a node of the in-memory local tree (spec.md section 3's
// "Node" used by the collection synchronizer).
type localNode struct {
	collection *api.Collection
	processed  bool
	parent     *localNode
	children   []*localNode
}

func (n *localNode) childByRemoteID(rid []byte) (*localNode, bool) {
	for _, c := range n.children {
		if string(c.collection.RemoteID) == string(rid) {
			return c, true
		}
	}
	return nil, false
}

// Sync drives one reconciliation run. The zero value is not usable;
// construct with New.
type Sync struct {
	cfg      Config
	backend  Backend
	progress ProgressFunc
	log      logr.Logger

	mu sync.Mutex

	root       *localNode
	byID       map[api.EntityID]*localNode
	byRemoteID map[string]*localNode // populated only in flat mode

	// pending parks remote nodes whose ancestor chain isn't materialized
	// yet. Every parked node goes into the single RootID bucket, and the
	// whole bucket is re-attempted after each remote node that is matched
	// or created (spec.md step 5).
	pending map[api.EntityID][]*RemoteCollection

	tx        Tx
	errs      pimerr.Aggregator
	processed int
	total     int

	started bool
}

// New builds a Sync for one resource. progress may be nil.
func New(cfg Config, backend Backend, progress ProgressFunc, log logr.Logger) *Sync {
	return &Sync{
		cfg:      cfg,
		backend:  backend,
		progress: progress,
		log:      log,
		byID:     map[api.EntityID]*localNode{},
		pending:  map[api.EntityID][]*RemoteCollection{},
	}
}

// Start fetches the local subtree and opens the transaction that every
// subsequent operation is staged against.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	locals, err := s.backend.FetchLocalSubtree(ctx, s.cfg.Resource)
	if err != nil {
		return pimerr.Wrap(pimerr.KindTransportFailure, "fetching local subtree", err)
	}

	s.root = &localNode{collection: &api.Collection{ID: api.RootID}, processed: true}
	s.byID[api.RootID] = s.root
	if !s.cfg.HierarchicalRIDs {
		s.byRemoteID = map[string]*localNode{}
	}

	byParent := map[api.EntityID][]*api.Collection{}
	for _, c := range locals {
		s.byID[c.ID] = &localNode{collection: c}
		byParent[c.Parent] = append(byParent[c.Parent], c)
	}
	// wire up parent/child links breadth-first from the root so every
	// node's parent pointer is resolved before its children are visited.
	queue := []api.EntityID{api.RootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		parentNode := s.byID[id]
		for _, c := range byParent[id] {
			node := s.byID[c.ID]
			node.parent = parentNode
			parentNode.children = append(parentNode.children, node)
			if s.byRemoteID != nil {
				s.byRemoteID[string(c.RemoteID)] = node
			}
			queue = append(queue, c.ID)
		}
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return pimerr.Wrap(pimerr.KindTransportFailure, "opening collection sync transaction", err)
	}
	s.tx = tx
	return nil
}

// PushChanged processes one batch of the changed/full listing: matching,
// queuing Create/Modify/Move, and re-evaluating previously parked remote
// nodes under any collection this batch newly created.
func (s *Sync) PushChanged(ctx context.Context, batch []*RemoteCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total += len(batch)
	for _, rc := range batch {
		if len(rc.RemoteID) == 0 {
			s.log.Info("skipping remote collection without a remote id")
			s.total--
			continue
		}
		if err := s.processOne(ctx, rc); err != nil {
			s.errs.Add(err)
			if pimerr.KindOf(err) == pimerr.KindTransportFailure {
				return err
			}
		}
	}
	return nil
}

// processOne resolves rc's parent, matches or creates it, and then drains
// any remote nodes parked on the node it just attached.
func (s *Sync) processOne(ctx context.Context, rc *RemoteCollection) error {
	parent, ok := s.resolveParent(rc)
	if !ok {
		// Ancestor not materialized yet: park under root's pending bucket
		// keyed by the nearest ancestor we *could* resolve -- since
		// resolveParent already walked as far as it could, park on root so
		// a later Create anywhere retries the whole backlog. Simpler and
		// still correct: re-evaluation re-attempts resolveParent fully.
		s.pending[api.RootID] = append(s.pending[api.RootID], rc)
		return nil
	}

	existing := s.findExisting(rc, parent)
	if existing != nil {
		if err := s.modify(ctx, existing, rc, parent); err != nil {
			return err
		}
	} else {
		if err := s.create(ctx, parent, rc); err != nil {
			return err
		}
	}
	return s.drainPending(ctx, parent)
}

// resolveParent locates rc's parent local node, per spec.md step 3: flat
// mode looks up the parent's remote id directly; hierarchical mode walks
// the ancestor chain from the root.
func (s *Sync) resolveParent(rc *RemoteCollection) (*localNode, bool) {
	if !s.cfg.HierarchicalRIDs {
		if len(rc.ParentRemoteID) == 0 {
			return s.root, true
		}
		n, ok := s.byRemoteID[string(rc.ParentRemoteID)]
		return n, ok
	}

	cur := s.root
	for _, link := range rc.AncestorChain {
		if link.ID == api.RootID {
			continue
		}
		child, ok := cur.childByRemoteID(link.RemoteID)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// findExisting reports whether rc already has a local counterpart.
func (s *Sync) findExisting(rc *RemoteCollection, parent *localNode) *localNode {
	if !s.cfg.HierarchicalRIDs {
		return s.byRemoteID[string(rc.RemoteID)]
	}
	if parent == nil {
		return nil
	}
	n, _ := parent.childByRemoteID(rc.RemoteID)
	return n
}

func (s *Sync) modify(ctx context.Context, local *localNode, rc *RemoteCollection, parent *localNode) error {
	if err := s.tx.ModifyCollection(ctx, local.collection.ID, rc.Attrs); err != nil {
		return pimerr.Wrap(pimerr.KindIntegrityError, "modifying collection", err)
	}
	local.processed = true
	s.bump("modify")

	if !s.cfg.HierarchicalRIDs && local.parent != nil && local.parent.collection.ID != parent.collection.ID {
		if err := s.tx.MoveCollection(ctx, local.collection.ID, parent.collection.ID); err != nil {
			return pimerr.Wrap(pimerr.KindIntegrityError, "moving collection", err)
		}
		s.reparent(local, parent)
		s.bump("move")
	}
	return nil
}

func (s *Sync) create(ctx context.Context, parent *localNode, rc *RemoteCollection) error {
	id, err := s.tx.CreateCollection(ctx, parent.collection.ID, rc.Attrs, rc.RemoteID, s.cfg.Resource)
	if err != nil {
		return pimerr.Wrap(pimerr.KindIntegrityError, "creating collection", err)
	}
	node := &localNode{
		collection: &api.Collection{ID: id, RemoteID: rc.RemoteID, Parent: parent.collection.ID, Resource: s.cfg.Resource},
		processed:  true,
		parent:     parent,
	}
	parent.children = append(parent.children, node)
	s.byID[id] = node
	if s.byRemoteID != nil {
		s.byRemoteID[string(rc.RemoteID)] = node
	}
	s.bump("create")
	return nil
}

func (s *Sync) reparent(node *localNode, newParent *localNode) {
	if node.parent != nil {
		siblings := node.parent.children
		for i, c := range siblings {
			if c == node {
				node.parent.children = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	node.parent = newParent
	node.collection.Parent = newParent.collection.ID
	newParent.children = append(newParent.children, node)
}

// drainPending re-attempts every parked remote node now that newlyAttached
// may have unblocked its ancestor chain (spec.md step 5, "re-evaluated
// after every successful Create").
func (s *Sync) drainPending(ctx context.Context, newlyAttached *localNode) error {
	backlog := s.pending[api.RootID]
	if len(backlog) == 0 {
		return nil
	}
	s.pending[api.RootID] = nil

	for _, rc := range backlog {
		if err := s.processOne(ctx, rc); err != nil {
			s.errs.Add(err)
			if pimerr.KindOf(err) == pimerr.KindTransportFailure {
				return err
			}
		}
	}
	return nil
}

func (s *Sync) bump(op string) {
	s.processed++
	metrics.SyncOperations.WithLabelValues("collection", op).Inc()
	if s.progress != nil {
		s.progress(s.processed, s.total)
	}
}

// PushRemoved processes one batch of an incremental removed listing.
func (s *Sync) PushRemoved(ctx context.Context, removed []RemovedCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Mode != ModeIncremental {
		return pimerr.New(pimerr.KindIntegrityError, "PushRemoved called outside incremental mode")
	}

	s.total += len(removed)
	for _, rem := range removed {
		node := s.lookupForRemoval(rem)
		if node == nil {
			s.total--
			continue
		}
		if err := s.deleteNode(ctx, node); err != nil {
			s.errs.Add(err)
			if pimerr.KindOf(err) == pimerr.KindTransportFailure {
				return err
			}
		}
	}
	return nil
}

func (s *Sync) lookupForRemoval(rem RemovedCollection) *localNode {
	if !s.cfg.HierarchicalRIDs {
		return s.byRemoteID[string(rem.RemoteID)]
	}
	cur := s.root
	for _, link := range rem.AncestorChain {
		if link.ID == api.RootID {
			continue
		}
		child, ok := cur.childByRemoteID(link.RemoteID)
		if !ok {
			return nil
		}
		cur = child
	}
	child, ok := cur.childByRemoteID(rem.RemoteID)
	if !ok {
		return nil
	}
	return child
}

func (s *Sync) deleteNode(ctx context.Context, node *localNode) error {
	if err := s.tx.DeleteCollection(ctx, node.collection.ID); err != nil {
		return pimerr.Wrap(pimerr.KindIntegrityError, "deleting collection", err)
	}
	delete(s.byID, node.collection.ID)
	if s.byRemoteID != nil {
		delete(s.byRemoteID, string(node.collection.RemoteID))
	}
	s.bump("delete")
	return nil
}

// Result is the outcome of RetrievalDone.
type Result struct {
	Processed int
	Total     int
	Err       error
}

// RetrievalDone finalizes the sync: full mode queues deletes for every
// unprocessed local node without a processed descendant (leaf-first);
// incremental mode has already applied its removed listing via
// PushRemoved. It then commits the transaction, or rolls back and returns
// an IntegrityError if any remote node is still parked.
func (s *Sync) RetrievalDone(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending[api.RootID]) > 0 {
		_ = s.tx.Rollback(ctx)
		err := pimerr.New(pimerr.KindIntegrityError, "root-terminated ancestor chain missing")
		s.errs.Add(err)
		return &Result{Processed: s.processed, Total: s.total, Err: s.errs.Err()}, err
	}

	if s.cfg.Mode == ModeFull {
		for _, node := range s.leafFirstUnprocessed() {
			s.total++
			if err := s.deleteNode(ctx, node); err != nil {
				s.errs.Add(err)
			}
		}
	}

	if err := s.tx.Commit(ctx); err != nil {
		werr := pimerr.Wrap(pimerr.KindIntegrityError, "committing collection sync", err)
		s.errs.Add(werr)
		return &Result{Processed: s.processed, Total: s.total, Err: s.errs.Err()}, werr
	}

	return &Result{Processed: s.processed, Total: s.total, Err: s.errs.Err()}, nil
}

// leafFirstUnprocessed returns every local node not marked processed and
// without any processed descendant, deepest first.
func (s *Sync) leafFirstUnprocessed() []*localNode {
	type depthNode struct {
		node  *localNode
		depth int
	}
	var all []depthNode
	var walk func(n *localNode, depth int) bool // returns true if n or a descendant is processed
	walk = func(n *localNode, depth int) bool {
		childProcessed := false
		for _, c := range n.children {
			if walk(c, depth+1) {
				childProcessed = true
			}
		}
		if n != s.root && !n.processed && !childProcessed {
			all = append(all, depthNode{node: n, depth: depth})
		}
		return n.processed || childProcessed
	}
	walk(s.root, 0)

	sort.SliceStable(all, func(i, j int) bool { return all[i].depth > all[j].depth })
	out := make([]*localNode, len(all))
	for i, dn := range all {
		out[i] = dn.node
	}
	return out
}

// Errs aggregates every per-operation error seen so far without ending the
// sync (spec.md section 7 propagation policy).
func (s *Sync) Errs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Combine(s.errs.Err())
}
