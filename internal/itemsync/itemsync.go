// Package itemsync reconciles a remote item listing for a single collection
// against the local mirror (spec.md section 4.6): matching by remote id,
// a content-level diff rule deciding whether a rewrite is needed, and
// configurable transaction batching. RemoteItem carries no local id, so
// there is no match by id.
package itemsync

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/metrics"
	"github.com/pimkit/pimsync/internal/pimerr"
)

// Mode selects full-listing vs incremental changed/removed reconciliation.
type Mode int

const (
	ModeIncremental Mode = iota
	ModeFull
)

// TransactionMode controls how often Commit is called against the Backend
// (spec.md section 4.6, "Transactions").
type TransactionMode int

const (
	// TransactionSingle wraps the whole sync in one transaction; rollback
	// undoes everything.
	TransactionSingle TransactionMode = iota
	// TransactionMultiplePerBatch opens and commits a fresh transaction
	// for each delivered batch.
	TransactionMultiplePerBatch
	// TransactionNone behaves like TransactionMultiplePerBatch: each batch
	// runs in its own transaction, committed when the batch finishes.
	// Operations are not committed one by one.
	TransactionNone
)

// RemoteItem is one incoming item record.
type RemoteItem struct {
	RemoteID       []byte
	RemoteRevision string
	MimeType       string
	Flags          map[string]struct{}
	Attributes     map[string][]byte
	PayloadParts   map[string][]byte
	// Payload is the full item body, present only when the caller fetched
	// it; HasPayload distinguishes "not fetched" from "fetched and empty".
	Payload    []byte
	HasPayload bool
}

// RemovedItem identifies a local item to delete in incremental mode.
type RemovedItem struct {
	RemoteID []byte
}

// Tx stages item mutations for one transaction.
type Tx interface {
	CreateItem(ctx context.Context, collection api.EntityID, it *RemoteItem) (api.EntityID, error)
	ModifyItem(ctx context.Context, id api.EntityID, it *RemoteItem) error
	DeleteItem(ctx context.Context, id api.EntityID) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the embedder's storage/transport surface.
type Backend interface {
	FetchLocalItems(ctx context.Context, collection api.EntityID) ([]*api.Item, error)
	Begin(ctx context.Context) (Tx, error)
}

// Config are the fixed parameters of one sync run.
type Config struct {
	Collection       api.EntityID
	Mode             Mode
	Transaction      TransactionMode
	TotalItems       int // hint; a mismatch is logged, not an error
	InvalidatePayloadCache bool
}

// ProgressFunc reports processed/total after every item, whether or not it
// produced a write (spec.md: "if the diff says unchanged, progress still
// advances but no write is issued").
type ProgressFunc func(processed, total int)

// Sync drives one item reconciliation run for a single collection. The
// zero value is not usable; construct with New.
type Sync struct {
	cfg      Config
	backend  Backend
	progress ProgressFunc
	log      logr.Logger

	mu sync.Mutex

	byID       map[api.EntityID]*api.Item
	byRemoteID map[string]*api.Item
	touched    map[api.EntityID]struct{} // local items matched by the incoming listing, for full-mode deletion

	tx          Tx // non-nil only while a batch-scoped or single-scoped transaction is open
	errs        pimerr.Aggregator
	processed   int
	seenTotal   int
	canceled    bool
	started     bool
}

// New builds a Sync for one collection. progress may be nil.
func New(cfg Config, backend Backend, progress ProgressFunc, log logr.Logger) *Sync {
	return &Sync{
		cfg:      cfg,
		backend:  backend,
		progress: progress,
		log:      log,
		byID:     map[api.EntityID]*api.Item{},
		touched:  map[api.EntityID]struct{}{},
	}
}

// Start loads the local item set and, for TransactionSingle, opens the
// one transaction every subsequent operation stages against.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	locals, err := s.backend.FetchLocalItems(ctx, s.cfg.Collection)
	if err != nil {
		return pimerr.Wrap(pimerr.KindTransportFailure, "fetching local items", err)
	}
	s.byRemoteID = make(map[string]*api.Item, len(locals))
	for _, it := range locals {
		s.byID[it.ID] = it
		if len(it.RemoteID) > 0 {
			s.byRemoteID[string(it.RemoteID)] = it
		}
	}

	if s.cfg.Transaction == TransactionSingle {
		tx, err := s.backend.Begin(ctx)
		if err != nil {
			return pimerr.Wrap(pimerr.KindTransportFailure, "opening item sync transaction", err)
		}
		s.tx = tx
	}
	return nil
}

// PushChanged processes one batch of the changed/full listing.
func (s *Sync) PushChanged(ctx context.Context, batch []*RemoteItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return nil
	}

	tx, closeBatch, err := s.batchTx(ctx)
	if err != nil {
		return err
	}

	for _, ri := range batch {
		if len(ri.RemoteID) == 0 {
			s.log.Info("skipping remote item without a remote id")
			continue
		}
		s.seenTotal++
		if err := s.processOne(ctx, tx, ri); err != nil {
			s.errs.Add(err)
			if pimerr.KindOf(err) == pimerr.KindTransportFailure {
				_ = closeBatch(false)
				return err
			}
		}
	}

	return closeBatch(true)
}

func (s *Sync) processOne(ctx context.Context, tx Tx, ri *RemoteItem) error {
	local := s.byID0(ri)
	var err error
	if local != nil {
		s.touched[local.ID] = struct{}{}
		if needsRewrite(local, ri, s.cfg.InvalidatePayloadCache) {
			err = tx.ModifyItem(ctx, local.ID, ri)
			if err == nil {
				s.bump("modify")
			}
		} else {
			s.bump("unchanged")
			return nil
		}
	} else {
		var id api.EntityID
		id, err = tx.CreateItem(ctx, s.cfg.Collection, ri)
		if err == nil {
			s.byRemoteID[string(ri.RemoteID)] = &api.Item{ID: id, RemoteID: ri.RemoteID}
			s.touched[id] = struct{}{}
			s.bump("create")
		}
	}
	if err != nil {
		return pimerr.Wrap(pimerr.KindIntegrityError, "applying item diff", err)
	}
	return nil
}

func (s *Sync) byID0(ri *RemoteItem) *api.Item {
	if it, ok := s.byRemoteID[string(ri.RemoteID)]; ok {
		return it
	}
	return nil
}

// needsRewrite implements spec.md's update_item diff rule.
func needsRewrite(local *api.Item, remote *RemoteItem, invalidatePayloadCache bool) bool {
	if invalidatePayloadCache {
		return true
	}
	if local.RemoteRevision != remote.RemoteRevision {
		return true
	}
	if !flagsEqual(local.Flags, remote.Flags) {
		return true
	}
	for part := range remote.PayloadParts {
		if _, ok := local.PayloadParts[part]; !ok {
			return true
		}
	}
	if attributesChanged(local.Attributes, remote.Attributes) {
		return true
	}
	if remote.HasPayload {
		if localBody, ok := local.PayloadParts["RFC822"]; ok {
			if !bytes.Equal(localBody, remote.Payload) {
				return true
			}
		}
	}
	return false
}

// attributesChanged reports whether any attribute remote declares is
// either absent locally or differs from the local value. It projects
// local down to remote's key set first, since an attribute local holds
// that remote doesn't mention is not itself a reason to rewrite, then
// lets a JSON merge patch between the two projections stand in for a
// per-key comparison (spec.md's update_item diff rule).
func attributesChanged(local, remote map[string][]byte) bool {
	if len(remote) == 0 {
		return false
	}
	projectedLocal := make(map[string][]byte, len(remote))
	for key := range remote {
		if v, ok := local[key]; ok {
			projectedLocal[key] = v
		}
	}

	localJSON, err := json.Marshal(projectedLocal)
	if err != nil {
		return true
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return true
	}
	patch, err := jsonpatch.CreateMergePatch(localJSON, remoteJSON)
	if err != nil {
		return true
	}
	return string(patch) != "{}"
}

func flagsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for f := range a {
		if _, ok := b[f]; !ok {
			return false
		}
	}
	return true
}

// PushRemoved processes one batch of an incremental removed listing.
// Individual deletes are tolerated to fail without aborting the
// surrounding transaction, since duplicate removal reports from groupware
// servers are common and expected (spec.md section 4.6).
func (s *Sync) PushRemoved(ctx context.Context, removed []RemovedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return nil
	}
	if s.cfg.Mode != ModeIncremental {
		return pimerr.New(pimerr.KindIntegrityError, "PushRemoved called outside incremental mode")
	}

	tx, closeBatch, err := s.batchTx(ctx)
	if err != nil {
		return err
	}

	for _, rem := range removed {
		s.seenTotal++
		local, ok := s.byRemoteID[string(rem.RemoteID)]
		if !ok {
			s.bump("delete-skip")
			continue
		}
		if err := tx.DeleteItem(ctx, local.ID); err != nil {
			// tolerated: log and keep going, never abort the transaction.
			s.log.V(1).Info("delete failed, tolerating duplicate removal", "id", local.ID, "error", err.Error())
			s.errs.Add(pimerr.Wrap(pimerr.KindNotFound, "deleting item", err))
			continue
		}
		delete(s.byID, local.ID)
		delete(s.byRemoteID, string(rem.RemoteID))
		s.bump("delete")
	}

	return closeBatch(true)
}

// batchTx returns the transaction this batch should use, and a function
// the caller must invoke exactly once when the batch finishes (commit=true)
// or fails fatally (commit=false), per the configured TransactionMode.
func (s *Sync) batchTx(ctx context.Context) (Tx, func(ok bool) error, error) {
	switch s.cfg.Transaction {
	case TransactionSingle:
		return s.tx, func(bool) error { return nil }, nil
	case TransactionMultiplePerBatch:
		tx, err := s.backend.Begin(ctx)
		if err != nil {
			return nil, nil, pimerr.Wrap(pimerr.KindTransportFailure, "opening batch transaction", err)
		}
		return tx, func(ok bool) error {
			if !ok {
				return tx.Rollback(ctx)
			}
			return tx.Commit(ctx)
		}, nil
	default: // TransactionNone: same as per-batch, a fresh tx committed at batch end.
		tx, err := s.backend.Begin(ctx)
		if err != nil {
			return nil, nil, pimerr.Wrap(pimerr.KindTransportFailure, "opening autonomous transaction", err)
		}
		return tx, func(ok bool) error {
			if !ok {
				return tx.Rollback(ctx)
			}
			return tx.Commit(ctx)
		}, nil
	}
}

func (s *Sync) bump(op string) {
	s.processed++
	metrics.SyncOperations.WithLabelValues("item", op).Inc()
	if s.progress != nil {
		s.progress(s.processed, s.effectiveTotal())
	}
}

func (s *Sync) effectiveTotal() int {
	if s.cfg.TotalItems > 0 {
		return s.cfg.TotalItems
	}
	return s.seenTotal
}

// Rollback aborts the running transaction, marks the sync user-canceled,
// and prevents further writes: subsequent Push calls drain without
// effect.
func (s *Sync) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.errs.Add(pimerr.New(pimerr.KindUserCanceled, "item sync rolled back"))
	if s.tx != nil {
		return s.tx.Rollback(ctx)
	}
	return nil
}

// Result is the outcome of RetrievalDone.
type Result struct {
	Processed int
	Total     int
	Err       error
}

// RetrievalDone finalizes the sync: full mode deletes every local item the
// incoming listing never touched; then commits (TransactionSingle) or is a
// no-op (the other modes already committed per batch).
func (s *Sync) RetrievalDone(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled {
		return &Result{Processed: s.processed, Total: s.effectiveTotal(), Err: s.errs.Err()}, nil
	}

	if s.cfg.Mode == ModeFull {
		tx := s.tx
		var closeBatch func(bool) error
		if s.cfg.Transaction != TransactionSingle {
			var err error
			tx, closeBatch, err = s.batchTx(ctx)
			if err != nil {
				return nil, err
			}
		}
		for id, local := range s.byID {
			if _, ok := s.touched[id]; ok {
				continue
			}
			if err := tx.DeleteItem(ctx, local.ID); err != nil {
				s.log.V(1).Info("delete failed, tolerating duplicate removal", "id", id, "error", err.Error())
				s.errs.Add(pimerr.Wrap(pimerr.KindNotFound, "deleting untouched item", err))
				continue
			}
			s.bump("delete")
		}
		if closeBatch != nil {
			if err := closeBatch(true); err != nil {
				s.errs.Add(pimerr.Wrap(pimerr.KindIntegrityError, "committing full-sync deletions", err))
			}
		}
	}

	if s.cfg.TotalItems > 0 && s.cfg.TotalItems != s.seenTotal {
		s.log.Info("item sync total_items hint mismatch", "hint", s.cfg.TotalItems, "delivered", s.seenTotal)
	}

	if s.cfg.Transaction == TransactionSingle && s.tx != nil {
		if err := s.tx.Commit(ctx); err != nil {
			werr := pimerr.Wrap(pimerr.KindIntegrityError, "committing item sync", err)
			s.errs.Add(werr)
			return &Result{Processed: s.processed, Total: s.effectiveTotal(), Err: s.errs.Err()}, werr
		}
	}

	return &Result{Processed: s.processed, Total: s.effectiveTotal(), Err: s.errs.Err()}, nil
}

// Errs aggregates every per-operation error seen so far without ending the
// sync.
func (s *Sync) Errs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Combine(s.errs.Err())
}
