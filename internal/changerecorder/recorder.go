package changerecorder

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/metrics"
	"github.com/pimkit/pimsync/internal/notifcompress"
	"github.com/pimkit/pimsync/internal/pimerr"
)

// ItemFetcher resolves ids against the server, warming whatever entity
// cache the embedder maintains, for legacy journal entries that only
// reference items by id (spec.md's fetch_items_for_legacy_notifications).
type ItemFetcher func(ctx context.Context, ids []api.EntityID) error

// Recorder is the persistent change journal of spec.md section 4.4. The
// zero value is not usable; build one with Open.
type Recorder struct {
	journalPath string
	sessionID   []byte
	log         logr.Logger

	mu            sync.Mutex
	pending       []*api.Notification
	startOffset   uint64
	needsFullSave bool
	recording     bool

	changesAdded chan struct{}
}

// Open loads path (the `<basename>_changes.dat` journal file), migrating
// from a legacy settings or binary format if the current-version file
// isn't present. legacySettingsPath names the INI-style v0 file;
// fetchLegacyItems is consulted only when migration actually occurs.
func Open(ctx context.Context, path, legacySettingsPath string, sessionID []byte, fetchLegacyItems ItemFetcher, log logr.Logger) (*Recorder, error) {
	r := &Recorder{
		journalPath: path,
		sessionID:   sessionID,
		log:         log,
		recording:   true,
		changesAdded: make(chan struct{}, 1),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := r.migrateFromSettings(ctx, legacySettingsPath, fetchLegacyItems); err != nil {
			return nil, err
		}
		if !r.needsFullSave {
			// No legacy data migrated: a genuinely fresh recorder. Create
			// an empty, valid journal file now so the first Enqueue can
			// append to it instead of failing against a missing file.
			if err := r.writeFull(nil, 0); err != nil {
				return nil, pimerr.Wrap(pimerr.KindJournalIOError, "creating journal", err)
			}
		}
	case err != nil:
		return nil, pimerr.Wrap(pimerr.KindJournalIOError, "reading journal", err)
	default:
		if err := r.loadBinary(ctx, data, fetchLegacyItems); err != nil {
			return nil, err
		}
	}

	metrics.JournalSize.Set(float64(len(r.pending)))
	return r, nil
}

func (r *Recorder) loadBinary(ctx context.Context, data []byte, fetchLegacyItems ItemFetcher) error {
	if len(data) < 8 {
		r.log.Info("journal unreadable, starting empty", "path", r.journalPath)
		r.needsFullSave = true
		return nil
	}
	version, _ := decodeHeaderWord(binary.LittleEndian.Uint64(data[:8]))

	if version == currentVersion {
		notifications, startOffset, truncated, err := decodeJournal(data)
		if err != nil {
			r.log.Error(err, "journal unreadable, starting empty", "path", r.journalPath)
			r.needsFullSave = true
			return nil
		}
		if startOffset > uint64(len(notifications)) {
			r.log.Info("journal start_offset exceeds stored record count, discarding",
				"path", r.journalPath, "startOffset", startOffset, "count", len(notifications))
			r.needsFullSave = true
			return nil
		}
		// The body still physically holds the startOffset leading
		// records that were already acked before whatever restart is
		// loading this file now -- header-only compaction in
		// ChangeProcessed advances start_offset without rewriting the
		// body. Drop them so a replay never redelivers an acked
		// notification, and normalize start_offset back to 0 in memory.
		// That desyncs appendOne/patchHeader's count bookkeeping from
		// the file's actual layout, so force the next write through
		// writeFull to rewrite the body down to just the unconsumed tail.
		r.pending = notifications[startOffset:]
		r.startOffset = 0
		r.needsFullSave = truncated || startOffset > 0
		return nil
	}

	notifications, _, startOffset, err := decodeLegacyBinary(data)
	if err != nil {
		r.log.Error(err, "legacy journal unreadable, starting empty", "path", r.journalPath)
		r.needsFullSave = true
		return nil
	}
	if startOffset > uint64(len(notifications)) {
		startOffset = uint64(len(notifications))
	}
	r.pending = notifications[startOffset:]
	r.startOffset = 0
	r.needsFullSave = true // spec.md: needs_full_save is set after any migration

	if fetchLegacyItems != nil {
		ids := idsOf(notifications)
		if len(ids) > 0 {
			if err := fetchLegacyItems(ctx, ids); err != nil {
				r.log.Error(err, "fetching items for legacy notifications")
			}
		}
	}
	return nil
}

func (r *Recorder) migrateFromSettings(ctx context.Context, legacySettingsPath string, fetchLegacyItems ItemFetcher) error {
	if legacySettingsPath == "" {
		return nil
	}
	f, err := os.Open(legacySettingsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return pimerr.Wrap(pimerr.KindJournalIOError, "opening legacy settings file", err)
	}
	defer f.Close()

	entries, err := parseLegacyV0Settings(f)
	if err != nil {
		return pimerr.Wrap(pimerr.KindJournalIOError, "parsing legacy settings file", err)
	}
	if len(entries) == 0 {
		return nil
	}

	notifications := entriesToNotifications(entries)
	r.pending = notifications
	r.needsFullSave = true

	if fetchLegacyItems != nil {
		ids := idsOf(notifications)
		if len(ids) > 0 {
			if err := fetchLegacyItems(ctx, ids); err != nil {
				r.log.Error(err, "fetching items for legacy notifications")
			}
		}
	}
	return nil
}

func idsOf(notifications []*api.Notification) []api.EntityID {
	var ids []api.EntityID
	for _, n := range notifications {
		for _, item := range n.Items {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// SetRecordingEnabled toggles whether Enqueue actually journals; when
// false the recorder behaves like a pure pass-through (spec.md section
// 4.4, "a boolean recording_enabled").
func (r *Recorder) SetRecordingEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = enabled
}

// Enqueue accepts a filtered-and-hydrated notification from the owning
// Monitor: it is appended to pending (merged via the same compression
// rule the Monitor uses), written to the journal before returning, and
// signals ChangesAdded. Enqueue is a no-op when recording is disabled or n
// originated from this recorder's own session (spec.md's "session
// filtering").
func (r *Recorder) Enqueue(n *api.Notification) error {
	if string(n.SessionID) == string(r.sessionID) && len(r.sessionID) > 0 {
		return nil
	}

	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	before := len(r.pending)
	r.pending = notifcompress.Compress(r.pending, n)
	compressed := len(r.pending) < before+1
	if compressed {
		// compression changed a prior position: spec.md's compaction
		// trigger "an erasure that changes prior positions".
		r.needsFullSave = true
	}
	pendingSnapshot := append([]*api.Notification(nil), r.pending...)
	needsFullSave := r.needsFullSave
	r.mu.Unlock()

	var err error
	if needsFullSave {
		// writeFull always serializes exactly pendingSnapshot -- the
		// already-consumed prefix, if any, was dropped from r.pending
		// long ago -- so the body it writes is never offset from 0.
		err = r.writeFull(pendingSnapshot, 0)
	} else {
		err = r.appendOne(n)
	}
	if err != nil {
		return pimerr.Wrap(pimerr.KindJournalIOError, "writing journal", err)
	}
	if needsFullSave {
		r.mu.Lock()
		r.startOffset = 0
		r.needsFullSave = false
		r.mu.Unlock()
	}

	metrics.JournalSize.Set(float64(len(pendingSnapshot)))
	select {
	case r.changesAdded <- struct{}{}:
	default:
	}
	return nil
}

// ChangesAdded fires whenever Enqueue successfully journals a new entry.
func (r *Recorder) ChangesAdded() <-chan struct{} { return r.changesAdded }

// ReplayNext returns the current head of pending without removing it, or
// nil if the queue is empty. The embedder must eventually call
// ChangeProcessed once it finishes handling the returned notification.
func (r *Recorder) ReplayNext() *api.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	return r.pending[0]
}

// ChangeProcessed removes the head of pending and advances the on-disk
// journal by exactly one, per spec.md's replay contract: a full rewrite
// if needs_full_save is set or the queue is now empty, otherwise a
// header-only start_offset bump.
func (r *Recorder) ChangeProcessed() error {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.pending = r.pending[1:]
	r.startOffset++
	needsFullSave := r.needsFullSave || len(r.pending) == 0
	pendingSnapshot := append([]*api.Notification(nil), r.pending...)
	startOffset := r.startOffset
	r.mu.Unlock()

	var err error
	if needsFullSave {
		err = r.writeFull(pendingSnapshot, 0)
		if err == nil {
			r.mu.Lock()
			r.startOffset = 0
			r.needsFullSave = false
			r.mu.Unlock()
		}
	} else {
		err = r.patchHeader(uint32(len(pendingSnapshot))+uint32(startOffset), startOffset)
	}
	if err != nil {
		// spec.md section 7 JournalIOError, save path: log and keep the
		// in-memory queue so a later write can retry.
		r.log.Error(err, "failed to persist change_processed, in-memory queue preserved")
		return pimerr.Wrap(pimerr.KindJournalIOError, "persisting change_processed", err)
	}

	metrics.JournalSize.Set(float64(len(pendingSnapshot)))
	return nil
}

// DebugDump returns a snapshot of the in-memory state for diagnostics; it
// takes no journal action. This is a supplemental operation (not present
// in the original source's public API) useful for agent troubleshooting
// tooling.
func (r *Recorder) DebugDump() (pending []*api.Notification, startOffset uint64, needsFullSave bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*api.Notification(nil), r.pending...), r.startOffset, r.needsFullSave
}

func (r *Recorder) appendOne(n *api.Notification) error {
	f, err := os.OpenFile(r.journalPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := f.Seek(info.Size(), 0); err != nil {
		return err
	}
	if err := encodeNotificationV3(f, n); err != nil {
		return err
	}

	r.mu.Lock()
	count := uint32(r.startOffset) + uint32(len(r.pending))
	startOffset := r.startOffset
	r.mu.Unlock()

	if _, err := f.WriteAt(encodeHeaderOnly(count, startOffset), 0); err != nil {
		return err
	}
	return f.Sync()
}

func (r *Recorder) patchHeader(count uint32, startOffset uint64) error {
	f, err := os.OpenFile(r.journalPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(encodeHeaderOnly(count, startOffset), 0); err != nil {
		return err
	}
	return f.Sync()
}

func (r *Recorder) writeFull(notifications []*api.Notification, startOffset uint64) error {
	data, err := encodeJournal(notifications, startOffset)
	if err != nil {
		return err
	}
	return writeFileAtomic(r.journalPath, data)
}

// writeFileAtomic implements spec.md's crash-safety rule: write to a temp
// file in the same directory, fsync, rename over the target.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".journal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
