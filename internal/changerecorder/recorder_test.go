package changerecorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/logging"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(context.Background(), filepath.Join(dir, "state_changes.dat"), "", []byte("session-a"), nil, logging.Discard())
	require.NoError(t, err)
	return r
}

func TestOpen_FreshPathStartsEmpty(t *testing.T) {
	r := newTestRecorder(t)
	pending, startOffset, needsFullSave := r.DebugDump()
	assert.Empty(t, pending)
	assert.Zero(t, startOffset)
	assert.False(t, needsFullSave)
	assert.Nil(t, r.ReplayNext())
}

func TestEnqueue_ReplayAndAckRoundTrip(t *testing.T) {
	r := newTestRecorder(t)
	n := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpAdd,
		SessionID: []byte("other-session"),
		Items:     []api.EntityRef{{ID: 1}},
	}
	require.NoError(t, r.Enqueue(n))

	select {
	case <-r.ChangesAdded():
	case <-time.After(time.Second):
		t.Fatal("expected ChangesAdded signal")
	}

	got := r.ReplayNext()
	require.NotNil(t, got)
	assert.Equal(t, api.OpAdd, got.Operation)

	require.NoError(t, r.ChangeProcessed())
	assert.Nil(t, r.ReplayNext())
}

func TestEnqueue_DropsNotificationsFromOwnSession(t *testing.T) {
	r := newTestRecorder(t)
	n := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpAdd,
		SessionID: []byte("session-a"),
		Items:     []api.EntityRef{{ID: 1}},
	}
	require.NoError(t, r.Enqueue(n))
	assert.Nil(t, r.ReplayNext())
}

func TestEnqueue_NoopWhenRecordingDisabled(t *testing.T) {
	r := newTestRecorder(t)
	r.SetRecordingEnabled(false)

	n := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpAdd,
		SessionID: []byte("other-session"),
		Items:     []api.EntityRef{{ID: 1}},
	}
	require.NoError(t, r.Enqueue(n))
	assert.Nil(t, r.ReplayNext())
}

func TestEnqueue_CompressionMergesAndPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state_changes.dat")

	r, err := Open(context.Background(), path, "", nil, nil, logging.Discard())
	require.NoError(t, err)

	m1 := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpModify, Items: []api.EntityRef{{ID: 1}},
		ChangedParts: map[string]struct{}{"BODY": {}},
	}
	m2 := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpModify, Items: []api.EntityRef{{ID: 1}},
		ChangedParts: map[string]struct{}{"HEAD": {}},
	}
	require.NoError(t, r.Enqueue(m1))
	require.NoError(t, r.Enqueue(m2))

	pending, _, _ := r.DebugDump()
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].ChangedParts, "BODY")
	assert.Contains(t, pending[0].ChangedParts, "HEAD")

	reopened, err := Open(context.Background(), path, "", nil, nil, logging.Discard())
	require.NoError(t, err)
	reopenedPending, _, _ := reopened.DebugDump()
	require.Len(t, reopenedPending, 1)
	assert.Contains(t, reopenedPending[0].ChangedParts, "BODY")
	assert.Contains(t, reopenedPending[0].ChangedParts, "HEAD")
}

func TestReopen_AfterPartialAckDoesNotRedeliverAckedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state_changes.dat")

	r, err := Open(context.Background(), path, "", nil, nil, logging.Discard())
	require.NoError(t, err)

	n1 := &api.Notification{Type: api.NotificationItem, Operation: api.OpAdd, Items: []api.EntityRef{{ID: 1}}}
	n2 := &api.Notification{Type: api.NotificationItem, Operation: api.OpAdd, Items: []api.EntityRef{{ID: 2}}}
	require.NoError(t, r.Enqueue(n1))
	require.NoError(t, r.Enqueue(n2))

	// Ack only the first entry. With n2 still pending afterwards,
	// ChangeProcessed takes the header-only compaction path: start_offset
	// advances to 1 but n1's bytes stay physically on disk.
	require.NoError(t, r.ChangeProcessed())

	reopened, err := Open(context.Background(), path, "", nil, nil, logging.Discard())
	require.NoError(t, err)

	pending, startOffset, _ := reopened.DebugDump()
	require.Len(t, pending, 1)
	assert.Zero(t, startOffset)
	require.Len(t, pending[0].Items, 1)
	assert.Equal(t, api.EntityID(2), pending[0].Items[0].ID)

	got := reopened.ReplayNext()
	require.NotNil(t, got)
	require.Len(t, got.Items, 1)
	assert.Equal(t, api.EntityID(2), got.Items[0].ID)

	require.NoError(t, reopened.ChangeProcessed())
	assert.Nil(t, reopened.ReplayNext())
}

func TestMigrateFromLegacyV0Settings(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "state_changes.dat")
	settingsPath := filepath.Join(dir, "changerecorderrc")

	contents := "[ChangeRecorder/change/0]\n" +
		"type=Item\n" +
		"op=Add\n" +
		"uid=7\n" +
		"remoteId=abc\n" +
		"resource=account-1\n" +
		"parentCol=3\n" +
		"parentDestCol=-1\n" +
		"mimeType=message/rfc822\n" +
		"itemParts=BODY,HEAD\n"
	require.NoError(t, writeFileAtomic(settingsPath, []byte(contents)))

	var fetchedIDs []api.EntityID
	fetch := func(_ context.Context, ids []api.EntityID) error {
		fetchedIDs = append(fetchedIDs, ids...)
		return nil
	}

	r, err := Open(context.Background(), journalPath, settingsPath, nil, fetch, logging.Discard())
	require.NoError(t, err)

	pending, _, needsFullSave := r.DebugDump()
	require.Len(t, pending, 1)
	assert.True(t, needsFullSave)
	assert.Equal(t, api.OpAdd, pending[0].Operation)
	assert.Equal(t, api.NotificationItem, pending[0].Type)
	require.Len(t, pending[0].Items, 1)
	assert.Equal(t, api.EntityID(7), pending[0].Items[0].ID)
	assert.Contains(t, pending[0].ChangedParts, "BODY")
	assert.Equal(t, []api.EntityID{7}, fetchedIDs)
}

func TestOpen_MissingLegacySettingsPathIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(context.Background(), filepath.Join(dir, "state_changes.dat"), filepath.Join(dir, "does-not-exist"), nil, nil, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, r.ReplayNext())
}

func TestChangeProcessed_EmptyQueueIsNoop(t *testing.T) {
	r := newTestRecorder(t)
	assert.NoError(t, r.ChangeProcessed())
}
