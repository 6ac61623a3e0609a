package itemsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/logging"
)

type fakeTx struct {
	nextID       api.EntityID
	created      []*RemoteItem
	modified     []api.EntityID
	deleted      []api.EntityID
	failDeleteID api.EntityID
	committed    bool
	rolledBack   bool
}

func (f *fakeTx) CreateItem(_ context.Context, _ api.EntityID, it *RemoteItem) (api.EntityID, error) {
	f.nextID++
	f.created = append(f.created, it)
	return f.nextID, nil
}

func (f *fakeTx) ModifyItem(_ context.Context, id api.EntityID, _ *RemoteItem) error {
	f.modified = append(f.modified, id)
	return nil
}

func (f *fakeTx) DeleteItem(_ context.Context, id api.EntityID) error {
	if f.failDeleteID != 0 && id == f.failDeleteID {
		return errors.New("not found on server")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTx) Commit(_ context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(_ context.Context) error { f.rolledBack = true; return nil }

type fakeBackend struct {
	locals []*api.Item
	tx     *fakeTx
}

func (b *fakeBackend) FetchLocalItems(_ context.Context, _ api.EntityID) ([]*api.Item, error) {
	return b.locals, nil
}

func (b *fakeBackend) Begin(_ context.Context) (Tx, error) {
	if b.tx == nil {
		b.tx = &fakeTx{}
	}
	return b.tx, nil
}

func newStartedSync(t *testing.T, cfg Config, locals []*api.Item) (*Sync, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{locals: locals}
	s := New(cfg, backend, nil, logging.Discard())
	require.NoError(t, s.Start(context.Background()))
	return s, backend
}

func TestItemSync_CreatesUnmatchedItem(t *testing.T) {
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle}, nil)

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "1"},
	}))
	res, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, backend.tx.created, 1)
	assert.True(t, backend.tx.committed)
}

func TestItemSync_UnchangedItemSkipsRewrite(t *testing.T) {
	local := &api.Item{ID: 1, RemoteID: []byte("r1"), RemoteRevision: "1"}
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle}, []*api.Item{local})

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "1"},
	}))
	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backend.tx.modified)
	assert.Empty(t, backend.tx.created)
}

func TestItemSync_RevisionChangeTriggersRewrite(t *testing.T) {
	local := &api.Item{ID: 1, RemoteID: []byte("r1"), RemoteRevision: "1"}
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle}, []*api.Item{local})

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "2"},
	}))
	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []api.EntityID{1}, backend.tx.modified)
}

func TestItemSync_AttributeDiffTriggersRewriteOnlyWhenRemoteKeyDiffers(t *testing.T) {
	local := &api.Item{
		ID: 1, RemoteID: []byte("r1"), RemoteRevision: "1",
		Attributes: map[string][]byte{"color": []byte("red"), "local-only": []byte("x")},
	}
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle}, []*api.Item{local})

	// remote repeats the same value for "color" and doesn't mention
	// "local-only": no rewrite expected.
	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "1", Attributes: map[string][]byte{"color": []byte("red")}},
	}))
	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backend.tx.modified)
}

func TestItemSync_AttributeDiffTriggersRewriteWhenValueChanges(t *testing.T) {
	local := &api.Item{
		ID: 1, RemoteID: []byte("r1"), RemoteRevision: "1",
		Attributes: map[string][]byte{"color": []byte("red")},
	}
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle}, []*api.Item{local})

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "1", Attributes: map[string][]byte{"color": []byte("blue")}},
	}))
	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []api.EntityID{1}, backend.tx.modified)
}

func TestItemSync_InvalidatePayloadCacheForcesRewrite(t *testing.T) {
	local := &api.Item{ID: 1, RemoteID: []byte("r1"), RemoteRevision: "1"}
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle, InvalidatePayloadCache: true}, []*api.Item{local})

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "1"},
	}))
	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []api.EntityID{1}, backend.tx.modified)
}

func TestItemSync_PushRemoved_ToleratesDeleteFailure(t *testing.T) {
	local1 := &api.Item{ID: 1, RemoteID: []byte("r1")}
	local2 := &api.Item{ID: 2, RemoteID: []byte("r2")}
	s, backend := newStartedSync(t, Config{Collection: 1, Mode: ModeIncremental, Transaction: TransactionSingle}, []*api.Item{local1, local2})
	backend.tx.failDeleteID = 1

	require.NoError(t, s.PushRemoved(context.Background(), []RemovedItem{
		{RemoteID: []byte("r1")},
		{RemoteID: []byte("r2")},
	}))

	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []api.EntityID{2}, backend.tx.deleted)
	assert.Error(t, s.Errs(), "the tolerated delete failure should still surface via Errs")
}

func TestItemSync_PushRemoved_RejectedOutsideIncrementalMode(t *testing.T) {
	s, _ := newStartedSync(t, Config{Collection: 1, Mode: ModeFull, Transaction: TransactionSingle}, nil)
	err := s.PushRemoved(context.Background(), []RemovedItem{{RemoteID: []byte("r1")}})
	assert.Error(t, err)
}

func TestItemSync_FullMode_DeletesUntouchedItems(t *testing.T) {
	kept := &api.Item{ID: 1, RemoteID: []byte("r1"), RemoteRevision: "1"}
	stale := &api.Item{ID: 2, RemoteID: []byte("r2"), RemoteRevision: "1"}
	s, backend := newStartedSync(t, Config{Collection: 1, Mode: ModeFull, Transaction: TransactionSingle}, []*api.Item{kept, stale})

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{
		{RemoteID: []byte("r1"), RemoteRevision: "1"},
	}))
	_, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []api.EntityID{2}, backend.tx.deleted)
}

func TestItemSync_Rollback_StopsFurtherWrites(t *testing.T) {
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionSingle}, nil)
	require.NoError(t, s.Rollback(context.Background()))
	assert.True(t, backend.tx.rolledBack)

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{{RemoteID: []byte("r1")}}))
	res, err := s.RetrievalDone(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backend.tx.created)
	assert.Error(t, res.Err, "a rollback should leave a UserCanceled error recorded")
}

func TestItemSync_TransactionMultiplePerBatch_CommitsEachBatch(t *testing.T) {
	s, backend := newStartedSync(t, Config{Collection: 1, Transaction: TransactionMultiplePerBatch}, nil)

	require.NoError(t, s.PushChanged(context.Background(), []*RemoteItem{{RemoteID: []byte("r1")}}))
	assert.True(t, backend.tx.committed)
}
