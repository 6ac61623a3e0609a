package notifcompress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pimkit/pimsync/api"
)

func item(id api.EntityID) []api.EntityRef { return []api.EntityRef{{ID: id}} }

func TestCompress_AppendsUnrelated(t *testing.T) {
	var queue []*api.Notification
	a := &api.Notification{Type: api.NotificationItem, Operation: api.OpAdd, Items: item(1)}
	b := &api.Notification{Type: api.NotificationItem, Operation: api.OpAdd, Items: item(2)}

	queue = Compress(queue, a)
	queue = Compress(queue, b)

	assert.Len(t, queue, 2)
	assert.Same(t, a, queue[0])
	assert.Same(t, b, queue[1])
}

func TestCompress_RemoveSupersedesPriorEntry(t *testing.T) {
	var queue []*api.Notification
	add := &api.Notification{Type: api.NotificationItem, Operation: api.OpAdd, Items: item(1)}
	remove := &api.Notification{Type: api.NotificationItem, Operation: api.OpRemove, Items: item(1)}

	queue = Compress(queue, add)
	queue = Compress(queue, remove)

	assert.Len(t, queue, 1)
	assert.Same(t, remove, queue[0])
}

func TestCompress_MergesConsecutiveModifies(t *testing.T) {
	var queue []*api.Notification
	m1 := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpModify, Items: item(1),
		ChangedParts: map[string]struct{}{"BODY": {}},
	}
	m2 := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpModify, Items: item(1),
		ChangedParts: map[string]struct{}{"HEAD": {}},
	}

	queue = Compress(queue, m1)
	queue = Compress(queue, m2)

	assert.Len(t, queue, 1)
	assert.Contains(t, queue[0].ChangedParts, "BODY")
	assert.Contains(t, queue[0].ChangedParts, "HEAD")
}

func TestCompress_MergesModifyFlags_AddThenRemoveSameFlagCancelsOut(t *testing.T) {
	var queue []*api.Notification
	add := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpModifyFlags, Items: item(1),
		AddedFlags: map[string]struct{}{api.FlagSeen: {}},
	}
	remove := &api.Notification{
		Type: api.NotificationItem, Operation: api.OpModifyFlags, Items: item(1),
		RemovedFlags: map[string]struct{}{api.FlagSeen: {}},
	}

	queue = Compress(queue, add)
	queue = Compress(queue, remove)

	require := assert.New(t)
	require.Len(queue, 1)
	require.NotContains(queue[0].AddedFlags, api.FlagSeen)
	require.Contains(queue[0].RemovedFlags, api.FlagSeen)
}

func TestCompress_DifferentTypesSameIDDoNotMerge(t *testing.T) {
	var queue []*api.Notification
	coll := &api.Notification{Type: api.NotificationCollection, Operation: api.OpModify, Items: item(1)}
	it := &api.Notification{Type: api.NotificationItem, Operation: api.OpModify, Items: item(1)}

	queue = Compress(queue, coll)
	queue = Compress(queue, it)

	assert.Len(t, queue, 2)
}

func TestCompress_MoveDoesNotMergeWithPriorModify(t *testing.T) {
	var queue []*api.Notification
	mod := &api.Notification{Type: api.NotificationItem, Operation: api.OpModify, Items: item(1)}
	move := &api.Notification{Type: api.NotificationItem, Operation: api.OpMove, Items: item(1)}

	queue = Compress(queue, mod)
	queue = Compress(queue, move)

	assert.Len(t, queue, 2)
}
