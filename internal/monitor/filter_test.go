package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pimkit/pimsync/api"
)

func TestFilter_MonitorAllAcceptsEverything(t *testing.T) {
	f := NewFilter()
	f.MonitorAll = true
	n := &api.Notification{SourceCollection: 42}
	assert.True(t, f.Accepts(n))
}

func TestFilter_MonitorCollectionMatchesSourceOrDestination(t *testing.T) {
	f := NewFilter()
	f.MonitorCollection(5)

	assert.True(t, f.Accepts(&api.Notification{SourceCollection: 5, DestinationCollection: api.InvalidID}))
	assert.True(t, f.Accepts(&api.Notification{SourceCollection: api.InvalidID, DestinationCollection: 5}))
	assert.False(t, f.Accepts(&api.Notification{SourceCollection: 6, DestinationCollection: 7}))
}

func TestFilter_RootCollectionIsAlwaysMonitored(t *testing.T) {
	f := NewFilter()
	assert.True(t, f.Accepts(&api.Notification{SourceCollection: api.RootID, DestinationCollection: api.InvalidID}))
}

func TestFilter_MonitorItem(t *testing.T) {
	f := NewFilter()
	f.MonitorItem(9)

	assert.True(t, f.Accepts(&api.Notification{
		SourceCollection: api.InvalidID, DestinationCollection: api.InvalidID,
		Items: []api.EntityRef{{ID: 9}},
	}))
	assert.False(t, f.Accepts(&api.Notification{
		SourceCollection: api.InvalidID, DestinationCollection: api.InvalidID,
		Items: []api.EntityRef{{ID: 10}},
	}))
}

func TestFilter_IgnoreSession(t *testing.T) {
	f := NewFilter()
	f.MonitorAll = true
	f.IgnoreSession("own-session")

	n := &api.Notification{SessionID: []byte("own-session")}
	assert.False(t, f.Accepts(n))

	f.UnignoreSession("own-session")
	assert.True(t, f.Accepts(n))
}

func TestFilter_MimeAlias(t *testing.T) {
	f := NewFilter()
	f.MonitorMimeType("text/plain")
	f.SetMimeAlias("message/rfc822", "message/rfc822", "text/plain")

	n := &api.Notification{
		SourceCollection: api.InvalidID, DestinationCollection: api.InvalidID,
		MimeType: "message/rfc822",
	}
	assert.True(t, f.Accepts(n))
}

func TestFilter_MonitorResource(t *testing.T) {
	f := NewFilter()
	f.MonitorResource("imap-account")

	accepted := &api.Notification{
		SourceCollection: api.InvalidID, DestinationCollection: api.InvalidID,
		Resource: []byte("imap-account"),
	}
	rejected := &api.Notification{
		SourceCollection: api.InvalidID, DestinationCollection: api.InvalidID,
		Resource: []byte("other-account"),
	}
	assert.True(t, f.Accepts(accepted))
	assert.False(t, f.Accepts(rejected))
}
