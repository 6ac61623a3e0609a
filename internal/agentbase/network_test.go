package agentbase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkState_IgnoresOSStateWhenNetworkNotNeeded(t *testing.T) {
	n := NewNetworkState(true)
	n.SetOSNetworkUp(false)
	assert.True(t, n.Online(), "without NeedsNetwork, only the user's preference matters")
}

func TestNetworkState_FactorsOSStateWhenNetworkNeeded(t *testing.T) {
	n := NewNetworkState(true)
	n.SetNeedsNetwork(true)
	assert.True(t, n.Online())

	n.SetOSNetworkUp(false)
	assert.False(t, n.Online())

	n.SetOSNetworkUp(true)
	assert.True(t, n.Online())
}

func TestNetworkState_DesiredOfflineWinsEvenWithOSUp(t *testing.T) {
	n := NewNetworkState(false)
	n.SetNeedsNetwork(true)
	assert.False(t, n.Online())
}
