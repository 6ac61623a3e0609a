package agentbase

import "sync"

// NetworkState tracks the three inputs spec.md section 4.7 names for an
// agent's online/offline toggle: the user's desired state, whether the
// agent needs network connectivity to do anything useful, and the OS's
// reported network-up state. When NeedsNetwork is set, Online tracks the
// OS state combined with the user's preference; otherwise Online tracks
// the user's preference alone.
type NetworkState struct {
	mu           sync.RWMutex
	desired      bool
	needsNetwork bool
	osNetworkUp  bool
}

// NewNetworkState builds a NetworkState with the given starting desired
// online state. The OS network is assumed up until told otherwise.
func NewNetworkState(desiredOnline bool) *NetworkState {
	return &NetworkState{desired: desiredOnline, osNetworkUp: true}
}

// SetDesiredOnline records the user's online/offline preference.
func (n *NetworkState) SetDesiredOnline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.desired = v
}

// SetNeedsNetwork toggles whether Online should also factor in OS
// connectivity.
func (n *NetworkState) SetNeedsNetwork(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.needsNetwork = v
}

// SetOSNetworkUp records the OS-reported connectivity state.
func (n *NetworkState) SetOSNetworkUp(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.osNetworkUp = v
}

// NeedsNetwork reports whether Online currently factors in OS
// connectivity.
func (n *NetworkState) NeedsNetwork() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.needsNetwork
}

// Online reports the derived online state.
func (n *NetworkState) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.needsNetwork {
		return n.desired && n.osNetworkUp
	}
	return n.desired
}
