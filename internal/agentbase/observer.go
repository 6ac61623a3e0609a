// Package agentbase specifies the interface-only contract spec.md section
// 4.7 assigns to the embedding agent/resource: an observer capability set,
// lifecycle hooks, an online/offline toggle, and a priority task scheduler.
// The core never implements an application on top of this; it only assumes
// these shapes exist so the Monitor, ChangeRecorder and synchronizers have
// somewhere to deliver their output.
package agentbase

import (
	"context"

	"github.com/pimkit/pimsync/api"
)

// AckFunc is the acknowledgement token threaded through every Observer
// callback. For live (non-recorded) delivery it is a no-op; for replayed
// notifications it is a handle back to the owning ChangeRecorder, calling
// ChangeProcessed exactly once no matter how many referenced entities the
// notification carried (spec.md section 9, "Global agent pointer": replaced
// here with an explicit callback rather than a process-wide pointer).
type AckFunc func() error

// Observer is the capability set spec.md section 4.7 names. Every method
// must be implemented; embed Base for a no-op default and override only
// the operations the application cares about.
type Observer interface {
	ItemAdded(ctx context.Context, item, collection api.EntityID, ack AckFunc)
	ItemChanged(ctx context.Context, item api.EntityID, changedParts map[string]struct{}, ack AckFunc)
	ItemMoved(ctx context.Context, item, source, destination api.EntityID, ack AckFunc)
	ItemRemoved(ctx context.Context, item api.EntityID, ack AckFunc)
	ItemLinked(ctx context.Context, item, collection api.EntityID, ack AckFunc)
	ItemUnlinked(ctx context.Context, item, collection api.EntityID, ack AckFunc)
	CollectionAdded(ctx context.Context, collection, parent api.EntityID, ack AckFunc)
	CollectionChanged(ctx context.Context, collection api.EntityID, changedParts map[string]struct{}, ack AckFunc)
	CollectionMoved(ctx context.Context, collection, source, destination api.EntityID, ack AckFunc)
	CollectionRemoved(ctx context.Context, collection api.EntityID, ack AckFunc)
}

// Base is a no-op Observer. Embed it in an application's observer type and
// override only the handful of methods it cares about.
type Base struct{}

func (Base) ItemAdded(context.Context, api.EntityID, api.EntityID, AckFunc)                    {}
func (Base) ItemChanged(context.Context, api.EntityID, map[string]struct{}, AckFunc)            {}
func (Base) ItemMoved(context.Context, api.EntityID, api.EntityID, api.EntityID, AckFunc)        {}
func (Base) ItemRemoved(context.Context, api.EntityID, AckFunc)                                 {}
func (Base) ItemLinked(context.Context, api.EntityID, api.EntityID, AckFunc)                     {}
func (Base) ItemUnlinked(context.Context, api.EntityID, api.EntityID, AckFunc)                   {}
func (Base) CollectionAdded(context.Context, api.EntityID, api.EntityID, AckFunc)                {}
func (Base) CollectionChanged(context.Context, api.EntityID, map[string]struct{}, AckFunc)       {}
func (Base) CollectionMoved(context.Context, api.EntityID, api.EntityID, api.EntityID, AckFunc)   {}
func (Base) CollectionRemoved(context.Context, api.EntityID, AckFunc)                            {}

var _ Observer = Base{}

// V1Compat wraps an Observer that has no native move handling and composes
// ItemMoved/CollectionMoved into the v1 fallback documented in spec.md
// section 9: "emits item_added at the destination rather than
// item_removed". This spec's own default dispatch path (Dispatch, below)
// does not use this fallback -- it follows the v2 behavior unconditionally
// -- but V1Compat is provided for an embedder that must reproduce the
// original quirk intentionally, e.g. while migrating an old client.
type V1Compat struct {
	Observer
}

func (c V1Compat) ItemMoved(ctx context.Context, item, _, destination api.EntityID, ack AckFunc) {
	c.Observer.ItemAdded(ctx, item, destination, ack)
}

func (c V1Compat) CollectionMoved(ctx context.Context, collection, _, destination api.EntityID, ack AckFunc) {
	c.Observer.CollectionAdded(ctx, collection, destination, ack)
}
