package agentbase

import (
	"context"
	"sync"

	"github.com/pimkit/pimsync/api"
)

// Dispatch fans a demultiplexed api.Notification out to the matching
// Observer method(s), once per referenced entity, following the v2
// behavior unconditionally (spec.md section 9's Open Question: a
// source-only-monitored Move always composes as item_removed/
// collection_removed upstream in internal/monitor, never reaching
// Dispatch as an ItemMoved call unless both sides were actually
// monitored). ack is invoked at most once regardless of how many entities
// n references: by the first Observer method that calls it, or directly
// when n references no entities. A Tag notification that references
// entities reaches no Observer method and is not acknowledged here.
func Dispatch(ctx context.Context, obs Observer, n *api.Notification, ack AckFunc) {
	once := onceAck(ack)

	for _, ref := range n.Items {
		switch n.Type {
		case api.NotificationItem:
			dispatchItem(ctx, obs, n, ref.ID, once)
		case api.NotificationCollection:
			dispatchCollection(ctx, obs, n, ref.ID, once)
		case api.NotificationTag:
			// Tags have no dedicated Observer hooks in spec.md section 4.7's
			// capability set; callers that care about tag changes observe
			// the Monitor's raw output directly instead.
		}
	}

	if len(n.Items) == 0 {
		_ = once()
	}
}

func dispatchItem(ctx context.Context, obs Observer, n *api.Notification, id api.EntityID, ack AckFunc) {
	switch n.Operation {
	case api.OpAdd:
		obs.ItemAdded(ctx, id, n.SourceCollection, ack)
	case api.OpModify, api.OpModifyFlags:
		obs.ItemChanged(ctx, id, n.ChangedParts, ack)
	case api.OpMove:
		obs.ItemMoved(ctx, id, n.SourceCollection, n.DestinationCollection, ack)
	case api.OpRemove:
		obs.ItemRemoved(ctx, id, ack)
	case api.OpLink:
		obs.ItemLinked(ctx, id, n.SourceCollection, ack)
	case api.OpUnlink:
		obs.ItemUnlinked(ctx, id, n.SourceCollection, ack)
	default:
		_ = ack()
	}
}

func dispatchCollection(ctx context.Context, obs Observer, n *api.Notification, id api.EntityID, ack AckFunc) {
	switch n.Operation {
	case api.OpAdd:
		obs.CollectionAdded(ctx, id, n.SourceCollection, ack)
	case api.OpModify:
		obs.CollectionChanged(ctx, id, n.ChangedParts, ack)
	case api.OpMove:
		obs.CollectionMoved(ctx, id, n.SourceCollection, n.DestinationCollection, ack)
	case api.OpRemove:
		obs.CollectionRemoved(ctx, id, ack)
	default:
		_ = ack()
	}
}

// onceAck wraps ack so concurrent or repeated calls from multiple
// dispatched entities only invoke the underlying acknowledgement once.
func onceAck(ack AckFunc) AckFunc {
	if ack == nil {
		return func() error { return nil }
	}
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() { err = ack() })
		return err
	}
}
