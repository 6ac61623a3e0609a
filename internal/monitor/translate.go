package monitor

import (
	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/notifcompress"
)

// ListenerShape describes which signal variants (batch vs single-item) a
// Monitor's embedder has connected, one bit per operation family. The
// Monitor consults this before dispatch to decide needsSplit/supportsBatch
// (spec.md section 4.3, "Batch detection").
type ListenerShape struct {
	WantsBatch  map[api.Operation]bool
	WantsSingle map[api.Operation]bool
}

func NewListenerShape() *ListenerShape {
	return &ListenerShape{WantsBatch: map[api.Operation]bool{}, WantsSingle: map[api.Operation]bool{}}
}

func (s *ListenerShape) needsSplit(op api.Operation) bool   { return s.WantsSingle[op] }
func (s *ListenerShape) supportsBatch(op api.Operation) bool { return s.WantsBatch[op] }

// splitModifyFlags rewrites a ModifyFlags notification that has no batch
// listener into one Modify per item, each carrying the literal
// FlagsChangedToken in ChangedParts (spec.md section 4.3).
func splitModifyFlags(n *api.Notification) []*api.Notification {
	out := make([]*api.Notification, 0, len(n.Items))
	for _, item := range n.Items {
		m := n.Clone()
		m.Operation = api.OpModify
		m.Items = []api.EntityRef{item}
		m.ChangedParts = map[string]struct{}{api.FlagsChangedToken: {}}
		out = append(out, m)
	}
	return out
}

// ExpandForDispatch applies batch detection and the ModifyFlags special
// case, returning the notifications that should actually be queued for
// delivery. moveCollectionTranslation, if false, disables move rewriting
// for Collection-type notifications (spec.md's "optional global flag").
func ExpandForDispatch(n *api.Notification, shape *ListenerShape, f *Filter, moveCollectionTranslation bool) []*api.Notification {
	if n.Operation == api.OpModifyFlags && !shape.supportsBatch(n.Operation) {
		return splitModifyFlags(n)
	}

	if n.Operation == api.OpMove {
		if n.Type == api.NotificationCollection && !moveCollectionTranslation {
			return []*api.Notification{n}
		}
		return []*api.Notification{translateMove(n, f)}
	}

	return []*api.Notification{n}
}

// translateMove implements spec.md's "translateAndCompress" move rule:
// source-only monitored becomes Remove, destination-only becomes Add,
// both monitored passes through unchanged.
func translateMove(n *api.Notification, f *Filter) *api.Notification {
	src := f.sourceMonitored(n)
	dst := f.destMonitored(n)

	switch {
	case src && dst:
		return n
	case src && !dst:
		out := n.Clone()
		out.Operation = api.OpRemove
		return out
	case !src && dst:
		out := n.Clone()
		out.Operation = api.OpAdd
		out.SourceCollection = n.DestinationCollection
		out.Resource = n.DestinationResource
		return out
	default:
		// Neither side's collection or resource is monitored: the
		// notification passed Accepts through a monitored item or mime
		// type. Pass through unchanged rather than drop silently.
		return n
	}
}

// Compress delegates to notifcompress.Compress; kept as a monitor-local
// name since callers in this package already refer to it that way.
func Compress(queue []*api.Notification, n *api.Notification) []*api.Notification {
	return notifcompress.Compress(queue, n)
}
