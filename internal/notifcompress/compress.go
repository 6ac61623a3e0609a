// Package notifcompress implements the per-entity notification compression
// rule from spec.md section 4.3, shared by the Monitor (compressing its
// pending queue) and the change recorder (compressing its journaled queue,
// which is what triggers a full journal rewrite instead of a header-only
// one).
package notifcompress

import "github.com/pimkit/pimsync/api"

// Compress merges n into the tail of queue when a compression rule
// applies, or appends it otherwise. It preserves the relative order of
// distinct entities by only ever considering the most recent queued
// notification for n's primary entity id.
func Compress(queue []*api.Notification, n *api.Notification) []*api.Notification {
	target := n.PrimaryItem()
	for i := len(queue) - 1; i >= 0; i-- {
		q := queue[i]
		if q.PrimaryItem() != target || q.Type != n.Type {
			continue
		}

		switch {
		case n.Operation == api.OpRemove:
			queue[i] = n
			return queue
		case n.Operation == api.OpModify && q.Operation == api.OpModify:
			merged := q.Clone()
			if merged.ChangedParts == nil {
				merged.ChangedParts = map[string]struct{}{}
			}
			for part := range n.ChangedParts {
				merged.ChangedParts[part] = struct{}{}
			}
			queue[i] = merged
			return queue
		case n.Operation == api.OpModifyFlags && q.Operation == api.OpModifyFlags:
			merged := q.Clone()
			if merged.AddedFlags == nil {
				merged.AddedFlags = map[string]struct{}{}
			}
			if merged.RemovedFlags == nil {
				merged.RemovedFlags = map[string]struct{}{}
			}
			for flag := range n.AddedFlags {
				merged.AddedFlags[flag] = struct{}{}
				delete(merged.RemovedFlags, flag)
			}
			for flag := range n.RemovedFlags {
				merged.RemovedFlags[flag] = struct{}{}
				delete(merged.AddedFlags, flag)
			}
			queue[i] = merged
			return queue
		}
		break
	}
	return append(queue, n)
}
