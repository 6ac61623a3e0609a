// Package monitor implements the filter/batch-detect/translate/compress/
// hydrate/dispatch pipeline described in spec.md section 4.3: it turns the
// raw stream from notifysource into per-listener delivery, resolving
// referenced entities through an entity cache before anything is handed
// out.
package monitor

import (
	"github.com/pimkit/pimsync/api"
)

// Filter holds the embedder-configured subscription: which collections,
// items, resources and mime types are of interest, and which sessions
// should never be delivered back to their own originator.
type Filter struct {
	MonitorAll bool

	collections map[api.EntityID]struct{}
	items       map[api.EntityID]struct{}
	resources   map[string]struct{}
	mimeTypes   map[string]struct{}
	ignoredSess map[string]struct{}

	// mimeAliases maps a mime type to the set of mime types it "is-a",
	// including itself, so MonitorMimeType("message/rfc822") can also
	// match a monitored "message/*" family alias.
	mimeAliases map[string][]string
}

// NewFilter builds an empty filter; MonitorAll defaults to false, meaning
// only notifications whose source or destination is the root collection
// match until collections/items/resources/mimetypes are added.
func NewFilter() *Filter {
	return &Filter{
		collections: map[api.EntityID]struct{}{},
		items:       map[api.EntityID]struct{}{},
		resources:   map[string]struct{}{},
		mimeTypes:   map[string]struct{}{},
		ignoredSess: map[string]struct{}{},
		mimeAliases: map[string][]string{},
	}
}

func (f *Filter) MonitorCollection(id api.EntityID)    { f.collections[id] = struct{}{} }
func (f *Filter) IgnoreCollection(id api.EntityID)     { delete(f.collections, id) }
func (f *Filter) MonitorItem(id api.EntityID)          { f.items[id] = struct{}{} }
func (f *Filter) MonitorResource(resource string)      { f.resources[resource] = struct{}{} }
func (f *Filter) MonitorMimeType(mime string)          { f.mimeTypes[mime] = struct{}{} }
func (f *Filter) IgnoreSession(sessionID string)       { f.ignoredSess[sessionID] = struct{}{} }
func (f *Filter) UnignoreSession(sessionID string)     { delete(f.ignoredSess, sessionID) }

// SetMimeAlias registers that concrete is-a family: e.g.
// SetMimeAlias("message/rfc822", "message/rfc822", "text/plain") lets a
// notification of mime type "message/rfc822" match a filter that monitors
// "text/plain".
func (f *Filter) SetMimeAlias(mime string, family ...string) {
	f.mimeAliases[mime] = family
}

func (f *Filter) isMonitoredCollection(id api.EntityID) bool {
	if id == api.RootID {
		return true
	}
	_, ok := f.collections[id]
	return ok
}

func (f *Filter) isMonitoredResource(resource []byte) bool {
	_, ok := f.resources[string(resource)]
	return ok
}

func (f *Filter) isMonitoredMime(mime string) bool {
	if mime == "" {
		return false
	}
	family := f.mimeAliases[mime]
	if family == nil {
		family = []string{mime}
	}
	for _, m := range family {
		if _, ok := f.mimeTypes[m]; ok {
			return true
		}
	}
	return false
}

// Accepts reports whether n passes this filter (spec.md section 4.3,
// "A notification passes iff...").
func (f *Filter) Accepts(n *api.Notification) bool {
	if _, ignored := f.ignoredSess[string(n.SessionID)]; ignored {
		return false
	}
	if f.MonitorAll {
		return true
	}

	if f.isMonitoredCollection(n.SourceCollection) || f.isMonitoredCollection(n.DestinationCollection) {
		return true
	}
	if f.isMonitoredResource(n.Resource) || f.isMonitoredResource(n.DestinationResource) {
		return true
	}
	for _, item := range n.Items {
		if _, ok := f.items[item.ID]; ok {
			return true
		}
	}
	if f.isMonitoredMime(n.MimeType) {
		return true
	}
	return false
}

// sourceMonitored and destMonitored are used by translateMove, which needs
// to know each side's match independently of the other (spec.md section
// 4.3, "the source and destination resources are considered
// independently").
func (f *Filter) sourceMonitored(n *api.Notification) bool {
	if f.MonitorAll {
		return true
	}
	return f.isMonitoredCollection(n.SourceCollection) || f.isMonitoredResource(n.Resource)
}

func (f *Filter) destMonitored(n *api.Notification) bool {
	if f.MonitorAll {
		return true
	}
	return f.isMonitoredCollection(n.DestinationCollection) || f.isMonitoredResource(n.DestinationResource)
}
