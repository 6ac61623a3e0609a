package api

// Depth controls how much of a collection subtree FETCH COLLECTIONS returns.
type Depth int

const (
	DepthBase Depth = iota
	DepthFirstLevel
	DepthRecursive
)

// ListFilter narrows which collections a fetch considers.
type ListFilter int

const (
	ListNoFilter ListFilter = iota
	ListDisplay
	ListSync
	ListIndex
	ListEnabled
)

// HierarchicalRemoteID is one link of a remote-id chain from an entity up
// to the root, used when remote ids are only unique per parent rather than
// per resource (spec.md section 3, "hierarchical remote id").
type HierarchicalRemoteID struct {
	ID       EntityID
	RemoteID []byte
}

// Scope encodes the entity set a command operates over: spec.md section 6
// names five encodings. Exactly one of the fields should be set; Kind says
// which.
type Scope struct {
	Kind ScopeKind

	ID       EntityID
	IDs      []EntityID
	Interval [2]EntityID
	RemoteID []byte
	Chain    []HierarchicalRemoteID // terminated by the root marker (ID==RootID)
}

type ScopeKind int

const (
	ScopeSingleID ScopeKind = iota
	ScopeIDList
	ScopeInterval
	ScopeRemoteID
	ScopeHierarchicalChain
)

// ItemFetchFlag is one bit of the item-scope bitmask used by FETCH ITEMS.
type ItemFetchFlag uint32

const (
	ItemFullPayload ItemFetchFlag = 1 << iota
	ItemAllAttributes
	ItemFlags
	ItemSize
	ItemRemoteID
	ItemRemoteRevision
	ItemMTime
	ItemIgnoreErrors
)

// CollectionFetchOptions parameterizes FETCH COLLECTIONS.
type CollectionFetchOptions struct {
	Scope         Scope
	Depth         Depth
	ResourceOnly  []byte
	MimeFilter    []string
	ListFilter    ListFilter
	FetchStats    bool
	AncestorDepth int
}

// ItemFetchOptions parameterizes FETCH ITEMS.
type ItemFetchOptions struct {
	Scope         Scope
	ItemScope     ItemFetchFlag
	AncestorDepth int
}

// Server-side item filter tokens embedded in item flags for CREATE/fetch
// (spec.md section 6).
const (
	FilterTokenMimeType       = `\MimeType`
	FilterTokenGID            = `\Gid`
	FilterTokenRemoteID       = `\RemoteId`
	FilterTokenRemoteRevision = `\RemoteRevision`
)
