package feedback

import "context"

// RawFilter narrows a raw item listing.
type RawFilter struct {
	// AfterID returns only items with ID > AfterID when non-zero.
	AfterID int64

	// Status restricts to one raw status. Empty means RawActive.
	Status RawStatus
}

// ItemStore reads raw observations. Ingestion lives outside this module.
type ItemStore interface {
	// ListRawItems returns items in scope ordered by ID ascending.
	ListRawItems(ctx context.Context, scope Scope, filter RawFilter) ([]RawItem, error)

	// CountRawItemsAfter counts active items in scope with ID > afterID.
	CountRawItemsAfter(ctx context.Context, scope Scope, afterID int64) (int, error)
}

// ConsolidatedStore persists consolidated items and applies bulk lifecycle
// transitions. Every mutating call is predicate scoped; none iterates rows
// on behalf of the caller.
type ConsolidatedStore interface {
	// ListConsolidated returns items of kind in scope whose status is one of
	// statuses, ordered by ID ascending. No statuses means all statuses.
	ListConsolidated(ctx context.Context, kind Kind, scope Scope, statuses ...Status) ([]ConsolidatedItem, error)

	// SaveConsolidated inserts items and returns them with assigned IDs.
	SaveConsolidated(ctx context.Context, items []ConsolidatedItem) ([]ConsolidatedItem, error)

	// UpdateStatus moves every item of kind in scope from one status to another.
	UpdateStatus(ctx context.Context, kind Kind, scope Scope, from, to Status) (int, error)

	// UpdateStatusByIDs moves the listed items still in status from to status to.
	UpdateStatusByIDs(ctx context.Context, kind Kind, ids []int64, from, to Status) (int, error)

	// DeleteByStatus removes every item of kind in scope with the given status.
	DeleteByStatus(ctx context.Context, kind Kind, scope Scope, status Status) (int, error)

	// DeleteByIDs removes the listed items. Missing ids are ignored.
	DeleteByIDs(ctx context.Context, kind Kind, ids []int64) (int, error)
}

// DocumentStore keeps opaque keyed state documents.
type DocumentStore interface {
	// GetDocument returns the document body or ErrNotFound.
	GetDocument(ctx context.Context, key string) ([]byte, error)

	// PutDocument creates or replaces the document.
	PutDocument(ctx context.Context, key string, body []byte) error

	// UpdateDocument replaces the document with fn's result as one atomic
	// read-modify-write. fn receives nil when the document does not exist;
	// an error from fn leaves the document unchanged.
	UpdateDocument(ctx context.Context, key string, fn func(body []byte) ([]byte, error)) error
}
