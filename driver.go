package firedoc

import (
	"context"
)

// Direction is the sort direction of an OrderBy clause.
type Direction int

const (
	Asc Direction = iota + 1
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// Driver is the document store behind a DB. Implementations exist for Cloud
// Firestore (NewFirestoreDriver) and for memory (package memstore).
//
// Errors should be gRPC status errors wherever the store has a code for the
// failure, so Translate can classify them. Iterators must return
// google.golang.org/api/iterator.Done once they are stopped or exhausted.
type Driver interface {
	// Collection returns a reference to the collection at path, or nil if
	// path does not name a collection.
	Collection(path string) CollectionRef
	// CollectionGroup queries every collection named id at any depth.
	CollectionGroup(id string) QueryRef
	// Doc returns a reference to the document at path, or nil if path does
	// not name a document.
	Doc(path string) DocumentRef
	Batch() WriteBatch
	// RunTransaction runs f in a transaction, retrying on contention the way
	// the store does. Any error from f rolls the transaction back.
	RunTransaction(ctx context.Context, f func(context.Context, Transaction) error) error
	// ServerTimestamp is the sentinel value replaced by the commit time.
	ServerTimestamp() any
	Close() error
}

// Snapshot is a point-in-time read of a single document.
type Snapshot interface {
	ID() string
	Exists() bool
	// Data returns a fresh copy of the document fields, nil when absent.
	Data() map[string]any
}

type QueryRef interface {
	Where(field string, op Operator, value any) QueryRef
	OrderBy(field string, dir Direction) QueryRef
	Limit(n int) QueryRef
	// StartAfter positions the query after snap in the current ordering.
	StartAfter(snap Snapshot) QueryRef
	Documents(ctx context.Context) ([]Snapshot, error)
	// Count runs a count aggregation. ok is false if the store cannot
	// aggregate.
	Count(ctx context.Context) (n int64, ok bool, err error)
	Snapshots(ctx context.Context) QuerySnapshotIterator
}

type CollectionRef interface {
	QueryRef
	Path() string
	Doc(id string) DocumentRef
	// NewDoc returns a reference with a store-generated ID.
	NewDoc() DocumentRef
}

type DocumentRef interface {
	ID() string
	Path() string
	// Get returns a non-existing snapshot, not an error, for absent documents.
	Get(ctx context.Context) (Snapshot, error)
	// Set overwrites the document, or merges data into it when merge is true.
	Set(ctx context.Context, data map[string]any, merge bool) error
	// Delete succeeds for absent documents.
	Delete(ctx context.Context) error
	Snapshots(ctx context.Context) DocumentSnapshotIterator
}

// DocumentSnapshotIterator yields the document state on subscription and
// after every change.
type DocumentSnapshotIterator interface {
	Next() (Snapshot, error)
	Stop()
}

// QuerySnapshotIterator yields the full result set on subscription and after
// every change to it.
type QuerySnapshotIterator interface {
	Next() ([]Snapshot, error)
	Stop()
}

// WriteBatch accumulates writes committed atomically.
type WriteBatch interface {
	Set(ref DocumentRef, data map[string]any, merge bool) WriteBatch
	Delete(ref DocumentRef) WriteBatch
	Commit(ctx context.Context) error
}

// Transaction is the transaction-scoped handle passed to RunTransaction
// handlers. Reads must precede writes.
type Transaction interface {
	Get(ref DocumentRef) (Snapshot, error)
	Documents(q QueryRef) ([]Snapshot, error)
	Set(ref DocumentRef, data map[string]any, merge bool) error
	Delete(ref DocumentRef) error
}
