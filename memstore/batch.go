package memstore

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smarter-day/firedoc"
)

type batch struct {
	store     *Store
	writes    []write
	committed bool
}

func (b *batch) Set(ref firedoc.DocumentRef, data map[string]any, merge bool) firedoc.WriteBatch {
	b.writes = append(b.writes, write{path: ref.Path(), data: cloneMap(data), merge: merge})
	return b
}

func (b *batch) Delete(ref firedoc.DocumentRef) firedoc.WriteBatch {
	b.writes = append(b.writes, write{path: ref.Path(), delete: true})
	return b
}

// Commit applies every staged write atomically. An empty batch is a no-op.
func (b *batch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	if b.committed {
		return status.Error(codes.FailedPrecondition, "batch already committed")
	}
	b.committed = true
	if len(b.writes) == 0 {
		return nil
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.applyLocked(b.writes)
}

// transaction records the version of every document it reads; the commit
// aborts if any of them changed in the meantime.
type transaction struct {
	store  *Store
	reads  map[string]uint64
	writes []write
}

func (tx *transaction) Get(ref firedoc.DocumentRef) (firedoc.Snapshot, error) {
	if len(tx.writes) > 0 {
		return nil, status.Error(codes.InvalidArgument, "read after write in transaction")
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if err := tx.store.checkLocked(ref.Path()); err != nil {
		return nil, err
	}
	tx.reads[ref.Path()] = tx.store.versions[ref.Path()]
	return tx.store.snapshotLocked(ref.Path()), nil
}

func (tx *transaction) Documents(q firedoc.QueryRef) ([]firedoc.Snapshot, error) {
	if len(tx.writes) > 0 {
		return nil, status.Error(codes.InvalidArgument, "read after write in transaction")
	}
	var mq *query
	switch t := q.(type) {
	case *query:
		mq = t
	case *collectionRef:
		mq = &t.query
	default:
		return nil, status.Errorf(codes.InvalidArgument, "query %T does not belong to this store", q)
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	docs, err := mq.runLocked()
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		tx.reads[d.path] = tx.store.versions[d.path]
	}
	return toSnapshots(docs), nil
}

func (tx *transaction) Set(ref firedoc.DocumentRef, data map[string]any, merge bool) error {
	tx.writes = append(tx.writes, write{path: ref.Path(), data: cloneMap(data), merge: merge})
	return nil
}

func (tx *transaction) Delete(ref firedoc.DocumentRef) error {
	tx.writes = append(tx.writes, write{path: ref.Path(), delete: true})
	return nil
}
