package firedoc

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	pb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const countAlias = "count"

// FirestoreClientWrapper adapts a Cloud Firestore client to Driver.
type FirestoreClientWrapper struct {
	client *firestore.Client
}

// NewFirestoreDriver wraps client. Closing the driver closes the client.
func NewFirestoreDriver(client *firestore.Client) *FirestoreClientWrapper {
	return &FirestoreClientWrapper{client: client}
}

// Client exposes the wrapped client for features outside Driver.
func (f *FirestoreClientWrapper) Client() *firestore.Client {
	return f.client
}

func (f *FirestoreClientWrapper) Collection(path string) CollectionRef {
	col := f.client.Collection(path)
	if col == nil {
		return nil
	}
	return &firestoreCollection{firestoreQuery: firestoreQuery{q: col.Query}, col: col}
}

func (f *FirestoreClientWrapper) CollectionGroup(id string) QueryRef {
	group := f.client.CollectionGroup(id)
	if group == nil {
		return nil
	}
	return &firestoreQuery{q: group.Query}
}

func (f *FirestoreClientWrapper) Doc(path string) DocumentRef {
	doc := f.client.Doc(path)
	if doc == nil {
		return nil
	}
	return &FirestoreDocumentRefWrapper{doc: doc}
}

func (f *FirestoreClientWrapper) Batch() WriteBatch {
	return &firestoreBatch{batch: f.client.Batch()}
}

func (f *FirestoreClientWrapper) RunTransaction(ctx context.Context, fn func(context.Context, Transaction) error) error {
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &firestoreTransaction{tx: tx})
	})
}

func (f *FirestoreClientWrapper) ServerTimestamp() any {
	return firestore.ServerTimestamp
}

func (f *FirestoreClientWrapper) Close() error {
	return f.client.Close()
}

// FirestoreTransaction returns the native transaction behind tx, for callers
// that need Firestore-only transaction features.
func FirestoreTransaction(tx Transaction) (*firestore.Transaction, bool) {
	ft, ok := tx.(*firestoreTransaction)
	if !ok {
		return nil, false
	}
	return ft.tx, true
}

type firestoreSnapshot struct {
	id   string
	snap *firestore.DocumentSnapshot
}

func newFirestoreSnapshot(ref *firestore.DocumentRef, snap *firestore.DocumentSnapshot) firestoreSnapshot {
	s := firestoreSnapshot{snap: snap}
	switch {
	case snap != nil && snap.Ref != nil:
		s.id = snap.Ref.ID
	case ref != nil:
		s.id = ref.ID
	}
	return s
}

func (s firestoreSnapshot) ID() string   { return s.id }
func (s firestoreSnapshot) Exists() bool { return s.snap != nil && s.snap.Exists() }
func (s firestoreSnapshot) Data() map[string]any {
	if !s.Exists() {
		return nil
	}
	return s.snap.Data()
}

func wrapSnapshots(docs []*firestore.DocumentSnapshot) []Snapshot {
	out := make([]Snapshot, len(docs))
	for i, d := range docs {
		out[i] = newFirestoreSnapshot(nil, d)
	}
	return out
}

type firestoreQuery struct {
	q firestore.Query
}

func (f *firestoreQuery) Where(field string, op Operator, value any) QueryRef {
	return &firestoreQuery{q: f.q.Where(field, string(op), value)}
}

func (f *firestoreQuery) OrderBy(field string, dir Direction) QueryRef {
	d := firestore.Asc
	if dir == Desc {
		d = firestore.Desc
	}
	return &firestoreQuery{q: f.q.OrderBy(field, d)}
}

func (f *firestoreQuery) Limit(n int) QueryRef {
	return &firestoreQuery{q: f.q.Limit(n)}
}

func (f *firestoreQuery) StartAfter(snap Snapshot) QueryRef {
	fs, ok := snap.(firestoreSnapshot)
	if !ok || fs.snap == nil {
		return &firestoreQuery{q: f.q.StartAfter(snap.ID())}
	}
	return &firestoreQuery{q: f.q.StartAfter(fs.snap)}
}

func (f *firestoreQuery) Documents(ctx context.Context) ([]Snapshot, error) {
	docs, err := f.q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	return wrapSnapshots(docs), nil
}

func (f *firestoreQuery) Count(ctx context.Context) (int64, bool, error) {
	res, err := f.q.NewAggregationQuery().WithCount(countAlias).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, ok := res[countAlias]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case *pb.Value:
		return n.GetIntegerValue(), true, nil
	case int64:
		return n, true, nil
	}
	return 0, false, nil
}

func (f *firestoreQuery) Snapshots(ctx context.Context) QuerySnapshotIterator {
	return &firestoreQueryIterator{it: f.q.Snapshots(ctx)}
}

type firestoreCollection struct {
	firestoreQuery
	col *firestore.CollectionRef
}

func (f *firestoreCollection) Path() string {
	return f.col.Path
}

func (f *firestoreCollection) Doc(id string) DocumentRef {
	doc := f.col.Doc(id)
	if doc == nil {
		return nil
	}
	return &FirestoreDocumentRefWrapper{doc: doc}
}

func (f *firestoreCollection) NewDoc() DocumentRef {
	return &FirestoreDocumentRefWrapper{doc: f.col.NewDoc()}
}

// FirestoreDocumentRefWrapper adapts a Firestore document reference to DocumentRef.
type FirestoreDocumentRefWrapper struct {
	doc *firestore.DocumentRef
}

func (f *FirestoreDocumentRefWrapper) ID() string { return f.doc.ID }

func (f *FirestoreDocumentRefWrapper) Path() string { return f.doc.Path }

func (f *FirestoreDocumentRefWrapper) Get(ctx context.Context) (Snapshot, error) {
	snap, err := f.doc.Get(ctx)
	if err != nil && !IsNotFoundError(err) {
		return nil, err
	}
	return newFirestoreSnapshot(f.doc, snap), nil
}

func (f *FirestoreDocumentRefWrapper) Set(ctx context.Context, data map[string]any, merge bool) error {
	var err error
	if merge {
		_, err = f.doc.Set(ctx, data, firestore.MergeAll)
	} else {
		_, err = f.doc.Set(ctx, data)
	}
	return err
}

func (f *FirestoreDocumentRefWrapper) Delete(ctx context.Context) error {
	_, err := f.doc.Delete(ctx)
	return err
}

func (f *FirestoreDocumentRefWrapper) Snapshots(ctx context.Context) DocumentSnapshotIterator {
	return &firestoreDocIterator{it: f.doc.Snapshots(ctx)}
}

type firestoreDocIterator struct {
	it *firestore.DocumentSnapshotIterator
}

func (f *firestoreDocIterator) Next() (Snapshot, error) {
	snap, err := f.it.Next()
	if err != nil {
		return nil, err
	}
	return newFirestoreSnapshot(nil, snap), nil
}

func (f *firestoreDocIterator) Stop() { f.it.Stop() }

type firestoreQueryIterator struct {
	it *firestore.QuerySnapshotIterator
}

func (f *firestoreQueryIterator) Next() ([]Snapshot, error) {
	qs, err := f.it.Next()
	if err != nil {
		return nil, err
	}
	docs, err := qs.Documents.GetAll()
	if err != nil {
		return nil, err
	}
	return wrapSnapshots(docs), nil
}

func (f *firestoreQueryIterator) Stop() { f.it.Stop() }

var errForeignRef = errors.New("document reference does not belong to the firestore driver")

func nativeDoc(ref DocumentRef) (*firestore.DocumentRef, error) {
	w, ok := ref.(*FirestoreDocumentRefWrapper)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%v: %T", errForeignRef, ref))
	}
	return w.doc, nil
}

type firestoreBatch struct {
	batch  *firestore.WriteBatch
	writes int
	err    error
}

func (f *firestoreBatch) Set(ref DocumentRef, data map[string]any, merge bool) WriteBatch {
	doc, err := nativeDoc(ref)
	if err != nil {
		f.err = err
		return f
	}
	if merge {
		f.batch.Set(doc, data, firestore.MergeAll)
	} else {
		f.batch.Set(doc, data)
	}
	f.writes++
	return f
}

func (f *firestoreBatch) Delete(ref DocumentRef) WriteBatch {
	doc, err := nativeDoc(ref)
	if err != nil {
		f.err = err
		return f
	}
	f.batch.Delete(doc)
	f.writes++
	return f
}

func (f *firestoreBatch) Commit(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	// Firestore refuses to commit an empty batch.
	if f.writes == 0 {
		return nil
	}
	_, err := f.batch.Commit(ctx)
	return err
}

type firestoreTransaction struct {
	tx *firestore.Transaction
}

func (f *firestoreTransaction) Get(ref DocumentRef) (Snapshot, error) {
	doc, err := nativeDoc(ref)
	if err != nil {
		return nil, err
	}
	snap, err := f.tx.Get(doc)
	if err != nil && !IsNotFoundError(err) {
		return nil, err
	}
	return newFirestoreSnapshot(doc, snap), nil
}

func (f *firestoreTransaction) Documents(q QueryRef) ([]Snapshot, error) {
	var fq firestore.Query
	switch t := q.(type) {
	case *firestoreQuery:
		fq = t.q
	case *firestoreCollection:
		fq = t.q
	default:
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("query %T does not belong to the firestore driver", q))
	}
	docs, err := f.tx.Documents(fq).GetAll()
	if err != nil {
		return nil, err
	}
	return wrapSnapshots(docs), nil
}

func (f *firestoreTransaction) Set(ref DocumentRef, data map[string]any, merge bool) error {
	doc, err := nativeDoc(ref)
	if err != nil {
		return err
	}
	if merge {
		return f.tx.Set(doc, data, firestore.MergeAll)
	}
	return f.tx.Set(doc, data)
}

func (f *firestoreTransaction) Delete(ref DocumentRef) error {
	doc, err := nativeDoc(ref)
	if err != nil {
		return err
	}
	return f.tx.Delete(doc)
}
