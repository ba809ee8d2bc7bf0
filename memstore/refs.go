package memstore

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smarter-day/firedoc"
)

type snapshot struct {
	path   string
	exists bool
	data   map[string]any
}

func (s *snapshot) ID() string   { return idOf(s.path) }
func (s *snapshot) Exists() bool { return s.exists }
func (s *snapshot) Data() map[string]any {
	if !s.exists {
		return nil
	}
	return cloneMap(s.data)
}

type docRef struct {
	store *Store
	path  string
}

func (d *docRef) ID() string   { return idOf(d.path) }
func (d *docRef) Path() string { return d.path }

func (d *docRef) Get(ctx context.Context) (firedoc.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	if err := d.store.checkLocked(d.path); err != nil {
		return nil, err
	}
	return d.store.snapshotLocked(d.path), nil
}

func (d *docRef) Set(ctx context.Context, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	return d.store.write(write{path: d.path, data: data, merge: merge})
}

func (d *docRef) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	return d.store.write(write{path: d.path, delete: true})
}

func (d *docRef) Snapshots(ctx context.Context) firedoc.DocumentSnapshotIterator {
	l := d.store.listen(func() (any, error) {
		if err := d.store.checkLocked(d.path); err != nil {
			return nil, err
		}
		return d.store.snapshotLocked(d.path), nil
	})
	return &docIterator{ctx: ctx, store: d.store, l: l}
}

type filter struct {
	field string
	op    firedoc.Operator
	value any
	err   error
}

type order struct {
	field string
	dir   firedoc.Direction
}

// query is immutable; every builder method returns a modified copy.
type query struct {
	store      *Store
	collection string
	group      string
	filters    []filter
	orders     []order
	limit      int
	after      *snapshot
}

func (q query) clone() *query {
	q.filters = append([]filter(nil), q.filters...)
	q.orders = append([]order(nil), q.orders...)
	return &q
}

func (q *query) Where(field string, op firedoc.Operator, value any) firedoc.QueryRef {
	c := q.clone()
	v, err := normalize(value)
	c.filters = append(c.filters, filter{field: field, op: op, value: v, err: err})
	return c
}

func (q *query) OrderBy(field string, dir firedoc.Direction) firedoc.QueryRef {
	c := q.clone()
	c.orders = append(c.orders, order{field: field, dir: dir})
	return c
}

func (q *query) Limit(n int) firedoc.QueryRef {
	c := q.clone()
	c.limit = n
	return c
}

func (q *query) StartAfter(snap firedoc.Snapshot) firedoc.QueryRef {
	c := q.clone()
	if s, ok := snap.(*snapshot); ok {
		c.after = s
	} else {
		path := snap.ID()
		if q.collection != "" {
			path = q.collection + "/" + path
		}
		c.after = &snapshot{path: path, exists: snap.Exists(), data: snap.Data()}
	}
	return c
}

func (q *query) Documents(ctx context.Context) ([]firedoc.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	docs, err := q.runLocked()
	if err != nil {
		return nil, err
	}
	return toSnapshots(docs), nil
}

func (q *query) Count(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, status.FromContextError(err).Err()
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if !q.store.opts.aggregation {
		return 0, false, nil
	}
	docs, err := q.runLocked()
	if err != nil {
		return 0, false, err
	}
	return int64(len(docs)), true, nil
}

func (q *query) Snapshots(ctx context.Context) firedoc.QuerySnapshotIterator {
	l := q.store.listen(func() (any, error) {
		return q.runLocked()
	})
	return &queryIterator{ctx: ctx, store: q.store, l: l}
}

func toSnapshots(docs []*snapshot) []firedoc.Snapshot {
	out := make([]firedoc.Snapshot, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

func (q *query) validate() error {
	for _, f := range q.filters {
		if f.err != nil {
			return status.Errorf(codes.InvalidArgument, "filter on %q: %v", f.field, f.err)
		}
		switch f.op {
		case firedoc.OpEqual, firedoc.OpNotEqual, firedoc.OpLessThan, firedoc.OpLessOrEqual,
			firedoc.OpGreaterThan, firedoc.OpGreaterOrEqual, firedoc.OpArrayContains:
		case firedoc.OpArrayContainsAny, firedoc.OpIn, firedoc.OpNotIn:
			list, ok := f.value.([]any)
			if !ok || len(list) == 0 {
				return status.Errorf(codes.InvalidArgument, "'%s' filters on %q require a non-empty array", f.op, f.field)
			}
		default:
			return status.Errorf(codes.InvalidArgument, "invalid operator %q", f.op)
		}
		if f.field == "" {
			return status.Error(codes.InvalidArgument, "empty field path in filter")
		}
	}
	for _, o := range q.orders {
		if o.field == "" {
			return status.Error(codes.InvalidArgument, "empty field path in order by")
		}
	}
	if q.limit < 0 {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("negative limit %d", q.limit))
	}
	return nil
}

func (q *query) inScope(path string) bool {
	parent := parentOf(path)
	if q.collection != "" {
		return parent == q.collection
	}
	return idOf(parent) == q.group
}

// runLocked evaluates the query. The caller holds the store lock.
func (q *query) runLocked() ([]*snapshot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	scope := q.collection
	if scope == "" {
		scope = q.group
	}
	if err := q.store.checkLocked(scope); err != nil {
		return nil, err
	}

	var docs []*snapshot
	for path, data := range q.store.docs {
		if !q.inScope(path) || !q.matches(data) {
			continue
		}
		docs = append(docs, &snapshot{path: path, exists: true, data: cloneMap(data)})
	}
	sort.Slice(docs, func(i, j int) bool {
		return q.compare(docs[i], docs[j]) < 0
	})
	if q.after != nil {
		i := sort.Search(len(docs), func(i int) bool {
			return q.compare(docs[i], q.after) > 0
		})
		docs = docs[i:]
	}
	if q.limit > 0 && len(docs) > q.limit {
		docs = docs[:q.limit]
	}
	return docs, nil
}

func (q *query) matches(data map[string]any) bool {
	for _, f := range q.filters {
		v, ok := lookup(data, f.field)
		if !ok || !matchFilter(v, f.op, f.value) {
			return false
		}
	}
	for _, o := range q.orders {
		if _, ok := lookup(data, o.field); !ok {
			return false
		}
	}
	return true
}

// compare orders two documents by the order clauses, then by path.
func (q *query) compare(a, b *snapshot) int {
	for _, o := range q.orders {
		av, _ := lookup(a.data, o.field)
		bv, _ := lookup(b.data, o.field)
		c := compareValues(av, bv)
		if o.dir == firedoc.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case a.path < b.path:
		return -1
	case a.path > b.path:
		return 1
	}
	return 0
}

type collectionRef struct {
	query
}

func (c *collectionRef) Path() string { return c.collection }

func (c *collectionRef) Doc(id string) firedoc.DocumentRef {
	if id == "" {
		return nil
	}
	return c.store.Doc(c.collection + "/" + id)
}

func (c *collectionRef) NewDoc() firedoc.DocumentRef {
	return &docRef{store: c.store, path: c.collection + "/" + newID()}
}
