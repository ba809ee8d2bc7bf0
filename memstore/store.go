// Package memstore is an in-memory document store implementing
// firedoc.Driver. It supports filtered and ordered queries, collection
// groups, count aggregation, atomic batches, optimistic transactions and
// live listeners, which makes it suitable for tests and local runs.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smarter-day/firedoc"
)

const maxTransactionAttempts = 5

type serverTimestamp struct{}

// ServerTimestamp is the sentinel replaced by the commit time on write.
var ServerTimestamp = serverTimestamp{}

type options struct {
	aggregation bool
	now         func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithoutAggregation makes Count report that aggregation is unsupported.
func WithoutAggregation() Option {
	return func(o *options) { o.aggregation = false }
}

// WithClock sets the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Store holds documents keyed by their full path.
type Store struct {
	mu        sync.Mutex
	docs      map[string]map[string]any
	versions  map[string]uint64
	listeners map[*listener]struct{}
	faults    map[string]error
	closed    bool
	opts      options
}

var _ firedoc.Driver = (*Store)(nil)

func New(opts ...Option) *Store {
	o := options{aggregation: true, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		docs:      make(map[string]map[string]any),
		versions:  make(map[string]uint64),
		listeners: make(map[*listener]struct{}),
		faults:    make(map[string]error),
		opts:      o,
	}
}

// FailOn makes every operation touching path (a document or collection path)
// fail with err. A nil err clears the fault. Open listeners on path receive
// err on their next change.
func (s *Store) FailOn(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, path)
	} else {
		s.faults[path] = err
	}
	s.notifyLocked()
}

// ListenerCount returns the number of open listeners.
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Store) Collection(path string) firedoc.CollectionRef {
	if !validPath(path, true) {
		return nil
	}
	return &collectionRef{query: query{store: s, collection: path}}
}

func (s *Store) CollectionGroup(id string) firedoc.QueryRef {
	if id == "" || strings.Contains(id, "/") {
		return nil
	}
	return &query{store: s, group: id}
}

func (s *Store) Doc(path string) firedoc.DocumentRef {
	if !validPath(path, false) {
		return nil
	}
	return &docRef{store: s, path: path}
}

func (s *Store) Batch() firedoc.WriteBatch {
	return &batch{store: s}
}

func (s *Store) RunTransaction(ctx context.Context, f func(context.Context, firedoc.Transaction) error) error {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		tx := &transaction{store: s, reads: make(map[string]uint64)}
		if err := f(ctx, tx); err != nil {
			return err
		}
		err := s.commitTransaction(tx)
		if status.Code(err) == codes.Aborted {
			continue
		}
		return err
	}
	return status.Error(codes.Aborted, "transaction aborted after too much contention")
}

func (s *Store) ServerTimestamp() any {
	return ServerTimestamp
}

// Close stops every listener. Later calls fail with codes.Unavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for l := range s.listeners {
		l.stop()
	}
	s.listeners = make(map[*listener]struct{})
	return nil
}

func validPath(path string, collection bool) bool {
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" {
			return false
		}
	}
	return (len(segments)%2 == 1) == collection
}

func parentOf(docPath string) string {
	i := strings.LastIndex(docPath, "/")
	if i < 0 {
		return ""
	}
	return docPath[:i]
}

func idOf(docPath string) string {
	return docPath[strings.LastIndex(docPath, "/")+1:]
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// checkLocked returns the fault registered for path or any of its ancestors.
func (s *Store) checkLocked(path string) error {
	if s.closed {
		return status.Error(codes.Unavailable, "store is closed")
	}
	for p := path; p != ""; p = parentOf(p) {
		if err, ok := s.faults[p]; ok {
			return err
		}
	}
	return nil
}

type write struct {
	path   string
	data   map[string]any
	merge  bool
	delete bool
}

// applyLocked applies writes and notifies listeners once.
func (s *Store) applyLocked(writes []write) error {
	now := s.opts.now().UTC()
	staged := make([]map[string]any, len(writes))
	for i, w := range writes {
		if err := s.checkLocked(w.path); err != nil {
			return err
		}
		if w.delete {
			continue
		}
		data, err := normalize(w.data)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "document %s: %v", w.path, err)
		}
		staged[i], _ = data.(map[string]any)
		if staged[i] == nil {
			staged[i] = map[string]any{}
		}
		staged[i] = resolve(staged[i], now)
	}
	for i, w := range writes {
		s.versions[w.path]++
		if w.delete {
			delete(s.docs, w.path)
			continue
		}
		data := staged[i]
		if existing, ok := s.docs[w.path]; ok && w.merge {
			mergeInto(existing, data)
			continue
		}
		s.docs[w.path] = data
	}
	s.notifyLocked()
	return nil
}

func (s *Store) write(w write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked([]write{w})
}

func (s *Store) snapshotLocked(path string) *snapshot {
	data, ok := s.docs[path]
	if !ok {
		return &snapshot{path: path}
	}
	return &snapshot{path: path, exists: true, data: cloneMap(data)}
}

func (s *Store) commitTransaction(tx *transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, version := range tx.reads {
		if s.versions[path] != version {
			return status.Errorf(codes.Aborted, "document %s changed during the transaction", path)
		}
	}
	return s.applyLocked(tx.writes)
}

func resolve(m map[string]any, now time.Time) map[string]any {
	for k, v := range m {
		switch t := v.(type) {
		case serverTimestamp:
			m[k] = now
		case map[string]any:
			m[k] = resolve(t, now)
		}
	}
	return m
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if existing, isMap := dst[k].(map[string]any); ok && isMap {
			mergeInto(existing, sub)
			continue
		}
		dst[k] = v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	}
	return v
}
