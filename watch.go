package firedoc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
)

// CombineMode decides when WatchAll emits a combined snapshot.
type CombineMode int

const (
	// CombineLatest emits on every change from any document once each
	// document has reported at least once, holding the latest value for the
	// others.
	CombineLatest CombineMode = iota
	// CombineZip emits only when every document has a new value since the
	// previous emission, pairing values up in arrival order.
	CombineZip
)

type watchOptions struct {
	combine CombineMode
}

// WatchOption configures WatchAll.
type WatchOption func(*watchOptions)

func WithCombine(mode CombineMode) WatchOption {
	return func(o *watchOptions) { o.combine = mode }
}

var errWatchInTransaction = errors.New("subscriptions cannot run inside a transaction")

func stopped(ctx context.Context, err error) bool {
	return errors.Is(err, iterator.Done) || ctx.Err() != nil
}

// pumpDocument decodes every snapshot of ref and hands it to emit until ctx
// is cancelled, the stream ends, or emit refuses.
func pumpDocument[T any](ctx context.Context, db *DB, op string, ref DocumentRef, fromJSON FromJSON[T], emit func(Optional[T]) bool) error {
	it := ref.Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err != nil {
			if stopped(ctx, err) {
				return nil
			}
			return Translate(op, err)
		}
		v, err := decodeSnapshot(db, op, snap, fromJSON)
		if err != nil {
			return err
		}
		if !emit(v) {
			return nil
		}
	}
}

// Watch streams the document at collectionPath/docID. A missing document is
// delivered as an absent Optional; the first event reflects the current state.
func Watch[T any](ctx context.Context, db *DB, collectionPath, docID string, fromJSON FromJSON[T]) *Subscription[Optional[T]] {
	const op = "watch"
	sub, ctx := newSubscription[Optional[T]](ctx, db, op)
	if db.options.conn != nil && db.options.conn.HasTransaction() {
		return sub.failed(ctx, op, newError(op, errWatchInTransaction.Error(), CodeFailedPrecondition, errWatchInTransaction))
	}
	ref, err := db.doc(op, collectionPath, docID)
	if err != nil {
		return sub.failed(ctx, op, err)
	}
	target := op + " " + ref.Path()
	sub.logger.Debug("subscribing", zap.String("path", ref.Path()))
	sub.run(ctx, target, func(ctx context.Context) error {
		return pumpDocument(ctx, db, target, ref, fromJSON, func(v Optional[T]) bool {
			return sub.emit(ctx, v)
		})
	})
	return sub
}

// WatchSub is Watch on parentCollectionPath/parentDocID/subCollectionName.
func WatchSub[T any](ctx context.Context, db *DB, parentCollectionPath, parentDocID, subCollectionName, docID string, fromJSON FromJSON[T]) *Subscription[Optional[T]] {
	return Watch(ctx, db, SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName), docID, fromJSON)
}

// WatchQuery streams the full decoded result set of a query after every
// change to it.
func WatchQuery[T any](ctx context.Context, db *DB, collectionPath string, conditions []QueryCondition, fromJSON FromJSON[T], opts ...QueryOption) *Subscription[[]T] {
	const op = "watchQuery"
	sub, ctx := newSubscription[[]T](ctx, db, op)
	if db.options.conn != nil && db.options.conn.HasTransaction() {
		return sub.failed(ctx, op, newError(op, errWatchInTransaction.Error(), CodeFailedPrecondition, errWatchInTransaction))
	}
	col, err := db.collection(op, collectionPath)
	if err != nil {
		return sub.failed(ctx, op, err)
	}
	target := op + " " + collectionPath
	q, err := applyConditions(ctx, target, col, conditions)
	if err != nil {
		return sub.failed(ctx, op, err)
	}
	q = applyOptions(q, newQueryOptions(opts))
	sub.logger.Debug("subscribing", zap.String("path", collectionPath), zap.Int("conditions", len(conditions)))
	sub.run(ctx, target, func(ctx context.Context) error {
		it := q.Snapshots(ctx)
		defer it.Stop()
		for {
			docs, err := it.Next()
			if err != nil {
				if stopped(ctx, err) {
					return nil
				}
				return Translate(target, err)
			}
			values, err := decodeAll(db, target, docs, fromJSON)
			if err != nil {
				return err
			}
			if !sub.emit(ctx, values) {
				return nil
			}
		}
	})
	return sub
}

type keyedValue[T any] struct {
	id    string
	value Optional[T]
}

// combiner folds per-document updates into combined snapshots.
type combiner[T any] interface {
	push(u keyedValue[T]) (map[string]Optional[T], bool)
}

type latestCombiner[T any] struct {
	n      int
	latest map[string]Optional[T]
}

func (c *latestCombiner[T]) push(u keyedValue[T]) (map[string]Optional[T], bool) {
	c.latest[u.id] = u.value
	if len(c.latest) < c.n {
		return nil, false
	}
	out := make(map[string]Optional[T], len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out, true
}

type zipCombiner[T any] struct {
	ids     []string
	pending map[string][]Optional[T]
}

func (c *zipCombiner[T]) push(u keyedValue[T]) (map[string]Optional[T], bool) {
	c.pending[u.id] = append(c.pending[u.id], u.value)
	for _, id := range c.ids {
		if len(c.pending[id]) == 0 {
			return nil, false
		}
	}
	out := make(map[string]Optional[T], len(c.ids))
	for _, id := range c.ids {
		out[id] = c.pending[id][0]
		c.pending[id] = c.pending[id][1:]
	}
	return out, true
}

func newCombiner[T any](mode CombineMode, ids []string) combiner[T] {
	if mode == CombineZip {
		return &zipCombiner[T]{ids: ids, pending: make(map[string][]Optional[T], len(ids))}
	}
	return &latestCombiner[T]{n: len(ids), latest: make(map[string]Optional[T], len(ids))}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// WatchAll watches every document in docIDs and emits combined snapshots
// keyed by document ID; see CombineMode for when. With no IDs it emits one
// empty map and closes without subscribing. A failure on any document ends
// the whole subscription and stops every listener.
func WatchAll[T any](ctx context.Context, db *DB, collectionPath string, docIDs []string, fromJSON FromJSON[T], opts ...WatchOption) *Subscription[map[string]Optional[T]] {
	const op = "watchAll"
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub, ctx := newSubscription[map[string]Optional[T]](ctx, db, op)
	if len(docIDs) == 0 {
		return sub.once(ctx, map[string]Optional[T]{})
	}
	if db.options.conn != nil && db.options.conn.HasTransaction() {
		return sub.failed(ctx, op, newError(op, errWatchInTransaction.Error(), CodeFailedPrecondition, errWatchInTransaction))
	}

	ids := uniqueIDs(docIDs)
	refs := make([]DocumentRef, len(ids))
	for i, id := range ids {
		ref, err := db.doc(op, collectionPath, id)
		if err != nil {
			return sub.failed(ctx, op, err)
		}
		refs[i] = ref
	}
	target := op + " " + collectionPath
	sub.logger.Debug("subscribing", zap.String("path", collectionPath), zap.Int("documents", len(ids)))

	sub.run(ctx, target, func(ctx context.Context) error {
		updates := make(chan keyedValue[T])
		g, gctx := errgroup.WithContext(ctx)
		for i, ref := range refs {
			id := ids[i]
			g.Go(func() error {
				return pumpDocument(gctx, db, target, ref, fromJSON, func(v Optional[T]) bool {
					select {
					case updates <- keyedValue[T]{id: id, value: v}:
						return true
					case <-gctx.Done():
						return false
					}
				})
			})
		}
		waitErr := make(chan error, 1)
		go func() {
			waitErr <- g.Wait()
			close(updates)
		}()

		comb := newCombiner[T](o.combine, ids)
		for u := range updates {
			snapshot, ok := comb.push(u)
			if !ok {
				continue
			}
			if !sub.emit(ctx, snapshot) {
				break
			}
		}
		// ctx is cancelled on break, so the pumps drain out on their own.
		return <-waitErr
	})
	return sub
}
