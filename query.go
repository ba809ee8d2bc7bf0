package firedoc

import (
	"context"
	"time"
)

const (
	QueryLimitMax       = 10_000
	QueryLimitUnlimited = -1
)

// OrderClause defines a single order by directive.
type OrderClause struct {
	Field     string
	Direction Direction
}

type queryOptions struct {
	orderBy []OrderClause
	limit   int
}

// QueryOption shapes a query beyond its conditions.
type QueryOption func(*queryOptions)

// OrderBy appends an ordering directive. Directives apply in the order given.
func OrderBy(field string, dir Direction) QueryOption {
	return func(o *queryOptions) {
		o.orderBy = append(o.orderBy, OrderClause{Field: field, Direction: dir})
	}
}

// Limit caps the number of results. Values above QueryLimitMax are clamped.
func Limit(n int) QueryOption {
	return func(o *queryOptions) { o.limit = n }
}

func newQueryOptions(opts []QueryOption) queryOptions {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// applyConditions applies every clause of every condition, in order.
func applyConditions(ctx context.Context, op string, q QueryRef, conditions []QueryCondition) (QueryRef, error) {
	for _, cond := range conditions {
		clauses, err := cond.Resolve(ctx)
		if err != nil {
			return nil, Translate(op, err)
		}
		for _, c := range clauses {
			q = q.Where(c.Field, c.Op, c.Value.Interface())
		}
	}
	return q, nil
}

func applyOptions(q QueryRef, o queryOptions) QueryRef {
	for _, ob := range o.orderBy {
		dir := ob.Direction
		if dir == 0 {
			dir = Asc
		}
		q = q.OrderBy(ob.Field, dir)
	}
	if o.limit > 0 && o.limit != QueryLimitUnlimited {
		q = q.Limit(min(o.limit, QueryLimitMax))
	}
	return q
}

func (db *DB) documents(ctx context.Context, q QueryRef) ([]Snapshot, error) {
	if db.options.conn.HasTransaction() {
		return db.options.conn.GetTransaction().Documents(q)
	}
	return q.Documents(ctx)
}

func decodeAll[T any](db *DB, op string, docs []Snapshot, fromJSON FromJSON[T]) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decodeSnapshot(db, op, doc, fromJSON)
		if err != nil {
			return nil, err
		}
		if v.Found {
			out = append(out, v.Value)
		}
	}
	return out, nil
}

// Query runs a filtered, optionally ordered query once and decodes the
// results in the order the store returned them.
func Query[T any](ctx context.Context, db *DB, collectionPath string, conditions []QueryCondition, fromJSON FromJSON[T], opts ...QueryOption) (results []T, err error) {
	const op = "query"
	defer db.observe(op, time.Now(), &err)

	col, err := db.collection(op, collectionPath)
	if err != nil {
		return nil, err
	}
	target := op + " " + collectionPath
	q, err := applyConditions(ctx, target, col, conditions)
	if err != nil {
		return nil, err
	}
	docs, err := db.documents(ctx, applyOptions(q, newQueryOptions(opts)))
	if err != nil {
		return nil, Translate(target, err)
	}
	return decodeAll(db, target, docs, fromJSON)
}

// CollectionGroupQuery is Query across every collection named
// collectionGroupName, at any depth.
func CollectionGroupQuery[T any](ctx context.Context, db *DB, collectionGroupName string, conditions []QueryCondition, fromJSON FromJSON[T], opts ...QueryOption) (results []T, err error) {
	const op = "collectionGroupQuery"
	defer db.observe(op, time.Now(), &err)

	driver, err := db.driver(op)
	if err != nil {
		return nil, err
	}
	if err := checkDocID(op, collectionGroupName); err != nil {
		return nil, err
	}
	target := op + " " + collectionGroupName
	group := driver.CollectionGroup(collectionGroupName)
	if group == nil {
		return nil, newError(target, "invalid collection group", CodeInvalidArgument, nil)
	}
	q, err := applyConditions(ctx, target, group, conditions)
	if err != nil {
		return nil, err
	}
	docs, err := db.documents(ctx, applyOptions(q, newQueryOptions(opts)))
	if err != nil {
		return nil, Translate(target, err)
	}
	return decodeAll(db, target, docs, fromJSON)
}

// Count returns the number of documents matching conditions without
// transferring them. ok is false when the store cannot aggregate.
func (db *DB) Count(ctx context.Context, collectionPath string, conditions []QueryCondition) (n int64, ok bool, err error) {
	const op = "count"
	defer db.observe(op, time.Now(), &err)

	col, err := db.collection(op, collectionPath)
	if err != nil {
		return 0, false, err
	}
	target := op + " " + collectionPath
	q, err := applyConditions(ctx, target, col, conditions)
	if err != nil {
		return 0, false, err
	}
	n, ok, err = q.Count(ctx)
	if err != nil {
		return 0, false, Translate(target, err)
	}
	return n, ok, nil
}
