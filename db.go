package firedoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// CreatedAtField is set once, when a document is first written.
	CreatedAtField = "createdAt"
	// UpdatedAtField is set on every write.
	UpdatedAtField = "updatedAt"
	// DefaultIDField is the key the document ID is merged under before decoding.
	DefaultIDField = "id"

	defaultUpdateBatchSize = 100
)

type dbOptions struct {
	conn            IConnection
	updateBatchSize int
	idField         string
	logger          *zap.Logger
	metrics         MetricsCollector
}

// Option configures a DB.
type Option func(*dbOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *dbOptions) { o.logger = l }
}

// WithMetrics sets the metrics collector. The default records nothing.
func WithMetrics(m MetricsCollector) Option {
	return func(o *dbOptions) { o.metrics = m }
}

// WithIDField sets the key the document ID is merged under before decoding.
// An empty name disables the merge.
func WithIDField(name string) Option {
	return func(o *dbOptions) { o.idField = name }
}

// WithUpdateBatchSize sets the page size used by UpdateWhere.
func WithUpdateBatchSize(size int) Option {
	return func(o *dbOptions) { o.updateBatchSize = size }
}

// DB is a stateless façade over a document store. Typed operations are
// package functions taking the DB and the caller's codec; untyped ones are
// methods.
type DB struct {
	options dbOptions
}

// New initializes a new DB instance.
func New(conn IConnection, opts ...Option) *DB {
	options := dbOptions{
		conn:            conn,
		updateBatchSize: defaultUpdateBatchSize,
		idField:         DefaultIDField,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = nopMetrics{}
	}
	if options.updateBatchSize <= 0 {
		options.updateBatchSize = defaultUpdateBatchSize
	}
	return &DB{options: options}
}

// GetConnection returns the connection associated with the DB instance.
func (db *DB) GetConnection() IConnection {
	return db.options.conn
}

// WithConnection returns a new DB instance with the specified connection.
func (db *DB) WithConnection(connection IConnection) *DB {
	newInstance := &DB{
		options: db.options,
	}
	newInstance.options.conn = connection
	return newInstance
}

// WithTransaction returns a new DB instance whose reads and writes go
// through tx. Use it inside RunTransaction handlers.
func (db *DB) WithTransaction(tx Transaction) *DB {
	return db.WithConnection(NewConnection(db.options.conn.GetDriver(), tx))
}

// UpdateBatchSize returns the page size used by UpdateWhere.
func (db *DB) UpdateBatchSize() int {
	return db.options.updateBatchSize
}

// Close closes the underlying driver.
func (db *DB) Close() error {
	return db.options.conn.Close()
}

func (db *DB) logger() *zap.Logger {
	return db.options.logger
}

func (db *DB) metrics() MetricsCollector {
	return db.options.metrics
}

func (db *DB) driver(op string) (Driver, error) {
	if db.options.conn == nil {
		return nil, newError(op, "no connection", "", nil)
	}
	if err := db.options.conn.Validate(); err != nil {
		return nil, newError(op, err.Error(), "", err)
	}
	return db.options.conn.GetDriver(), nil
}

func (db *DB) observe(op string, start time.Time, err *error) {
	code := ""
	if *err != nil {
		code = ErrorCode(*err)
		if code == "" {
			code = "client"
		}
		db.logger().Debug("operation failed", zap.String("op", op), zap.Error(*err))
	}
	db.metrics().ObserveOperation(op, time.Since(start), code)
}

func (db *DB) collection(op, path string) (CollectionRef, error) {
	driver, err := db.driver(op)
	if err != nil {
		return nil, err
	}
	if err := checkCollectionPath(op, path); err != nil {
		return nil, err
	}
	col := driver.Collection(path)
	if col == nil {
		return nil, newError(op, "invalid collection path "+path, CodeInvalidArgument, nil)
	}
	return col, nil
}

// Doc returns a reference to collectionPath/docID, for use in BatchWrite
// actions and transaction handlers.
func (db *DB) Doc(collectionPath, docID string) (DocumentRef, error) {
	return db.doc("doc", collectionPath, docID)
}

func (db *DB) doc(op, collectionPath, docID string) (DocumentRef, error) {
	col, err := db.collection(op, collectionPath)
	if err != nil {
		return nil, err
	}
	if err := checkDocID(op, docID); err != nil {
		return nil, err
	}
	ref := col.Doc(docID)
	if ref == nil {
		return nil, newError(op, "invalid document path "+collectionPath+"/"+docID, CodeInvalidArgument, nil)
	}
	return ref, nil
}

func (db *DB) get(ctx context.Context, ref DocumentRef) (Snapshot, error) {
	if db.options.conn.HasTransaction() {
		return db.options.conn.GetTransaction().Get(ref)
	}
	return ref.Get(ctx)
}

func (db *DB) set(ctx context.Context, ref DocumentRef, data map[string]any, merge bool) error {
	if db.options.conn.HasTransaction() {
		return db.options.conn.GetTransaction().Set(ref, data, merge)
	}
	return ref.Set(ctx, data, merge)
}

func panicError(op string, r any) error {
	return newError(op, fmt.Sprintf("panic occurred: %v", r), "", nil)
}

func encode[T any](op string, data T, toJSON ToJSON[T]) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(op, r)
		}
	}()
	payload, err = toJSON(data)
	if err != nil {
		return nil, Translate(op, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func decode[T any](op, idField, id string, data map[string]any, fromJSON FromJSON[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(op, r)
		}
	}()
	if idField != "" {
		data[idField] = id
	}
	value, err = fromJSON(data)
	if err != nil {
		return value, Translate(op, err)
	}
	return value, nil
}

func decodeSnapshot[T any](db *DB, op string, snap Snapshot, fromJSON FromJSON[T]) (Optional[T], error) {
	if snap == nil || !snap.Exists() {
		return None[T](), nil
	}
	data := snap.Data()
	if data == nil {
		return None[T](), newError(op, "document data unexpectedly absent after existence check", "", nil)
	}
	v, err := decode(op, db.options.idField, snap.ID(), data, fromJSON)
	if err != nil {
		return None[T](), err
	}
	return Some(v), nil
}

// Create writes data at collectionPath/docID, or under a store-generated ID
// when docID is empty, stamping createdAt and updatedAt with the server time.
// It returns the document ID.
func Create[T any](ctx context.Context, db *DB, collectionPath, docID string, data T, toJSON ToJSON[T]) (id string, err error) {
	const op = "create"
	defer db.observe(op, time.Now(), &err)

	col, err := db.collection(op, collectionPath)
	if err != nil {
		return "", err
	}
	var ref DocumentRef
	if docID == "" {
		ref = col.NewDoc()
	} else {
		if ref, err = db.doc(op, collectionPath, docID); err != nil {
			return "", err
		}
	}
	target := op + " " + ref.Path()

	payload, err := encode(target, data, toJSON)
	if err != nil {
		return "", err
	}
	ts := db.options.conn.GetDriver().ServerTimestamp()
	payload[CreatedAtField] = ts
	payload[UpdatedAtField] = ts

	if err := db.set(ctx, ref, payload, false); err != nil {
		return "", Translate(target, err)
	}
	return ref.ID(), nil
}

// Read fetches one document. A missing document is reported with found ==
// false, not as an error.
func Read[T any](ctx context.Context, db *DB, collectionPath, docID string, fromJSON FromJSON[T]) (value T, found bool, err error) {
	const op = "read"
	defer db.observe(op, time.Now(), &err)

	ref, err := db.doc(op, collectionPath, docID)
	if err != nil {
		return value, false, err
	}
	target := op + " " + ref.Path()
	snap, err := db.get(ctx, ref)
	if err != nil {
		return value, false, Translate(target, err)
	}
	opt, err := decodeSnapshot(db, target, snap, fromJSON)
	if err != nil {
		return value, false, err
	}
	return opt.Value, opt.Found, nil
}

// Update merges data into the document, creating it when absent. updatedAt
// is always stamped; createdAt only when the document did not exist.
//
// The existence check and the write are two separate calls, so two
// concurrent Updates of a new document may both stamp createdAt. Run Update
// on a DB from WithTransaction to make the pair atomic.
func Update[T any](ctx context.Context, db *DB, collectionPath, docID string, data T, toJSON ToJSON[T]) (err error) {
	const op = "update"
	defer db.observe(op, time.Now(), &err)

	ref, err := db.doc(op, collectionPath, docID)
	if err != nil {
		return err
	}
	target := op + " " + ref.Path()

	snap, err := db.get(ctx, ref)
	if err != nil {
		return Translate(target, err)
	}
	payload, err := encode(target, data, toJSON)
	if err != nil {
		return err
	}
	ts := db.options.conn.GetDriver().ServerTimestamp()
	payload[UpdatedAtField] = ts
	if snap != nil && snap.Exists() {
		delete(payload, CreatedAtField)
	} else {
		payload[CreatedAtField] = ts
	}
	if err := db.set(ctx, ref, payload, true); err != nil {
		return Translate(target, err)
	}
	return nil
}

// Delete removes the document. Deleting a missing document succeeds.
func (db *DB) Delete(ctx context.Context, collectionPath, docID string) (err error) {
	const op = "delete"
	defer db.observe(op, time.Now(), &err)

	ref, err := db.doc(op, collectionPath, docID)
	if err != nil {
		return err
	}
	if db.options.conn.HasTransaction() {
		err = db.options.conn.GetTransaction().Delete(ref)
	} else {
		err = ref.Delete(ctx)
	}
	return Translate(op+" "+ref.Path(), err)
}

// FetchAll reads docIDs concurrently. Missing documents map to an absent
// Optional; any other failure fails the whole call.
func FetchAll[T any](ctx context.Context, db *DB, collectionPath string, docIDs []string, fromJSON FromJSON[T]) (result map[string]Optional[T], err error) {
	const op = "fetchAll"
	defer db.observe(op, time.Now(), &err)

	result = make(map[string]Optional[T], len(docIDs))
	if len(docIDs) == 0 {
		return result, nil
	}
	if _, err := db.collection(op, collectionPath); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if db.options.conn.HasTransaction() {
		g.SetLimit(1)
	}
	for _, id := range docIDs {
		g.Go(func() error {
			v, found, err := Read(gctx, db, collectionPath, id, fromJSON)
			if err != nil {
				return err
			}
			mu.Lock()
			result[id] = Optional[T]{Value: v, Found: found}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Translate(op+" "+collectionPath, err)
	}
	return result, nil
}

// UpdateWhere merges fields, plus updatedAt, into every document matching
// conditions. Documents are fetched and written UpdateBatchSize at a time,
// one atomic batch per page. It returns the number of documents written.
func (db *DB) UpdateWhere(ctx context.Context, collectionPath string, conditions []QueryCondition, fields map[string]any) (n int, err error) {
	const op = "updateWhere"
	defer db.observe(op, time.Now(), &err)

	if db.options.conn.HasTransaction() {
		return 0, newError(op, "transactional batch updates are not supported", CodeFailedPrecondition, nil)
	}
	col, err := db.collection(op, collectionPath)
	if err != nil {
		return 0, err
	}
	target := op + " " + collectionPath
	driver := db.options.conn.GetDriver()
	q, err := applyConditions(ctx, target, col, conditions)
	if err != nil {
		return 0, err
	}

	var lastDoc Snapshot
	for {
		// Skip StartAfter for the first iteration
		page := q
		if lastDoc != nil {
			page = q.StartAfter(lastDoc)
		}

		docs, err := page.Limit(db.options.updateBatchSize).Documents(ctx)
		if err != nil {
			return n, Translate(target, err)
		}
		if len(docs) == 0 {
			break
		}

		batch := driver.Batch()
		for _, doc := range docs {
			data := make(map[string]any, len(fields)+1)
			for k, v := range fields {
				data[k] = v
			}
			data[UpdatedAtField] = driver.ServerTimestamp()
			batch.Set(col.Doc(doc.ID()), data, true)
		}
		if err := batch.Commit(ctx); err != nil {
			return n, Translate(target, err)
		}

		n += len(docs)
		lastDoc = docs[len(docs)-1]
		if len(docs) < db.options.updateBatchSize {
			break
		}
	}
	db.logger().Debug("bulk update done", zap.String("collection", collectionPath), zap.Int("documents", n))
	return n, nil
}

// CreateSub is Create on parentCollectionPath/parentDocID/subCollectionName.
func CreateSub[T any](ctx context.Context, db *DB, parentCollectionPath, parentDocID, subCollectionName, docID string, data T, toJSON ToJSON[T]) (string, error) {
	return Create(ctx, db, SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName), docID, data, toJSON)
}

// ReadSub is Read on parentCollectionPath/parentDocID/subCollectionName.
func ReadSub[T any](ctx context.Context, db *DB, parentCollectionPath, parentDocID, subCollectionName, docID string, fromJSON FromJSON[T]) (T, bool, error) {
	return Read(ctx, db, SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName), docID, fromJSON)
}

// UpdateSub is Update on parentCollectionPath/parentDocID/subCollectionName.
func UpdateSub[T any](ctx context.Context, db *DB, parentCollectionPath, parentDocID, subCollectionName, docID string, data T, toJSON ToJSON[T]) error {
	return Update(ctx, db, SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName), docID, data, toJSON)
}

// DeleteSub is Delete on parentCollectionPath/parentDocID/subCollectionName.
func (db *DB) DeleteSub(ctx context.Context, parentCollectionPath, parentDocID, subCollectionName, docID string) error {
	return db.Delete(ctx, SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName), docID)
}

// FetchAllSub is FetchAll on parentCollectionPath/parentDocID/subCollectionName.
func FetchAllSub[T any](ctx context.Context, db *DB, parentCollectionPath, parentDocID, subCollectionName string, docIDs []string, fromJSON FromJSON[T]) (map[string]Optional[T], error) {
	return FetchAll(ctx, db, SubCollectionPath(parentCollectionPath, parentDocID, subCollectionName), docIDs, fromJSON)
}
