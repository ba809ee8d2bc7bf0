package firedoc

import (
	"context"
	"time"
)

// BatchAction stages writes on a batch. Returning an error aborts the batch
// before anything is committed.
type BatchAction func(WriteBatch) error

// BatchWrite applies actions to one batch, in order, and commits it once.
func (db *DB) BatchWrite(ctx context.Context, actions ...BatchAction) (err error) {
	const op = "batchWrite"
	defer db.observe(op, time.Now(), &err)

	driver, err := db.driver(op)
	if err != nil {
		return err
	}
	batch := driver.Batch()
	for _, action := range actions {
		if err := runAction(op, action, batch); err != nil {
			return err
		}
	}
	return Translate(op, batch.Commit(ctx))
}

func runAction(op string, action BatchAction, batch WriteBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(op, r)
		}
	}()
	return Translate(op, action(batch))
}

// RunTransaction runs handler in a store transaction. Conflict retries are
// the driver's; firedoc adds none. Errors from handler or from the commit
// are translated.
func (db *DB) RunTransaction(ctx context.Context, handler func(ctx context.Context, tx Transaction) error) (err error) {
	const op = "runTransaction"
	defer db.observe(op, time.Now(), &err)

	driver, err := db.driver(op)
	if err != nil {
		return err
	}
	if db.options.conn.HasTransaction() {
		return newError(op, "nested transactions are not supported", CodeFailedPrecondition, nil)
	}
	err = driver.RunTransaction(ctx, func(ctx context.Context, tx Transaction) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(op, r)
			}
		}()
		return handler(ctx, tx)
	})
	return Translate(op, err)
}
