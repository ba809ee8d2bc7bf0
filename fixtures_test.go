package firedoc_test

import (
	"testing"
	"time"

	"github.com/smarter-day/firedoc"
	"github.com/smarter-day/firedoc/memstore"
)

type User struct {
	ID        string    `firestore:"id,omitempty"`
	Name      string    `firestore:"name"`
	Email     string    `firestore:"email,omitempty"`
	Age       int       `firestore:"age"`
	Tags      []string  `firestore:"tags,omitempty"`
	CreatedAt time.Time `firestore:"createdAt,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt,omitempty"`
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMemDB(t *testing.T, opts ...firedoc.Option) (*firedoc.DB, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.WithClock(func() time.Time { return fixedNow }))
	db := firedoc.New(firedoc.NewConnection(store), opts...)
	t.Cleanup(func() { _ = db.Close() })
	return db, store
}

func nextEvent[T any](t *testing.T, sub *firedoc.Subscription[T], timeout time.Duration) firedoc.Event[T] {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before the next event")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a subscription event")
	}
	return firedoc.Event[T]{}
}

func waitClosed[T any](t *testing.T, sub *firedoc.Subscription[T]) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}
