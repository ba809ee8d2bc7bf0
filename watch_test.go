package firedoc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smarter-day/firedoc"
)

const eventTimeout = 2 * time.Second

func TestWatch(t *testing.T) {
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	t.Run("initial state then changes in order", func(t *testing.T) {
		db, store := newMemDB(t)
		_, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "v1"}, toJSON)
		require.NoError(t, err)

		sub := firedoc.Watch(ctx, db, "users", "u1", fromJSON)
		defer sub.Close()
		assert.Equal(t, firedoc.StateActive, sub.State())

		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		require.True(t, ev.Value.Found)
		assert.Equal(t, "v1", ev.Value.Value.Name)
		assert.Equal(t, "u1", ev.Value.Value.ID)

		require.NoError(t, firedoc.Update(ctx, db, "users", "u1", User{Name: "v2"}, toJSON))
		ev = nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.Equal(t, "v2", ev.Value.Value.Name)

		require.NoError(t, db.Delete(ctx, "users", "u1"))
		ev = nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.False(t, ev.Value.Found)

		sub.Close()
		waitClosed(t, sub)
		assert.Equal(t, firedoc.StateClosed, sub.State())
		assert.NoError(t, sub.Err())
		assert.Equal(t, 0, store.ListenerCount())
	})

	t.Run("missing document", func(t *testing.T) {
		db, _ := newMemDB(t)
		sub := firedoc.WatchSub(ctx, db, "teams", "t1", "members", "ghost", fromJSON)
		defer sub.Close()

		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.False(t, ev.Value.Found)

		_, err := firedoc.CreateSub(ctx, db, "teams", "t1", "members", "ghost", User{Name: "Boo"}, toJSON)
		require.NoError(t, err)
		ev = nextEvent(t, sub, eventTimeout)
		assert.True(t, ev.Value.Found)
	})

	t.Run("decode error is terminal", func(t *testing.T) {
		db, store := newMemDB(t)
		_, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "v1"}, toJSON)
		require.NoError(t, err)

		errDecode := errors.New("unexpected shape")
		failing := func(map[string]any) (User, error) { return User{}, errDecode }
		sub := firedoc.Watch(ctx, db, "users", "u1", failing)
		defer sub.Close()

		ev := nextEvent(t, sub, eventTimeout)
		require.Error(t, ev.Err)
		assert.ErrorIs(t, ev.Err, errDecode)

		waitClosed(t, sub)
		_, open := <-sub.Events()
		assert.False(t, open)
		assert.Equal(t, firedoc.StateErred, sub.State())
		assert.ErrorIs(t, sub.Err(), errDecode)
		assert.Equal(t, 0, store.ListenerCount())
	})

	t.Run("store failure", func(t *testing.T) {
		db, store := newMemDB(t)
		sub := firedoc.Watch(ctx, db, "users", "u1", fromJSON)
		defer sub.Close()

		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)

		store.FailOn("users/u1", status.Error(codes.PermissionDenied, "revoked"))
		ev = nextEvent(t, sub, eventTimeout)
		assert.Equal(t, firedoc.CodePermissionDenied, firedoc.ErrorCode(ev.Err))
		waitClosed(t, sub)
	})

	t.Run("invalid target", func(t *testing.T) {
		db, _ := newMemDB(t)
		sub := firedoc.Watch(ctx, db, "users", "", fromJSON)
		ev := nextEvent(t, sub, eventTimeout)
		assert.Equal(t, firedoc.CodeInvalidArgument, firedoc.ErrorCode(ev.Err))
		waitClosed(t, sub)
	})

	t.Run("not inside transactions", func(t *testing.T) {
		db, _ := newMemDB(t)
		err := db.RunTransaction(ctx, func(ctx context.Context, tx firedoc.Transaction) error {
			sub := firedoc.Watch(ctx, db.WithTransaction(tx), "users", "u1", fromJSON)
			ev := nextEvent(t, sub, eventTimeout)
			assert.Equal(t, firedoc.CodeFailedPrecondition, firedoc.ErrorCode(ev.Err))
			sub.Close()
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("cancelled context closes", func(t *testing.T) {
		db, store := newMemDB(t)
		cctx, cancel := context.WithCancel(ctx)
		sub := firedoc.Watch(cctx, db, "users", "u1", fromJSON)
		nextEvent(t, sub, eventTimeout)

		cancel()
		waitClosed(t, sub)
		assert.Equal(t, firedoc.StateClosed, sub.State())
		assert.Equal(t, 0, store.ListenerCount())
	})
}

func TestWatchQuery(t *testing.T) {
	db, store := newMemDB(t)
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()
	seedUsers(t, db)

	sub := firedoc.WatchQuery(ctx, db, "users",
		[]firedoc.QueryCondition{firedoc.NewCondition("age", firedoc.EqualTo(firedoc.Int(30)))},
		fromJSON, firedoc.OrderBy("name", firedoc.Asc))
	defer sub.Close()

	ev := nextEvent(t, sub, eventTimeout)
	require.NoError(t, ev.Err)
	assert.Equal(t, []string{"Alice", "Bob"}, names(ev.Value))

	// outside the result set: no event
	require.NoError(t, firedoc.Update(ctx, db, "users", "carol", User{Name: "Carol", Age: 42}, toJSON))

	require.NoError(t, firedoc.Update(ctx, db, "users", "dave", User{Name: "Dave", Age: 30}, toJSON))
	ev = nextEvent(t, sub, eventTimeout)
	require.NoError(t, ev.Err)
	assert.Equal(t, []string{"Alice", "Bob", "Dave"}, names(ev.Value))

	require.NoError(t, db.Delete(ctx, "users", "alice"))
	ev = nextEvent(t, sub, eventTimeout)
	require.NoError(t, ev.Err)
	assert.Equal(t, []string{"Bob", "Dave"}, names(ev.Value))

	sub.Close()
	assert.Equal(t, 0, store.ListenerCount())
}

func TestWatchAll(t *testing.T) {
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	t.Run("no IDs emits one empty map", func(t *testing.T) {
		db, store := newMemDB(t)
		sub := firedoc.WatchAll(ctx, db, "users", nil, fromJSON)

		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.NotNil(t, ev.Value)
		assert.Empty(t, ev.Value)

		waitClosed(t, sub)
		assert.Equal(t, 0, store.ListenerCount())
	})

	t.Run("latest", func(t *testing.T) {
		db, store := newMemDB(t)
		seedUsers(t, db)

		sub := firedoc.WatchAll(ctx, db, "users", []string{"alice", "bob", "ghost", "bob"}, fromJSON)
		defer sub.Close()

		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		require.Len(t, ev.Value, 3)
		assert.Equal(t, "Alice", ev.Value["alice"].Value.Name)
		assert.Equal(t, "Bob", ev.Value["bob"].Value.Name)
		assert.False(t, ev.Value["ghost"].Found)
		assert.Equal(t, 3, store.ListenerCount())

		require.NoError(t, firedoc.Update(ctx, db, "users", "bob", User{Name: "Robert", Age: 30}, toJSON))
		ev = nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.Equal(t, "Robert", ev.Value["bob"].Value.Name)
		assert.Equal(t, "Alice", ev.Value["alice"].Value.Name, "unchanged documents keep their latest value")

		sub.Close()
		assert.Equal(t, 0, store.ListenerCount())
	})

	t.Run("zip", func(t *testing.T) {
		db, _ := newMemDB(t)
		seedUsers(t, db)

		sub := firedoc.WatchAll(ctx, db, "users", []string{"alice", "bob"}, fromJSON, firedoc.WithCombine(firedoc.CombineZip))
		defer sub.Close()

		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.Equal(t, "Alice", ev.Value["alice"].Value.Name)

		// one side changes: nothing until the other side changes too
		require.NoError(t, firedoc.Update(ctx, db, "users", "alice", User{Name: "Alicia", Age: 30}, toJSON))
		select {
		case ev := <-sub.Events():
			t.Fatalf("unexpected event %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, firedoc.Update(ctx, db, "users", "bob", User{Name: "Robert", Age: 30}, toJSON))
		ev = nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)
		assert.Equal(t, "Alicia", ev.Value["alice"].Value.Name)
		assert.Equal(t, "Robert", ev.Value["bob"].Value.Name)
	})

	t.Run("one failing document ends the subscription", func(t *testing.T) {
		db, store := newMemDB(t)
		seedUsers(t, db)

		sub := firedoc.WatchAll(ctx, db, "users", []string{"alice", "bob"}, fromJSON)
		defer sub.Close()
		ev := nextEvent(t, sub, eventTimeout)
		require.NoError(t, ev.Err)

		store.FailOn("users/bob", status.Error(codes.Unavailable, "gone"))
		ev = nextEvent(t, sub, eventTimeout)
		assert.Equal(t, firedoc.CodeUnavailable, firedoc.ErrorCode(ev.Err))

		waitClosed(t, sub)
		assert.Equal(t, firedoc.StateErred, sub.State())
		assert.Equal(t, 0, store.ListenerCount())
	})
}
