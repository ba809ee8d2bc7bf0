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
	"github.com/smarter-day/firedoc/memstore"
)

func TestCreateRead(t *testing.T) {
	db, _ := newMemDB(t)
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	t.Run("generated ID", func(t *testing.T) {
		id, err := firedoc.Create(ctx, db, "users", "", User{Name: "John Doe", Email: "john.doe@example.com", Age: 30}, toJSON)
		require.NoError(t, err)
		assert.Len(t, id, 20)

		got, found, err := firedoc.Read(ctx, db, "users", id, fromJSON)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, User{
			ID:        id,
			Name:      "John Doe",
			Email:     "john.doe@example.com",
			Age:       30,
			CreatedAt: fixedNow,
			UpdatedAt: fixedNow,
		}, got)
	})

	t.Run("explicit ID overwrites", func(t *testing.T) {
		_, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "First", Age: 1}, toJSON)
		require.NoError(t, err)
		id, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "Second"}, toJSON)
		require.NoError(t, err)
		assert.Equal(t, "u1", id)

		got, _, err := firedoc.Read(ctx, db, "users", "u1", fromJSON)
		require.NoError(t, err)
		assert.Equal(t, "Second", got.Name)
		assert.Equal(t, 0, got.Age)
	})

	t.Run("missing document", func(t *testing.T) {
		got, found, err := firedoc.Read(ctx, db, "users", "nobody", fromJSON)
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, User{}, got)
	})

	t.Run("invalid paths", func(t *testing.T) {
		_, _, err := firedoc.Read(ctx, db, "users/u1", "x", fromJSON)
		assert.Equal(t, firedoc.CodeInvalidArgument, firedoc.ErrorCode(err))

		_, _, err = firedoc.Read(ctx, db, "users", "a/b", fromJSON)
		assert.Equal(t, firedoc.CodeInvalidArgument, firedoc.ErrorCode(err))

		_, err = firedoc.Create(ctx, db, "", "", User{}, toJSON)
		assert.Equal(t, firedoc.CodeInvalidArgument, firedoc.ErrorCode(err))
	})

	t.Run("encoder failure", func(t *testing.T) {
		failing := func(User) (map[string]any, error) { return nil, errors.New("cannot encode") }
		_, err := firedoc.Create(ctx, db, "users", "bad", User{}, failing)
		var fe *firedoc.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "create users/bad", fe.Op)
		assert.Equal(t, "cannot encode", fe.Message)

		_, found, err := firedoc.Read(ctx, db, "users", "bad", fromJSON)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("decoder panic", func(t *testing.T) {
		panicking := func(map[string]any) (User, error) { panic("boom") }
		_, _, err := firedoc.Read(ctx, db, "users", "u1", panicking)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	t.Run("upserts and stamps createdAt once", func(t *testing.T) {
		now := fixedNow
		store := memstore.New(memstore.WithClock(func() time.Time { return now }))
		db := firedoc.New(firedoc.NewConnection(store))

		require.NoError(t, firedoc.Update(ctx, db, "users", "jane", User{Name: "Jane", Age: 25}, toJSON))
		created, found, err := firedoc.Read(ctx, db, "users", "jane", fromJSON)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fixedNow, created.CreatedAt)

		now = fixedNow.Add(time.Hour)
		created.Age = 26
		require.NoError(t, firedoc.Update(ctx, db, "users", "jane", created, toJSON))

		updated, _, err := firedoc.Read(ctx, db, "users", "jane", fromJSON)
		require.NoError(t, err)
		assert.Equal(t, 26, updated.Age)
		assert.Equal(t, fixedNow, updated.CreatedAt)
		assert.Equal(t, fixedNow.Add(time.Hour), updated.UpdatedAt)
	})

	t.Run("merges instead of replacing", func(t *testing.T) {
		db, _ := newMemDB(t)
		mapTo, mapFrom := firedoc.MapCodec()
		_, err := firedoc.Create(ctx, db, "settings", "s1", map[string]any{"theme": "dark", "lang": "en"}, mapTo)
		require.NoError(t, err)

		require.NoError(t, firedoc.Update(ctx, db, "settings", "s1", map[string]any{"lang": "de"}, mapTo))

		got, _, err := firedoc.Read(ctx, db, "settings", "s1", mapFrom)
		require.NoError(t, err)
		assert.Equal(t, "dark", got["theme"])
		assert.Equal(t, "de", got["lang"])
		assert.Equal(t, "s1", got["id"])
	})
}

func TestDelete(t *testing.T) {
	db, store := newMemDB(t)
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	_, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "To Be Deleted"}, toJSON)
	require.NoError(t, err)

	assert.NoError(t, db.Delete(ctx, "users", "u1"))
	assert.NoError(t, db.Delete(ctx, "users", "u1"), "deleting a missing document succeeds")
	assert.Equal(t, 0, store.Len())

	_, found, err := firedoc.Read(ctx, db, "users", "u1", fromJSON)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestFetchAll(t *testing.T) {
	db, store := newMemDB(t)
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	for _, id := range []string{"a", "b"} {
		_, err := firedoc.Create(ctx, db, "users", id, User{Name: id}, toJSON)
		require.NoError(t, err)
	}

	t.Run("missing IDs map to absent", func(t *testing.T) {
		got, err := firedoc.FetchAll(ctx, db, "users", []string{"a", "b", "c"}, fromJSON)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "a", got["a"].Value.Name)
		assert.True(t, got["b"].Found)
		assert.False(t, got["c"].Found)
	})

	t.Run("no IDs", func(t *testing.T) {
		got, err := firedoc.FetchAll(ctx, db, "users", nil, fromJSON)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("one failure fails all", func(t *testing.T) {
		store.FailOn("users/b", status.Error(codes.PermissionDenied, "denied"))
		defer store.FailOn("users/b", nil)

		got, err := firedoc.FetchAll(ctx, db, "users", []string{"a", "b"}, fromJSON)
		assert.Nil(t, got)
		assert.Equal(t, firedoc.CodePermissionDenied, firedoc.ErrorCode(err))
	})

	t.Run("one decode failure fails all", func(t *testing.T) {
		errShape := errors.New("unexpected shape")
		failOnB := func(m map[string]any) (User, error) {
			if m["id"] == "b" {
				return User{}, errShape
			}
			return fromJSON(m)
		}

		got, err := firedoc.FetchAll(ctx, db, "users", []string{"a", "b"}, failOnB)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, errShape)
	})
}

func TestSubCollections(t *testing.T) {
	db, _ := newMemDB(t)
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	assert.Equal(t, "teams/t1/members", firedoc.SubCollectionPath("teams", "t1", "members"))

	id, err := firedoc.CreateSub(ctx, db, "teams", "t1", "members", "m1", User{Name: "Member"}, toJSON)
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	require.NoError(t, firedoc.UpdateSub(ctx, db, "teams", "t1", "members", "m1", User{Name: "Member", Age: 40}, toJSON))

	got, found, err := firedoc.ReadSub(ctx, db, "teams", "t1", "members", "m1", fromJSON)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 40, got.Age)

	_, found, err = firedoc.Read(ctx, db, "members", "m1", fromJSON)
	require.NoError(t, err)
	assert.False(t, found, "sub-collection documents are not visible at the root")

	all, err := firedoc.FetchAllSub(ctx, db, "teams", "t1", "members", []string{"m1", "m2"}, fromJSON)
	require.NoError(t, err)
	assert.True(t, all["m1"].Found)
	assert.False(t, all["m2"].Found)

	require.NoError(t, db.DeleteSub(ctx, "teams", "t1", "members", "m1"))
	_, found, err = firedoc.ReadSub(ctx, db, "teams", "t1", "members", "m1", fromJSON)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateWhere(t *testing.T) {
	db, _ := newMemDB(t, firedoc.WithUpdateBatchSize(2))
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()
	assert.Equal(t, 2, db.UpdateBatchSize())

	for _, u := range []User{
		{Name: "Alice", Age: 35},
		{Name: "Bob", Age: 40},
		{Name: "Carol", Age: 45},
		{Name: "Dave", Age: 20},
		{Name: "Eve", Age: 31},
	} {
		_, err := firedoc.Create(ctx, db, "users", "", u, toJSON)
		require.NoError(t, err)
	}

	over30 := []firedoc.QueryCondition{firedoc.NewCondition("age", firedoc.GreaterThan(firedoc.Int(30)))}
	n, err := db.UpdateWhere(ctx, "users", over30, map[string]any{"email": "senior@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	users, err := firedoc.Query(ctx, db, "users", nil, fromJSON)
	require.NoError(t, err)
	for _, u := range users {
		if u.Age > 30 {
			assert.Equal(t, "senior@example.com", u.Email, u.Name)
		} else {
			assert.Empty(t, u.Email, u.Name)
		}
	}

	n, err = db.UpdateWhere(ctx, "users", []firedoc.QueryCondition{firedoc.Where("age", firedoc.OpGreaterThan, firedoc.Int(100))}, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTransactions(t *testing.T) {
	db, _ := newMemDB(t)
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	_, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "Counter", Age: 1}, toJSON)
	require.NoError(t, err)

	t.Run("commit", func(t *testing.T) {
		err := db.RunTransaction(ctx, func(ctx context.Context, tx firedoc.Transaction) error {
			txdb := db.WithTransaction(tx)
			u, found, err := firedoc.Read(ctx, txdb, "users", "u1", fromJSON)
			if err != nil || !found {
				return err
			}
			u.Age++
			return firedoc.Update(ctx, txdb, "users", "u2", u, toJSON)
		})
		require.NoError(t, err)

		got, found, err := firedoc.Read(ctx, db, "users", "u2", fromJSON)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 2, got.Age)
	})

	t.Run("rollback on handler error", func(t *testing.T) {
		errAbort := errors.New("abort")
		err := db.RunTransaction(ctx, func(ctx context.Context, tx firedoc.Transaction) error {
			if err := db.WithTransaction(tx).Delete(ctx, "users", "u1"); err != nil {
				return err
			}
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		_, found, err := firedoc.Read(ctx, db, "users", "u1", fromJSON)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("handler panic", func(t *testing.T) {
		err := db.RunTransaction(ctx, func(context.Context, firedoc.Transaction) error {
			panic("kaboom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
	})

	t.Run("nested transactions and bulk updates are rejected", func(t *testing.T) {
		err := db.RunTransaction(ctx, func(ctx context.Context, tx firedoc.Transaction) error {
			txdb := db.WithTransaction(tx)
			nested := txdb.RunTransaction(ctx, func(context.Context, firedoc.Transaction) error { return nil })
			assert.Equal(t, firedoc.CodeFailedPrecondition, firedoc.ErrorCode(nested))

			_, err := txdb.UpdateWhere(ctx, "users", nil, map[string]any{"x": 1})
			assert.Equal(t, firedoc.CodeFailedPrecondition, firedoc.ErrorCode(err))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("transaction connection leaves the driver open", func(t *testing.T) {
		err := db.RunTransaction(ctx, func(ctx context.Context, tx firedoc.Transaction) error {
			return db.WithTransaction(tx).Close()
		})
		require.NoError(t, err)

		_, found, err := firedoc.Read(ctx, db, "users", "u1", fromJSON)
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestNoConnection(t *testing.T) {
	_, fromJSON := firedoc.StructCodec[User]()
	db := firedoc.New(firedoc.NewConnection(nil))
	_, _, err := firedoc.Read(context.Background(), db, "users", "u1", fromJSON)
	require.Error(t, err)
	assert.Equal(t, "", firedoc.ErrorCode(err))
}

// sharedConn hands out a driver it does not own.
type sharedConn struct {
	driver firedoc.Driver
}

func (c sharedConn) Validate() error                     { return nil }
func (c sharedConn) GetDriver() firedoc.Driver           { return c.driver }
func (c sharedConn) GetTransaction() firedoc.Transaction { return nil }
func (c sharedConn) HasTransaction() bool                { return false }
func (c sharedConn) Close() error                        { return nil }

func TestCustomConnection(t *testing.T) {
	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })
	db := firedoc.New(sharedConn{driver: store})
	ctx := context.Background()
	toJSON, fromJSON := firedoc.StructCodec[User]()

	_, err := firedoc.Create(ctx, db, "users", "u1", User{Name: "Ann"}, toJSON)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	got, found, err := firedoc.Read(ctx, db, "users", "u1", fromJSON)
	require.NoError(t, err, "closing the DB leaves a shared driver open")
	assert.True(t, found)
	assert.Equal(t, "Ann", got.Name)

	err = db.RunTransaction(ctx, func(ctx context.Context, tx firedoc.Transaction) error {
		_, _, err := firedoc.Read(ctx, db.WithTransaction(tx), "users", "u1", fromJSON)
		return err
	})
	require.NoError(t, err)
}
