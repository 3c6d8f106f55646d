package storage

import (
	"testing"

	"clsync/internal/changelist"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_SaveLoad(t *testing.T) {
	store := NewStore(setupTestDB(t))

	lists, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, lists)

	// Ids sort the other way round to the saved order.
	saved := []changelist.List{
		{ID: "z", Name: "Changes", Default: true},
		{ID: "m", Name: "Feature", Comment: "wip", Data: []byte(`{"ticket":42}`)},
		{ID: "a", Name: "Frozen", ReadOnly: true},
	}
	require.NoError(t, store.Save(saved))

	lists, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, saved, lists)

	require.NoError(t, store.Save(saved[:1]))
	lists, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, saved[:1], lists, "removed lists are deleted")
}

func TestStore_SeedsWorker(t *testing.T) {
	store := NewStore(setupTestDB(t))

	w := changelist.NewWorker(nil)
	_, err := w.AddList("Later", "", nil)
	require.NoError(t, err)
	_, _, err = w.SetDefault("Later")
	require.NoError(t, err)
	require.NoError(t, store.Save(w.Lists()))

	lists, err := store.Load()
	require.NoError(t, err)
	restored := changelist.NewWorker(nil)
	restored.Seed(lists)

	assert.True(t, w.Equal(restored))
	assert.Equal(t, "Later", restored.DefaultList().Name)
}
