package basecache

import (
	"testing"

	"clsync/internal/change"
	"clsync/internal/changelist"
	apperrors "clsync/internal/errors"
	"clsync/internal/pathindex"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeMap map[string]change.Change

func (m changeMap) ChangeAt(p string) (change.Change, bool) {
	c, ok := m[p]
	return c, ok
}

func TestCache_GetAndInvalidate(t *testing.T) {
	changes := changeMap{
		"/r/a.txt": change.Modified("local", "/r/a.txt", "h1"),
		"/r/b.txt": change.Added("local", "/r/b.txt"),
	}
	loads := 0
	c, err := New(changes, func(ch change.Change) ([]byte, error) {
		loads++
		return []byte("base of " + ch.BaseRevision()), nil
	}, 4, nil)
	require.NoError(t, err)

	got, err := c.Get("/r/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "base of h1", string(got))
	_, err = c.Get("/r/a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "second read is cached")

	_, err = c.Get("/r/b.txt")
	assert.ErrorIs(t, err, &apperrors.Error{Type: apperrors.ErrorTypeNotFound})
	_, err = c.Get("/r/missing")
	assert.Error(t, err)

	c.HandleEvent(changelist.PathsChanged{Delta: pathindex.Delta{Modified: []string{"/r/a.txt"}}})
	assert.Equal(t, 0, c.Len())
	_, err = c.Get("/r/a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, loads)

	c.HandleEvent(changelist.ListAdded{})
	assert.Equal(t, 1, c.Len(), "other events are ignored")
}

func TestCache_RevisionChangeMisses(t *testing.T) {
	changes := changeMap{"/r/a.txt": change.Modified("local", "/r/a.txt", "h1")}
	c, err := New(changes, func(ch change.Change) ([]byte, error) {
		return []byte(ch.BaseRevision()), nil
	}, 4, nil)
	require.NoError(t, err)

	_, err = c.Get("/r/a.txt")
	require.NoError(t, err)

	changes["/r/a.txt"] = change.Modified("local", "/r/a.txt", "h2")
	got, err := c.Get("/r/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h2", string(got))
}
