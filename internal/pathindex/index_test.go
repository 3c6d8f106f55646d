package pathindex

import (
	"testing"

	"clsync/internal/change"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_AddChange(t *testing.T) {
	x := New()
	mod := change.Modified("local", "a.txt", "r1")
	move := change.New("local", change.Revision{Path: "old/b.txt", Number: "r2"}, change.Revision{Path: "new/b.txt"})

	x.AddChange(mod)
	x.AddChange(move)

	assert.Equal(t, 3, x.Len())
	assert.Equal(t, []string{"a.txt", "new/b.txt", "old/b.txt"}, x.Paths())

	old, ok := x.Get("old/b.txt")
	require.True(t, ok)
	assert.Equal(t, change.StatusDeleted, old.Status)
	assert.Equal(t, move, old.Change)

	moved, ok := x.Get("new/b.txt")
	require.True(t, ok)
	assert.Equal(t, change.StatusMoved, moved.Status)
	assert.Equal(t, "r2", moved.BaseRevision)

	assert.ElementsMatch(t, []change.Change{mod, move}, x.Changes())
	assert.True(t, x.Contains(move))
}

func TestIndex_RemoveChange(t *testing.T) {
	x := New()
	move := change.New("local", change.Revision{Path: "a.txt", Number: "r1"}, change.Revision{Path: "b.txt"})
	x.AddChange(move)

	// A newer change claims b.txt; removing the move must leave it alone.
	added := change.Added("local", "b.txt")
	x.AddChange(added)
	x.RemoveChange(move)

	_, ok := x.Get("a.txt")
	assert.False(t, ok)
	c, ok := x.ChangeAt("b.txt")
	require.True(t, ok)
	assert.Equal(t, added, c)
}

func TestIndex_CopyIsIndependent(t *testing.T) {
	x := New()
	x.AddChange(change.Modified("local", "a.txt", "r1"))

	cp := x.Copy()
	cp.AddChange(change.Added("local", "b.txt"))
	cp.Remove("a.txt")

	assert.Equal(t, []string{"a.txt"}, x.Paths())
	assert.Equal(t, []string{"b.txt"}, cp.Paths())
}

func TestIndex_Delta(t *testing.T) {
	before := New()
	before.AddChange(change.Modified("local", "kept.txt", "r1"))
	before.AddChange(change.Modified("local", "bumped.txt", "r1"))
	before.AddChange(change.Modified("local", "gone.txt", "r1"))

	after := New()
	after.AddChange(change.Modified("local", "kept.txt", "r1"))
	after.AddChange(change.Modified("local", "bumped.txt", "r2"))
	after.AddChange(change.Added("local", "fresh.txt"))

	d := before.Delta(after)
	assert.Equal(t, []string{"fresh.txt"}, d.Added)
	assert.Equal(t, []string{"gone.txt"}, d.Removed)
	assert.Equal(t, []string{"bumped.txt"}, d.Modified)
	assert.False(t, d.IsEmpty())
	assert.Len(t, d.Paths(), 3)

	assert.True(t, after.Delta(after.Copy()).IsEmpty())
}
