package changelist

import (
	"math/rand"
	"testing"

	"clsync/internal/change"
	apperrors "clsync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	affected []string

	inits       int
	initDefault string
	initIDs     []string
	initFile    string

	defaultChanges [][2]string
	removed        []string
}

func (f *fakeTracker) InitChangeTracking(defaultID string, listIDs []string, fileListID string) {
	f.inits++
	f.initDefault = defaultID
	f.initIDs = listIDs
	f.initFile = fileListID
	if fileListID == "" {
		f.affected = []string{defaultID}
	} else {
		f.affected = []string{fileListID}
	}
}

func (f *fakeTracker) AffectedListIDs() []string {
	return append([]string(nil), f.affected...)
}

func (f *fakeTracker) DefaultListChanged(oldID, newID string) {
	f.defaultChanges = append(f.defaultChanges, [2]string{oldID, newID})
}

func (f *fakeTracker) ListsRemoved(ids []string) {
	f.removed = append(f.removed, ids...)
}

func (f *fakeTracker) MoveChanges(fromID, toID string) {
	var out []string
	for _, id := range f.affected {
		if id == fromID {
			id = toID
		}
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	f.affected = out
}

func (f *fakeTracker) MoveChangesTo(toID string) {
	f.affected = []string{toID}
}

func TestNewWorker_HasDefaultList(t *testing.T) {
	w := NewWorker(nil)
	lists := w.Lists()
	require.Len(t, lists, 1)
	assert.Equal(t, DefaultListName, lists[0].Name)
	assert.True(t, lists[0].Default)
	assert.NotEmpty(t, lists[0].ID)
	require.NoError(t, w.Validate())
}

func TestWorker_AddList(t *testing.T) {
	w := NewWorker(nil)

	a, err := w.AddList("A", "first", []byte("blob"))
	require.NoError(t, err)
	assert.False(t, a.Default)
	assert.Equal(t, []byte("blob"), a.Data)

	dup, err := w.AddList("A", "other", nil)
	assert.ErrorIs(t, err, &apperrors.Error{Type: apperrors.ErrorTypeConflict})
	assert.Equal(t, a.ID, dup.ID, "existing list is returned")
	assert.Equal(t, "first", dup.Comment)

	_, err = w.AddList("", "", nil)
	assert.Error(t, err)
}

func TestWorker_RemoveList(t *testing.T) {
	w := NewWorker(nil)
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)
	c := change.Modified("local", "a.txt", "r1")
	w.AddChange(c, a.ID)

	_, err = w.RemoveList(DefaultListName)
	assert.Error(t, err, "default list cannot be removed")

	moved, err := w.RemoveList("A")
	require.NoError(t, err)
	assert.Equal(t, []change.Change{c}, moved)

	l, ok := w.ListOf(c)
	require.True(t, ok)
	assert.True(t, l.Default)
	require.NoError(t, w.Validate())
}

func TestWorker_ReadOnlyBlocksRenameAndRemoval(t *testing.T) {
	w := NewWorker(nil)
	_, err := w.AddList("A", "", nil)
	require.NoError(t, err)
	changed, err := w.SetReadOnly("A", true)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = w.Rename("A", "B")
	assert.ErrorIs(t, err, &apperrors.Error{Type: apperrors.ErrorTypeReadOnly})
	_, err = w.RemoveList("A")
	assert.ErrorIs(t, err, &apperrors.Error{Type: apperrors.ErrorTypeReadOnly})

	changed, err = w.SetReadOnly("A", true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestWorker_SetDefault(t *testing.T) {
	w := NewWorker(nil)
	def := w.DefaultList()
	_, err := w.AddList("A", "", nil)
	require.NoError(t, err)

	old, changed, err := w.SetDefault("A")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, def.ID, old.ID)
	assert.Equal(t, "A", w.DefaultList().Name)

	_, changed, err = w.SetDefault("A")
	require.NoError(t, err)
	assert.False(t, changed, "already default is a no-op")
	require.NoError(t, w.Validate())
}

func TestWorker_SingleDefaultInvariant(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	names := []string{"A", "B", "C", "D", DefaultListName}
	w := NewWorker(nil)

	for i := 0; i < 500; i++ {
		name := names[rnd.Intn(len(names))]
		switch rnd.Intn(3) {
		case 0:
			_, _ = w.AddList(name, "", nil)
		case 1:
			_, _ = w.RemoveList(name)
		case 2:
			_, _, _ = w.SetDefault(name)
		}
		require.NoError(t, w.Validate(), "step %d", i)
	}
}

func TestWorker_MoveChanges(t *testing.T) {
	w := NewWorker(nil)
	def := w.DefaultList()
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)

	c1 := change.Modified("local", "a.txt", "r1")
	c2 := change.Modified("local", "b.txt", "r1")
	w.AddChange(c1, "")
	w.AddChange(c2, "")

	moves, err := w.MoveChanges([]change.Change{c1, c1}, "A")
	require.NoError(t, err)
	assert.Equal(t, []Move{{Change: c1, FromID: def.ID, ToID: a.ID}}, moves)

	// A stale value is matched by path.
	stale := change.Modified("local", "b.txt", "r0")
	moves, err = w.MoveChanges([]change.Change{stale}, "A")
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, c2, moves[0].Change)

	assert.ElementsMatch(t, []change.Change{c1, c2}, w.ChangesIn(a.ID))

	_, err = w.MoveChanges([]change.Change{c1}, "missing")
	assert.Error(t, err)
}

func TestWorker_CopyIsIndependent(t *testing.T) {
	w := NewWorker(nil)
	c := change.Modified("local", "a.txt", "r1")
	w.AddChange(c, "")

	cp := w.Copy()
	_, err := cp.AddList("A", "", nil)
	require.NoError(t, err)
	_, err = cp.EditComment(DefaultListName, "changed")
	require.NoError(t, err)
	cp.RemoveChange(c)

	assert.Len(t, w.Lists(), 1)
	assert.Empty(t, w.DefaultList().Comment)
	_, ok := w.ChangeAt("a.txt")
	assert.True(t, ok)
	assert.False(t, w.Equal(cp))
}

func TestWorker_RegisterPartialTracker(t *testing.T) {
	w := NewWorker(nil)
	def := w.DefaultList()
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)
	b, err := w.AddList("B", "", nil)
	require.NoError(t, err)

	c := change.Modified("local", "p.txt", "r1")
	w.AddChange(c, "")

	tr := &fakeTracker{}
	prior, had := w.RegisterPartialTracker("p.txt", tr)
	require.True(t, had)
	assert.Equal(t, def.ID, prior.ID)

	_, mapped := w.ListIDOf(c)
	assert.False(t, mapped, "ownership moves to the tracker")
	assert.Equal(t, 1, tr.inits)
	assert.Equal(t, def.ID, tr.initDefault)
	assert.Equal(t, []string{def.ID, a.ID, b.ID}, tr.initIDs)
	assert.Empty(t, tr.initFile, "a change in the default list has no prior list id")
	require.NoError(t, w.Validate())

	// A second registration for the same path is refused.
	_, had = w.RegisterPartialTracker("p.txt", &fakeTracker{})
	assert.False(t, had)

	tr.affected = []string{b.ID}
	l, ok := w.UnregisterPartialTracker("p.txt", tr)
	require.True(t, ok)
	assert.Equal(t, b.ID, l.ID)
	id, _ := w.ListIDOf(c)
	assert.Equal(t, b.ID, id)
	require.NoError(t, w.Validate())
}

func TestWorker_RegisterPartialTracker_NonDefaultPrior(t *testing.T) {
	w := NewWorker(nil)
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)
	c := change.Modified("local", "p.txt", "r1")
	w.AddChange(c, a.ID)

	tr := &fakeTracker{}
	prior, had := w.RegisterPartialTracker("p.txt", tr)
	require.True(t, had)
	assert.Equal(t, a.ID, prior.ID)
	assert.Equal(t, a.ID, tr.initFile)
}

func TestWorker_TrackerLifecycleCallbacks(t *testing.T) {
	w := NewWorker(nil)
	def := w.DefaultList()
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)
	w.AddChange(change.Modified("local", "p.txt", "r1"), a.ID)

	tr := &fakeTracker{}
	w.RegisterPartialTracker("p.txt", tr)
	require.Equal(t, []string{a.ID}, tr.AffectedListIDs())

	_, err = w.RemoveList("A")
	require.NoError(t, err)
	assert.Equal(t, []string{def.ID}, tr.AffectedListIDs())
	assert.Equal(t, []string{a.ID}, tr.removed)

	b, err := w.AddList("B", "", nil)
	require.NoError(t, err)
	_, _, err = w.SetDefault("B")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{def.ID, b.ID}}, tr.defaultChanges)

	// Copies consult trackers but never call them.
	cp := w.Copy()
	_, _, err = cp.SetDefault(DefaultListName)
	require.NoError(t, err)
	assert.Len(t, tr.defaultChanges, 1)
}

func TestWorker_MoveTrackedChange(t *testing.T) {
	w := NewWorker(nil)
	def := w.DefaultList()
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)
	c := change.Modified("local", "p.txt", "r1")
	w.AddChange(c, "")

	tr := &fakeTracker{}
	w.RegisterPartialTracker("p.txt", tr)

	moves, err := w.MoveChanges([]change.Change{c}, "A")
	require.NoError(t, err)
	assert.Equal(t, []Move{{Change: c, FromID: def.ID, ToID: a.ID}}, moves)
	assert.Equal(t, []string{a.ID}, tr.affected)
	_, mapped := w.ListIDOf(c)
	assert.False(t, mapped)
}

func TestWorker_ApplyFromRefresh(t *testing.T) {
	live := NewWorker(nil)
	def := live.DefaultList()
	a, err := live.AddList("A", "", nil)
	require.NoError(t, err)

	kept := change.Modified("local", "kept.txt", "r1")
	gone := change.Modified("local", "gone.txt", "r1")
	live.AddChange(kept, a.ID)
	live.AddChange(gone, "")

	refreshed := live.Copy()
	refreshed.RemoveChange(gone)
	fresh := change.Added("local", "fresh.txt")
	refreshed.AddChange(fresh, "")
	_, err = refreshed.EditComment("A", "from refresh")
	require.NoError(t, err)

	delta := NewDeltaCollector()
	paths := live.ApplyFromRefresh(refreshed, delta)

	assert.Equal(t, []string{"fresh.txt"}, paths.Added)
	assert.Equal(t, []string{"gone.txt"}, paths.Removed)

	id, _ := live.ListIDOf(kept)
	assert.Equal(t, a.ID, id)
	id, _ = live.ListIDOf(fresh)
	assert.Equal(t, def.ID, id)
	_, ok := live.ChangeAt("gone.txt")
	assert.False(t, ok)

	l, _ := live.ListByID(a.ID)
	assert.Equal(t, "from refresh", l.Comment, "metadata is copied by id")

	assert.Equal(t, []Event{
		ChangesRemoved{Changes: []change.Change{gone}, ListID: def.ID},
		ChangesAdded{Changes: []change.Change{fresh}, ListID: def.ID},
	}, delta.Events())
	require.NoError(t, live.Validate())
}

func TestWorker_ApplyFromRefresh_FallsBackToPreRefreshAssignment(t *testing.T) {
	live := NewWorker(nil)
	a, err := live.AddList("A", "", nil)
	require.NoError(t, err)
	c := change.Modified("local", "p.txt", "r1")
	live.AddChange(c, a.ID)

	// The refreshed copy saw a tracker for p.txt that the live snapshot no
	// longer has, so it carries no assignment for c.
	refreshed := live.Copy()
	refreshed.RegisterPartialTracker("p.txt", &fakeTracker{})
	_, mapped := refreshed.ListIDOf(c)
	require.False(t, mapped)

	live.ApplyFromRefresh(refreshed, nil)
	id, ok := live.ListIDOf(c)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)
	require.NoError(t, live.Validate())
}

func TestWorker_ApplyFromRefresh_RevisionBump(t *testing.T) {
	tests := []struct {
		name       string
		refreshed  func(t *testing.T, r *Worker)
		wantListA  bool
		wantEvents func(def, a List, next change.Change) []Event
	}{
		{
			name:      "same list",
			wantListA: true,
			wantEvents: func(def, a List, next change.Change) []Event {
				return nil
			},
		},
		{
			name: "moved to default",
			refreshed: func(t *testing.T, r *Worker) {
				_, err := r.MoveChanges([]change.Change{change.Modified("local", "a.txt", "r2")}, r.DefaultList().Name)
				require.NoError(t, err)
			},
			wantEvents: func(def, a List, next change.Change) []Event {
				return []Event{ChangesMoved{Changes: []change.Change{next}, FromID: a.ID, ToID: def.ID}}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := NewWorker(nil)
			def := live.DefaultList()
			a, err := live.AddList("A", "", nil)
			require.NoError(t, err)
			prev := change.Modified("local", "a.txt", "r1")
			live.AddChange(prev, a.ID)

			next := change.Modified("local", "a.txt", "r2")
			refreshed := live.Copy()
			refreshed.AddChange(next, a.ID)
			if tt.refreshed != nil {
				tt.refreshed(t, refreshed)
			}

			delta := NewDeltaCollector()
			paths := live.ApplyFromRefresh(refreshed, delta)

			assert.Equal(t, []string{"a.txt"}, paths.Modified)
			assert.Equal(t, tt.wantEvents(def, a, next), delta.Events())
			id, ok := live.ListIDOf(next)
			require.True(t, ok)
			if tt.wantListA {
				assert.Equal(t, a.ID, id)
			} else {
				assert.Equal(t, def.ID, id)
			}
			require.NoError(t, live.Validate())
		})
	}
}

func TestWorker_ApplyFromRefresh_RevisionBumpKeepsPreRefreshList(t *testing.T) {
	live := NewWorker(nil)
	a, err := live.AddList("A", "", nil)
	require.NoError(t, err)
	live.AddChange(change.Modified("local", "a.txt", "r1"), a.ID)

	// The refreshed copy lost the assignment: the new revision is indexed
	// but a tracker held the path while the scan ran.
	refreshed := live.Copy()
	refreshed.RegisterPartialTracker("a.txt", &fakeTracker{})
	next := change.Modified("local", "a.txt", "r2")
	refreshed.AddChange(next, "")
	_, mapped := refreshed.ListIDOf(next)
	require.False(t, mapped)

	delta := NewDeltaCollector()
	live.ApplyFromRefresh(refreshed, delta)

	id, ok := live.ListIDOf(next)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)
	assert.Empty(t, delta.Events())
	require.NoError(t, live.Validate())
}

func TestWorker_ChangeVanishesFromList(t *testing.T) {
	live := NewWorker(nil)
	_, err := live.AddList("A", "", nil)
	require.NoError(t, err)
	c1 := change.Modified("local", "c1.txt", "r1")
	live.AddChange(c1, "")

	_, err = live.MoveChanges([]change.Change{c1}, "A")
	require.NoError(t, err)
	l, ok := live.ListOf(c1)
	require.True(t, ok)
	assert.Equal(t, "A", l.Name)

	refreshed := live.Copy()
	refreshed.ClearChanges()
	live.ApplyFromRefresh(refreshed, nil)

	for _, l := range live.Lists() {
		assert.Empty(t, live.ChangesIn(l.ID))
	}
	_, ok = live.ListOf(c1)
	assert.False(t, ok)
	require.NoError(t, live.Validate())
}

func TestWorker_AddChangeReplacesOverlapping(t *testing.T) {
	w := NewWorker(nil)
	a, err := w.AddList("A", "", nil)
	require.NoError(t, err)

	first := change.New("local", change.Revision{Path: "a.txt", Number: "r1"}, change.Revision{Path: "b.txt"})
	w.AddChange(first, a.ID)
	second := change.New("local", change.Revision{Path: "b.txt", Number: "r1"}, change.Revision{Path: "c.txt"})
	w.AddChange(second, a.ID)

	assert.Equal(t, []change.Change{second}, w.AllChanges())
	_, ok := w.ChangeAt("a.txt")
	assert.False(t, ok)
	require.NoError(t, w.Validate())
}

func TestWorker_Seed(t *testing.T) {
	w := NewWorker(nil)
	c := change.Modified("local", "a.txt", "r1")
	w.AddChange(c, "")

	w.Seed([]List{
		{ID: "1", Name: "Work"},
		{ID: "2", Name: "Later", Default: true},
		{ID: "3", Name: "Work"},
	})

	lists := w.Lists()
	require.Len(t, lists, 2)
	assert.Equal(t, "Later", w.DefaultList().Name)
	id, _ := w.ListIDOf(c)
	assert.Equal(t, "2", id, "orphaned assignment falls back to the default list")
	require.NoError(t, w.Validate())
}
