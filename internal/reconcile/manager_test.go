package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"clsync/internal/change"
	"clsync/internal/changelist"
	"clsync/internal/dirty"
	apperrors "clsync/internal/errors"
	"clsync/internal/vcs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type reportedChange struct {
	c    change.Change
	list string
}

type fakeProvider struct {
	mu          sync.Mutex
	changes     []reportedChange
	unversioned []string
	failRoots   map[string]error
	gate        chan struct{}
	deaf        bool
	calls       int

	entered chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failRoots: make(map[string]error),
		entered:   make(chan struct{}, 64),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) set(changes ...change.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = nil
	for _, c := range changes {
		p.changes = append(p.changes, reportedChange{c: c})
	}
}

func (p *fakeProvider) setGate(g chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = g
}

// ignoreCancel makes the gate wait ignore ctx, like a provider that only
// checks for cancellation between files.
func (p *fakeProvider) ignoreCancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deaf = true
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) Changes(ctx context.Context, scope *dirty.Scope, b vcs.Builder) error {
	p.mu.Lock()
	p.calls++
	gate, deaf := p.gate, p.deaf
	changes := append([]reportedChange(nil), p.changes...)
	unversioned := append([]string(nil), p.unversioned...)
	err := p.failRoots[scope.Root]
	p.mu.Unlock()

	select {
	case p.entered <- struct{}{}:
	default:
	}
	if gate != nil && deaf {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return apperrors.ErrCancelled
		}
	}
	if err != nil {
		return err
	}
	for _, r := range changes {
		for _, path := range r.c.Paths() {
			if scope.Covers(path) {
				b.ProcessChange(r.c, r.list)
				break
			}
		}
	}
	for _, u := range unversioned {
		if scope.Covers(u) {
			b.ProcessUnversioned(u)
		}
	}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []changelist.Event
}

func (l *eventLog) add(e changelist.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind()
	}
	return out
}

type fixture struct {
	m     *Manager
	dirty *dirty.Manager
	p     *fakeProvider
	log   *eventLog
}

func newFixture(t *testing.T, roots ...string) *fixture {
	t.Helper()
	if len(roots) == 0 {
		roots = []string{"/repo"}
	}
	d := dirty.NewManager(nil)
	for _, r := range roots {
		d.AddRoot(r, "fake")
	}
	p := newFakeProvider()
	m := NewManager(d, vcs.NewRegistry(p), Options{Delay: 10 * time.Millisecond, RetryDelay: 10 * time.Millisecond}, nil)
	log := &eventLog{}
	m.Subscribe(log.add)
	t.Cleanup(m.Dispose)
	return &fixture{m: m, dirty: d, p: p, log: log}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.m.Start()
	f.wait(t)
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.m.WaitForUpdate(ctx))
}

func (f *fixture) rescan(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, f.dirty.MarkFile("/repo", p))
	}
	f.m.Schedule(false)
	f.wait(t)
}

func (f *fixture) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-f.p.entered:
	case <-time.After(waitFor):
		t.Fatal("provider was never called")
	}
}

func (f *fixture) drainEntered() {
	for {
		select {
		case <-f.p.entered:
		default:
			return
		}
	}
}

func TestManager_FirstRefreshPopulates(t *testing.T) {
	f := newFixture(t)
	c1 := change.Modified("fake", "/repo/a.txt", "r1")
	c2 := change.Added("fake", "/repo/b.txt")
	f.p.set(c1, c2)
	f.p.unversioned = []string{"/repo/tmp.log"}

	f.start(t)

	assert.Equal(t, []change.Change{c1, c2}, f.m.AllChanges())
	def := f.m.DefaultList()
	changes, err := f.m.ChangesIn(def.Name)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.Equal(t, []string{"/repo/tmp.log"}, f.m.Unversioned())
	assert.True(t, f.m.IsAvailable())
	require.NoError(t, f.m.Validate())

	require.Eventually(t, func() bool {
		kinds := f.log.kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == "availability.changed"
	}, waitFor, tick)
	assert.Equal(t, []string{"update.started", "changes.added", "paths.changed", "update.finished", "availability.changed"}, f.log.kinds())
}

func TestManager_ChangeVanishesFromList(t *testing.T) {
	f := newFixture(t)
	c1 := change.Modified("fake", "/repo/c1.txt", "r1")
	f.p.set(c1)
	f.start(t)

	a, err := f.m.AddList("A", "", nil)
	require.NoError(t, err)
	_, err = f.m.MoveChanges([]change.Change{c1}, "A")
	require.NoError(t, err)
	l, ok := f.m.ListOf(c1)
	require.True(t, ok)
	assert.Equal(t, a.ID, l.ID)

	f.p.set()
	f.rescan(t, "c1.txt")

	assert.Empty(t, f.m.AllChanges())
	inA, err := f.m.ChangesIn("A")
	require.NoError(t, err)
	assert.Empty(t, inA)
	inDefault, err := f.m.ChangesIn(changelist.DefaultListName)
	require.NoError(t, err)
	assert.Empty(t, inDefault)
	assert.NoError(t, f.m.LastUpdateError())
	require.NoError(t, f.m.Validate())
}

func TestManager_RescannedChangeKeepsItsList(t *testing.T) {
	f := newFixture(t)
	f.p.set(change.Modified("fake", "/repo/a.txt", "r1"))
	f.start(t)

	_, err := f.m.AddList("A", "", nil)
	require.NoError(t, err)
	_, err = f.m.MoveChangesByPath([]string{"/repo/a.txt"}, "A")
	require.NoError(t, err)

	next := change.Modified("fake", "/repo/a.txt", "r2")
	f.p.set(next)
	f.rescan(t, "a.txt")

	l, ok := f.m.ListOf(next)
	require.True(t, ok)
	assert.Equal(t, "A", l.Name)
}

func TestManager_ProviderNamedList(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.m.AddList("Docs", "", nil)
	require.NoError(t, err)

	c := change.Added("fake", "/repo/README.md")
	f.p.mu.Lock()
	f.p.changes = []reportedChange{{c: c, list: "Docs"}}
	f.p.mu.Unlock()
	f.rescan(t, "README.md")

	l, ok := f.m.ListOf(c)
	require.True(t, ok)
	assert.Equal(t, "Docs", l.Name)
}

func TestManager_DeletionClaimedByMoveIsDropped(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	move := change.New("fake", change.Revision{Path: "/repo/old.txt", Number: "r1"}, change.Revision{Path: "/repo/new.txt"})
	f.p.set(change.Deleted("fake", "/repo/old.txt", "r1"), move)
	f.rescan(t, "old.txt", "new.txt")

	assert.Equal(t, []change.Change{move}, f.m.AllChanges())
	at, ok := f.m.ChangeAt("/repo/old.txt")
	require.True(t, ok)
	assert.Equal(t, move, at)
}

func TestManager_EditsDuringRefreshSurvive(t *testing.T) {
	f := newFixture(t)
	c1 := change.Modified("fake", "/repo/c1.txt", "r1")
	f.p.set(c1)
	f.start(t)
	f.drainEntered()

	gate := make(chan struct{})
	f.p.setGate(gate)
	c2 := change.Added("fake", "/repo/c2.txt")
	f.p.set(c1, c2)
	require.NoError(t, f.dirty.MarkDir("/repo", "."))
	f.m.Schedule(false)
	f.waitEntered(t)

	ticket := f.m.Ticket()
	a, err := f.m.AddList("A", "", nil)
	require.NoError(t, err)
	_, err = f.m.MoveChanges([]change.Change{c1}, "A")
	require.NoError(t, err)
	_, err = f.m.SetDefaultList("A")
	require.NoError(t, err)

	l, _ := f.m.ListOf(c1)
	assert.Equal(t, a.ID, l.ID, "edits are visible before the refresh merges")

	f.p.setGate(nil)
	close(gate)
	require.Eventually(t, func() bool { return f.m.Ticket() > ticket }, waitFor, tick)

	l, ok := f.m.ListOf(c1)
	require.True(t, ok)
	assert.Equal(t, a.ID, l.ID)
	assert.Equal(t, "A", f.m.DefaultList().Name)
	l, ok = f.m.ListOf(c2)
	require.True(t, ok)
	assert.Equal(t, changelist.DefaultListName, l.Name, "c2 was added to the default list the scan saw")
	require.NoError(t, f.m.Validate())

	require.Eventually(t, func() bool {
		for _, k := range f.log.kinds() {
			if k == "list.default-changed" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestManager_CancelledRefreshLeavesSnapshotAndRetries(t *testing.T) {
	f := newFixture(t)
	c1 := change.Modified("fake", "/repo/c1.txt", "r1")
	f.p.set(c1)
	f.start(t)
	_, err := f.m.AddList("A", "", nil)
	require.NoError(t, err)
	_, err = f.m.MoveChanges([]change.Change{c1}, "A")
	require.NoError(t, err)
	f.drainEntered()

	f.m.mu.Lock()
	before := f.m.worker.Copy()
	f.m.mu.Unlock()
	ticket := f.m.Ticket()

	gate := make(chan struct{})
	f.p.setGate(gate)
	f.p.set(change.Added("fake", "/repo/c2.txt"))
	require.NoError(t, f.dirty.MarkFile("/repo", "c2.txt"))
	f.m.Schedule(false)
	f.waitEntered(t)

	f.m.CancelUpdate()
	f.waitEntered(t)

	f.m.mu.Lock()
	assert.True(t, f.m.worker.Equal(before), "a cancelled cycle leaves the snapshot untouched")
	f.m.mu.Unlock()
	assert.Equal(t, ticket, f.m.Ticket())

	close(gate)
	require.Eventually(t, func() bool { return f.m.Ticket() > ticket }, waitFor, tick)
	_, ok := f.m.ChangeAt("/repo/c2.txt")
	assert.True(t, ok, "the retried cycle rescans the restored scope")
	require.NoError(t, f.m.Validate())
}

func TestManager_FreezeWaitsForInFlightRefresh(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.drainEntered()

	gate := make(chan struct{})
	f.p.setGate(gate)
	require.NoError(t, f.dirty.MarkFile("/repo", "a.txt"))
	f.m.Schedule(false)
	f.waitEntered(t)
	ticket := f.m.Ticket()

	frozen := make(chan struct{})
	go func() {
		f.m.Freeze("test")
		close(frozen)
	}()
	select {
	case <-frozen:
		t.Fatal("freeze returned while a refresh was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	f.p.setGate(nil)
	close(gate)
	select {
	case <-frozen:
	case <-time.After(waitFor):
		t.Fatal("freeze never returned")
	}
	assert.Equal(t, ticket+1, f.m.Ticket(), "the merge finished before freeze returned")
	reason, ok := f.m.IsFrozen()
	assert.True(t, ok)
	assert.Equal(t, "test", reason)

	calls := f.p.callCount()
	require.NoError(t, f.dirty.MarkFile("/repo", "b.txt"))
	f.m.Schedule(false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, f.p.callCount(), "no cycle starts while frozen")

	f.m.Unfreeze("test")
	require.Eventually(t, func() bool { return f.p.callCount() > calls }, waitFor, tick)
	_, ok = f.m.IsFrozen()
	assert.False(t, ok)
}

func TestManager_ProviderErrorKeepsEarlierScopes(t *testing.T) {
	f := newFixture(t, "/a", "/b")
	a1 := change.Modified("fake", "/a/one.txt", "r1")
	b1 := change.Modified("fake", "/b/one.txt", "r1")
	f.p.set(a1, b1)
	f.start(t)
	require.Len(t, f.m.AllChanges(), 2)

	a2 := change.Added("fake", "/a/two.txt")
	f.p.set(a1, a2)
	f.p.mu.Lock()
	f.p.failRoots["/b"] = apperrors.VCSError("status failed", fmt.Errorf("exit 128"))
	f.p.mu.Unlock()

	f.m.ForceUpdate()
	f.wait(t)

	assert.Equal(t, []change.Change{a1, a2, b1}, f.m.AllChanges(), "the failing scope is rolled back")
	err := f.m.LastUpdateError()
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.Error{Type: apperrors.ErrorTypeVCS})
	assert.True(t, f.dirty.HasDirty(), "the failing scope stays dirty")

	f.p.mu.Lock()
	delete(f.p.failRoots, "/b")
	f.p.mu.Unlock()
	f.m.Schedule(false)
	f.wait(t)

	assert.NoError(t, f.m.LastUpdateError())
	assert.Equal(t, []change.Change{a1, a2}, f.m.AllChanges())
}

func TestManager_TicketCountsSkippedCycles(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ticket := f.m.Ticket()

	f.m.Schedule(false)
	f.wait(t)
	assert.Greater(t, f.m.Ticket(), ticket)
}

func TestManager_FastTrackSkipsWhenClean(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.drainEntered()
	calls := f.p.callCount()

	f.m.Schedule(true)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, f.p.callCount())

	require.NoError(t, f.dirty.MarkFile("/repo", "a.txt"))
	f.m.Schedule(true)
	f.waitEntered(t)
}

func TestManager_PartialTrackerRegistration(t *testing.T) {
	f := newFixture(t)
	c := change.Modified("fake", "/repo/p.go", "r1")
	f.p.set(c)
	f.start(t)

	tr := &fakeTracker{}
	require.NoError(t, f.m.RegisterPartialTracker("/repo/p.go", tr))
	_, ok := f.m.ListOf(c)
	assert.False(t, ok)
	assert.Error(t, f.m.RegisterPartialTracker("/repo/p.go", &fakeTracker{}))

	def := f.m.DefaultList()
	assert.Equal(t, def.ID, tr.defaultID)
	assert.Equal(t, "", tr.fileListID)

	f.rescan(t, "p.go")
	_, ok = f.m.ListOf(c)
	assert.False(t, ok, "tracker ownership survives a refresh")
	require.NoError(t, f.m.Validate())

	require.NoError(t, f.m.UnregisterPartialTracker("/repo/p.go", tr))
	l, ok := f.m.ListOf(c)
	require.True(t, ok)
	assert.Equal(t, def.ID, l.ID)
}

func TestManager_TrackerEventsKeepMutationOrderDuringRefresh(t *testing.T) {
	f := newFixture(t)
	c := change.Modified("fake", "/repo/p.go", "r1")
	f.p.set(c)
	f.start(t)
	require.NoError(t, f.m.lane.Flush(context.Background()))
	f.drainEntered()
	offset := len(f.log.kinds())

	gate := make(chan struct{})
	f.p.setGate(gate)
	require.NoError(t, f.dirty.MarkFile("/repo", "p.go"))
	f.m.Schedule(false)
	f.waitEntered(t)

	_, err := f.m.AddList("A", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.m.RegisterPartialTracker("/repo/p.go", &fakeTracker{}))

	f.p.setGate(nil)
	close(gate)
	f.wait(t)
	require.NoError(t, f.m.lane.Flush(context.Background()))

	kinds := f.log.kinds()[offset:]
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, []string{"update.started", "list.added", "list.changed"}, kinds[:3])
	assert.Equal(t, "update.finished", kinds[len(kinds)-1])
}

func TestManager_NoOrphansAcrossRandomRefreshes(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	for _, name := range []string{"A", "B"} {
		_, err := f.m.AddList(name, "", nil)
		require.NoError(t, err)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 15; i++ {
		var changes []change.Change
		for j := 0; j < 8; j++ {
			if rng.Intn(2) == 0 {
				p := fmt.Sprintf("/repo/f%d.txt", j)
				changes = append(changes, change.Modified("fake", p, fmt.Sprintf("r%d", rng.Intn(3))))
			}
		}
		f.p.set(changes...)

		if all := f.m.AllChanges(); len(all) > 0 {
			target := []string{"A", "B", changelist.DefaultListName}[rng.Intn(3)]
			_, err := f.m.MoveChanges(all[:rng.Intn(len(all))+1], target)
			require.NoError(t, err)
		}

		require.NoError(t, f.dirty.MarkDir("/repo", "."))
		f.m.Schedule(false)
		f.wait(t)
		require.NoError(t, f.m.Validate(), "iteration %d", i)
		assert.Len(t, f.m.AllChanges(), len(changes))
	}
}

func TestManager_Dispose(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.m.Dispose()
	f.m.Dispose()

	_, err := f.m.AddList("late", "", nil)
	assert.ErrorIs(t, err, apperrors.ErrDisposed)
	assert.NoError(t, f.m.WaitForUpdate(context.Background()), "waiters are released after dispose")
	assert.False(t, f.m.IsAvailable())

	kinds := f.log.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, "availability.changed", kinds[len(kinds)-1])
	last := f.log.events[len(f.log.events)-1].(changelist.AvailabilityChanged)
	assert.False(t, last.Available)
}

func TestManager_DisposeDuringRefreshKeepsQueuedEdits(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.drainEntered()

	gate := make(chan struct{})
	f.p.setGate(gate)
	f.p.ignoreCancel()
	require.NoError(t, f.dirty.MarkFile("/repo", "a.txt"))
	f.m.Schedule(false)
	f.waitEntered(t)

	_, err := f.m.AddList("X", "", nil)
	require.NoError(t, err)

	disposed := make(chan struct{})
	go func() {
		f.m.Dispose()
		close(disposed)
	}()
	require.Eventually(t, func() bool {
		f.m.mu.Lock()
		defer f.m.mu.Unlock()
		return f.m.modifier.Pending() == 0
	}, waitFor, tick)

	close(gate)
	select {
	case <-disposed:
	case <-time.After(waitFor):
		t.Fatal("dispose never returned")
	}

	_, ok := f.m.List("X")
	assert.True(t, ok, "an edit made during the refresh survives dispose")
	require.NoError(t, f.m.Validate())
}

type fakeTracker struct {
	defaultID  string
	listIDs    []string
	fileListID string
	affected   []string
}

func (t *fakeTracker) InitChangeTracking(defaultID string, listIDs []string, fileListID string) {
	t.defaultID, t.listIDs, t.fileListID = defaultID, listIDs, fileListID
	if fileListID != "" {
		t.affected = []string{fileListID}
	} else {
		t.affected = []string{defaultID}
	}
}

func (t *fakeTracker) AffectedListIDs() []string { return t.affected }

func (t *fakeTracker) DefaultListChanged(oldID, newID string) {}

func (t *fakeTracker) ListsRemoved(ids []string) {}

func (t *fakeTracker) MoveChanges(fromID, toID string) {
	for i, id := range t.affected {
		if id == fromID {
			t.affected[i] = toID
		}
	}
}

func (t *fakeTracker) MoveChangesTo(toID string) { t.affected = []string{toID} }
