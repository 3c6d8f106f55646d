package changelist

import (
	"bytes"
	"fmt"
	"path"
	"slices"

	"clsync/internal/change"
	apperrors "clsync/internal/errors"
	"clsync/internal/pathindex"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker is the authoritative changelist snapshot. It is not safe for
// concurrent use: the live worker is guarded by the manager's data lock and a
// refresh copy is owned by the background lane alone.
//
// Every indexed change is either assigned to exactly one list or owned by
// the partial tracker registered for its path. Exactly one list is default.
type Worker struct {
	lists    []List
	mappings map[change.Change]string
	partial  map[string]PartialTracker
	index    *pathindex.Index

	// muted copies consult trackers for ownership but never call them back;
	// the live snapshot keeps the callbacks.
	muted  bool
	logger *zap.Logger
}

// Move records one change changing lists.
type Move struct {
	Change change.Change
	FromID string
	ToID   string
}

func NewWorker(logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		mappings: make(map[change.Change]string),
		partial:  make(map[string]PartialTracker),
		index:    pathindex.New(),
		logger:   logger,
	}
	w.ensureDefault()
	return w
}

// Copy returns an independent snapshot. Lists and the index are copied by
// value; partial trackers are shared but the copy never calls them.
func (w *Worker) Copy() *Worker {
	lists := make([]List, len(w.lists))
	for i, l := range w.lists {
		lists[i] = l.clone()
	}
	mappings := make(map[change.Change]string, len(w.mappings))
	for c, id := range w.mappings {
		mappings[c] = id
	}
	partial := make(map[string]PartialTracker, len(w.partial))
	for p, t := range w.partial {
		partial[p] = t
	}
	return &Worker{
		lists:    lists,
		mappings: mappings,
		partial:  partial,
		index:    w.index.Copy(),
		muted:    true,
		logger:   w.logger,
	}
}

// Lists returns copies of every list in creation order.
func (w *Worker) Lists() []List {
	out := make([]List, len(w.lists))
	for i, l := range w.lists {
		out[i] = l.clone()
	}
	return out
}

func (w *Worker) List(name string) (List, bool) {
	if i := w.findByName(name); i >= 0 {
		return w.lists[i].clone(), true
	}
	return List{}, false
}

func (w *Worker) ListByID(id string) (List, bool) {
	if i := w.findByID(id); i >= 0 {
		return w.lists[i].clone(), true
	}
	return List{}, false
}

func (w *Worker) DefaultList() List {
	return w.lists[w.defaultIndex()].clone()
}

func (w *Worker) findByName(name string) int {
	for i, l := range w.lists {
		if l.Name == name {
			return i
		}
	}
	return -1
}

func (w *Worker) findByID(id string) int {
	for i, l := range w.lists {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (w *Worker) defaultIndex() int {
	for i, l := range w.lists {
		if l.Default {
			return i
		}
	}
	w.ensureDefault()
	return w.defaultIndex()
}

func (w *Worker) listIDs() []string {
	ids := make([]string, len(w.lists))
	for i, l := range w.lists {
		ids[i] = l.ID
	}
	return ids
}

// ensureDefault restores the single-default invariant: the first list is
// promoted when none is default, and a fresh default list is created when
// there are no lists at all.
func (w *Worker) ensureDefault() {
	if len(w.lists) == 0 {
		w.lists = append(w.lists, List{ID: uuid.NewString(), Name: DefaultListName, Default: true})
		return
	}
	seen := false
	for i := range w.lists {
		if !w.lists[i].Default {
			continue
		}
		if seen {
			w.logger.Error("more than one default list", zap.String("list", w.lists[i].Name))
			w.lists[i].Default = false
		}
		seen = true
	}
	if !seen {
		w.lists[0].Default = true
	}
}

// AddList creates a list. When the name is taken the existing list is
// returned with a conflict error.
func (w *Worker) AddList(name, comment string, data []byte) (List, error) {
	if name == "" {
		return List{}, apperrors.ValidationError("list name is required", nil)
	}
	if i := w.findByName(name); i >= 0 {
		w.logger.Error("list already exists", zap.String("list", name))
		return w.lists[i].clone(), apperrors.Conflict(fmt.Sprintf("list %q already exists", name))
	}
	l := List{
		ID:      uuid.NewString(),
		Name:    name,
		Comment: comment,
		Data:    bytes.Clone(data),
	}
	w.lists = append(w.lists, l)
	return l.clone(), nil
}

// putList inserts a list with a known id; used to replay creations and to seed.
func (w *Worker) putList(l List) bool {
	if w.findByID(l.ID) >= 0 || w.findByName(l.Name) >= 0 {
		w.logger.Error("duplicate list", zap.String("list", l.Name), zap.String("id", l.ID))
		return false
	}
	l = l.clone()
	l.Default = false
	w.lists = append(w.lists, l)
	return true
}

// RemoveList deletes a list and reassigns its changes to the default list.
func (w *Worker) RemoveList(name string) ([]change.Change, error) {
	i := w.findByName(name)
	if i < 0 {
		return nil, apperrors.NotFound(fmt.Sprintf("list %q not found", name))
	}
	l := w.lists[i]
	if l.Default {
		w.logger.Warn("refusing to remove default list", zap.String("list", name))
		return nil, apperrors.Conflict("cannot remove the default list")
	}
	if l.ReadOnly {
		return nil, apperrors.ReadOnly(fmt.Sprintf("list %q is read-only", name))
	}

	def := w.DefaultList()
	var moved []change.Change
	for c, id := range w.mappings {
		if id == l.ID {
			w.mappings[c] = def.ID
			moved = append(moved, c)
		}
	}
	w.lists = append(w.lists[:i], w.lists[i+1:]...)

	if !w.muted {
		for _, t := range w.partial {
			if contains(t.AffectedListIDs(), l.ID) {
				t.MoveChanges(l.ID, def.ID)
			}
			t.ListsRemoved([]string{l.ID})
		}
	}
	return sortChanges(moved), nil
}

// SetDefault makes name the default list and returns the previous default.
// changed is false when name already was the default.
func (w *Worker) SetDefault(name string) (old List, changed bool, err error) {
	i := w.findByName(name)
	if i < 0 {
		return List{}, false, apperrors.NotFound(fmt.Sprintf("list %q not found", name))
	}
	if w.lists[i].Default {
		return w.lists[i].clone(), false, nil
	}
	d := w.defaultIndex()
	old = w.lists[d].clone()
	w.lists[d].Default = false
	w.lists[i].Default = true

	if !w.muted {
		for _, t := range w.partial {
			t.DefaultListChanged(old.ID, w.lists[i].ID)
		}
	}
	return old, true, nil
}

func (w *Worker) Rename(from, to string) (List, error) {
	i := w.findByName(from)
	if i < 0 {
		return List{}, apperrors.NotFound(fmt.Sprintf("list %q not found", from))
	}
	if to == "" {
		return List{}, apperrors.ValidationError("list name is required", nil)
	}
	if from == to {
		return w.lists[i].clone(), nil
	}
	if w.lists[i].ReadOnly {
		return List{}, apperrors.ReadOnly(fmt.Sprintf("list %q is read-only", from))
	}
	if w.findByName(to) >= 0 {
		w.logger.Error("rename target already exists", zap.String("from", from), zap.String("to", to))
		return List{}, apperrors.Conflict(fmt.Sprintf("list %q already exists", to))
	}
	w.lists[i].Name = to
	return w.lists[i].clone(), nil
}

// EditComment returns the previous comment.
func (w *Worker) EditComment(name, comment string) (string, error) {
	i := w.findByName(name)
	if i < 0 {
		return "", apperrors.NotFound(fmt.Sprintf("list %q not found", name))
	}
	old := w.lists[i].Comment
	w.lists[i].Comment = comment
	return old, nil
}

// EditData replaces the opaque data blob and returns the previous one.
func (w *Worker) EditData(name string, data []byte) ([]byte, error) {
	i := w.findByName(name)
	if i < 0 {
		return nil, apperrors.NotFound(fmt.Sprintf("list %q not found", name))
	}
	old := w.lists[i].Data
	w.lists[i].Data = bytes.Clone(data)
	return old, nil
}

// SetReadOnly reports whether the flag actually flipped.
func (w *Worker) SetReadOnly(name string, readOnly bool) (bool, error) {
	i := w.findByName(name)
	if i < 0 {
		return false, apperrors.NotFound(fmt.Sprintf("list %q not found", name))
	}
	if w.lists[i].ReadOnly == readOnly {
		return false, nil
	}
	w.lists[i].ReadOnly = readOnly
	return true, nil
}

// MoveChanges assigns changes to target. Changes owned by a partial tracker
// are delegated to it and only recorded when every range ended up in target.
// A change no longer indexed is matched by its path.
func (w *Worker) MoveChanges(changes []change.Change, target string) ([]Move, error) {
	ti := w.findByName(target)
	if ti < 0 {
		return nil, apperrors.NotFound(fmt.Sprintf("list %q not found", target))
	}
	toID := w.lists[ti].ID

	var moves []Move
	seen := make(map[change.Change]struct{}, len(changes))
	for _, c := range changes {
		resolved, ok := w.resolve(c)
		if !ok {
			w.logger.Debug("skipping move of unknown change", zap.Stringer("change", c))
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}

		if t := w.trackerFor(resolved); t != nil {
			if w.muted {
				continue
			}
			before := t.AffectedListIDs()
			t.MoveChangesTo(toID)
			after := t.AffectedListIDs()
			if len(after) != 1 || after[0] != toID {
				continue
			}
			for _, from := range before {
				if from != toID {
					moves = append(moves, Move{Change: resolved, FromID: from, ToID: toID})
				}
			}
			continue
		}

		from := w.mappings[resolved]
		if from == toID {
			continue
		}
		w.mappings[resolved] = toID
		moves = append(moves, Move{Change: resolved, FromID: from, ToID: toID})
	}
	return moves, nil
}

func (w *Worker) resolve(c change.Change) (change.Change, bool) {
	if w.index.Contains(c) {
		return c, true
	}
	return w.index.ChangeAt(c.Path())
}

func (w *Worker) trackerFor(c change.Change) PartialTracker {
	return w.partial[c.Path()]
}

// RegisterPartialTracker hands ownership of the change at p to t. The prior
// whole-file assignment is removed and returned.
func (w *Worker) RegisterPartialTracker(p string, t PartialTracker) (List, bool) {
	p = path.Clean(p)
	if _, ok := w.partial[p]; ok {
		w.logger.Error("partial tracker already registered", zap.String("path", p))
		return List{}, false
	}

	var (
		prior List
		had   bool
	)
	if c, ok := w.index.ChangeAt(p); ok && c.Path() == p {
		if id, mapped := w.mappings[c]; mapped {
			delete(w.mappings, c)
			prior, had = w.ListByID(id)
		}
	}
	w.partial[p] = t

	if !w.muted {
		def := w.DefaultList()
		fileListID := ""
		if had && prior.ID != def.ID {
			fileListID = prior.ID
		}
		t.InitChangeTracking(def.ID, w.listIDs(), fileListID)
	}
	return prior, had
}

// UnregisterPartialTracker returns the whole-file change at p to simple
// assignment: the tracker's single list if it has one, otherwise the default.
func (w *Worker) UnregisterPartialTracker(p string, t PartialTracker) (List, bool) {
	p = path.Clean(p)
	if cur, ok := w.partial[p]; !ok || cur != t {
		w.logger.Error("unregistering unknown partial tracker", zap.String("path", p))
		return List{}, false
	}
	delete(w.partial, p)

	c, ok := w.index.ChangeAt(p)
	if !ok || c.Path() != p {
		return List{}, false
	}
	target := w.DefaultList()
	if ids := t.AffectedListIDs(); len(ids) == 1 {
		if l, ok := w.ListByID(ids[0]); ok {
			target = l
		} else {
			w.logger.Error("tracker references unknown list", zap.String("path", p), zap.String("id", ids[0]))
		}
	}
	w.mappings[c] = target.ID
	return target, true
}

// TrackerAt returns the partial tracker registered for p.
func (w *Worker) TrackerAt(p string) (PartialTracker, bool) {
	t, ok := w.partial[path.Clean(p)]
	return t, ok
}

// AddChange indexes c and assigns it to listID. Changes already occupying
// one of its paths are replaced. Unknown list ids fall back to the default.
func (w *Worker) AddChange(c change.Change, listID string) {
	for _, p := range c.Paths() {
		if old, ok := w.index.ChangeAt(p); ok && old != c {
			w.RemoveChange(old)
		}
	}
	w.index.AddChange(c)
	if w.trackerFor(c) != nil {
		delete(w.mappings, c)
		return
	}
	if w.findByID(listID) < 0 {
		if listID != "" {
			w.logger.Error("change mapped to unknown list", zap.Stringer("change", c), zap.String("id", listID))
		}
		listID = w.DefaultList().ID
	}
	w.mappings[c] = listID
}

// RemoveChange drops c from the index and its list.
func (w *Worker) RemoveChange(c change.Change) {
	w.index.RemoveChange(c)
	delete(w.mappings, c)
}

// ClearChanges drops every change but keeps the lists.
func (w *Worker) ClearChanges() {
	w.index.Clear()
	w.mappings = make(map[change.Change]string)
}

// ListIDOf returns the id of the list c is assigned to.
func (w *Worker) ListIDOf(c change.Change) (string, bool) {
	id, ok := w.mappings[c]
	return id, ok
}

// ListOf returns the list c is assigned to. Tracker-owned changes have none.
func (w *Worker) ListOf(c change.Change) (List, bool) {
	id, ok := w.mappings[c]
	if !ok {
		return List{}, false
	}
	return w.ListByID(id)
}

// ChangesIn returns the changes assigned to the list with the given id.
func (w *Worker) ChangesIn(listID string) []change.Change {
	var out []change.Change
	for c, id := range w.mappings {
		if id == listID {
			out = append(out, c)
		}
	}
	return sortChanges(out)
}

// ChangesUnder returns indexed changes with at least one path matching in.
func (w *Worker) ChangesUnder(in func(p string) bool) []change.Change {
	var out []change.Change
	for _, c := range w.index.Changes() {
		for _, p := range c.Paths() {
			if in(p) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (w *Worker) AllChanges() []change.Change {
	return w.index.Changes()
}

func (w *Worker) ChangeAt(p string) (change.Change, bool) {
	return w.index.ChangeAt(p)
}

// Index exposes the path index for read-only use.
func (w *Worker) Index() *pathindex.Index {
	return w.index
}

// Seed replaces the lists, typically with the persisted set at startup.
// Duplicate names or ids are dropped; assignments to lists that no longer
// exist move to the default list.
func (w *Worker) Seed(lists []List) {
	w.lists = nil
	var def string
	for _, l := range lists {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if !w.putList(l) {
			continue
		}
		if l.Default && def == "" {
			def = l.ID
		}
	}
	if def != "" {
		w.lists[w.findByID(def)].Default = true
	}
	w.ensureDefault()

	defID := w.DefaultList().ID
	for c, id := range w.mappings {
		if w.findByID(id) < 0 {
			w.mappings[c] = defID
		}
	}
}

// ApplyFromRefresh merges a refreshed snapshot into w. List metadata is
// taken from refreshed, matched by id. Each surviving change keeps, in
// order of preference: its assignment in refreshed, its assignment in w
// from before the merge, the default list. A change whose revision moved
// on is matched to its predecessor by path, so it is neither removed nor
// added. Partial tracker ownership is taken from w. Returns the path-level
// delta.
func (w *Worker) ApplyFromRefresh(refreshed *Worker, l DeltaListener) pathindex.Delta {
	delta := w.index.Delta(refreshed.index)

	lists := make([]List, 0, len(refreshed.lists))
	for _, rl := range refreshed.lists {
		if i := w.findByID(rl.ID); i < 0 {
			w.logger.Debug("list appeared during refresh", zap.String("list", rl.Name))
		}
		lists = append(lists, rl.clone())
	}
	w.lists = lists
	w.ensureDefault()
	defID := w.DefaultList().ID

	oldMappings := w.mappings
	survivors := w.predecessors(refreshed.index.Changes(), oldMappings)

	mappings := make(map[change.Change]string, len(refreshed.mappings))
	for _, c := range refreshed.index.Changes() {
		if w.trackerFor(c) != nil {
			continue
		}
		if id, ok := refreshed.mappings[c]; ok && w.findByID(id) >= 0 {
			mappings[c] = id
			continue
		}
		if prev, ok := survivors[c]; ok {
			if id := oldMappings[prev]; w.findByID(id) >= 0 {
				mappings[c] = id
				continue
			}
		}
		mappings[c] = defID
	}
	w.index = refreshed.index.Copy()
	w.mappings = mappings

	if l != nil {
		matched := make(map[change.Change]bool, len(survivors))
		for c, prev := range survivors {
			matched[prev] = true
			from := oldMappings[prev]
			to, ok := mappings[c]
			switch {
			case !ok:
				l.ChangeRemoved(prev, from)
			case to != from:
				l.ChangeMoved(c, from, to)
			}
		}
		for c, id := range oldMappings {
			if !matched[c] {
				l.ChangeRemoved(c, id)
			}
		}
		for c, id := range mappings {
			if _, ok := survivors[c]; !ok {
				l.ChangeAdded(c, id)
			}
		}
	}
	return delta
}

// predecessors pairs each refreshed change with the assigned change it
// replaces: the identical value first, otherwise the one at the same path.
// Each old change is claimed at most once.
func (w *Worker) predecessors(next []change.Change, old map[change.Change]string) map[change.Change]change.Change {
	out := make(map[change.Change]change.Change)
	claimed := make(map[change.Change]bool)
	for _, c := range next {
		if _, ok := old[c]; ok {
			out[c] = c
			claimed[c] = true
		}
	}
	for _, c := range next {
		if _, ok := out[c]; ok {
			continue
		}
		for _, p := range c.Paths() {
			prev, ok := w.index.ChangeAt(p)
			if !ok || claimed[prev] {
				continue
			}
			if _, assigned := old[prev]; !assigned {
				continue
			}
			out[c] = prev
			claimed[prev] = true
			break
		}
	}
	return out
}

// Validate checks the snapshot invariants.
func (w *Worker) Validate() error {
	defaults := 0
	names := make(map[string]struct{}, len(w.lists))
	ids := make(map[string]struct{}, len(w.lists))
	for _, l := range w.lists {
		if l.Default {
			defaults++
		}
		if _, dup := names[l.Name]; dup {
			return fmt.Errorf("duplicate list name %q", l.Name)
		}
		if _, dup := ids[l.ID]; dup {
			return fmt.Errorf("duplicate list id %q", l.ID)
		}
		names[l.Name] = struct{}{}
		ids[l.ID] = struct{}{}
	}
	if defaults != 1 {
		return fmt.Errorf("expected exactly one default list, found %d", defaults)
	}

	indexed := w.index.Changes()
	for _, c := range indexed {
		_, mapped := w.mappings[c]
		tracked := w.trackerFor(c) != nil
		switch {
		case mapped && tracked:
			return fmt.Errorf("change %s is both assigned and tracked", c)
		case !mapped && !tracked:
			return fmt.Errorf("change %s has no owner", c)
		}
	}
	for c, id := range w.mappings {
		if !w.index.Contains(c) {
			return fmt.Errorf("assigned change %s is not indexed", c)
		}
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("change %s assigned to unknown list %q", c, id)
		}
	}
	return nil
}

// Equal compares two snapshots by value: lists, assignments and indexed paths.
func (w *Worker) Equal(o *Worker) bool {
	if len(w.lists) != len(o.lists) || len(w.mappings) != len(o.mappings) {
		return false
	}
	for i := range w.lists {
		if !w.lists[i].Equal(o.lists[i]) {
			return false
		}
	}
	for c, id := range w.mappings {
		if o.mappings[c] != id {
			return false
		}
	}
	return slices.Equal(w.index.Changes(), o.index.Changes())
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
