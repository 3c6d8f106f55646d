package changelist

import (
	"sort"

	"clsync/internal/change"
	"clsync/internal/pathindex"
)

// Event is a state-change notification. Payloads carry values captured when
// the mutation happened, so they stay correct when delivered later.
type Event interface {
	Kind() string
}

// Notifier delivers events; the fanout lane implements it.
type Notifier interface {
	Publish(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Publish(e Event) { f(e) }

type ListAdded struct {
	List List
}

type ListRemoved struct {
	List         List
	MovedChanges []change.Change
}

type ListRenamed struct {
	List    List
	OldName string
}

type ListCommentChanged struct {
	List       List
	OldComment string
}

type ListDataChanged struct {
	List List
}

// ListChanged reports flag edits such as read-only.
type ListChanged struct {
	List List
}

type DefaultListChanged struct {
	Old List
	New List
}

type ChangesMoved struct {
	Changes []change.Change
	FromID  string
	ToID    string
}

type ChangesAdded struct {
	Changes []change.Change
	ListID  string
}

type ChangesRemoved struct {
	Changes []change.Change
	ListID  string
}

// PathsChanged carries the path-level delta of a refresh for caches keyed by path.
type PathsChanged struct {
	Delta pathindex.Delta
}

type UpdateStarted struct{}

type UpdateFinished struct {
	Err error
}

type AvailabilityChanged struct {
	Available bool
}

func (ListAdded) Kind() string           { return "list.added" }
func (ListRemoved) Kind() string         { return "list.removed" }
func (ListRenamed) Kind() string         { return "list.renamed" }
func (ListCommentChanged) Kind() string  { return "list.comment-changed" }
func (ListDataChanged) Kind() string     { return "list.data-changed" }
func (ListChanged) Kind() string         { return "list.changed" }
func (DefaultListChanged) Kind() string  { return "list.default-changed" }
func (ChangesMoved) Kind() string        { return "changes.moved" }
func (ChangesAdded) Kind() string        { return "changes.added" }
func (ChangesRemoved) Kind() string      { return "changes.removed" }
func (PathsChanged) Kind() string        { return "paths.changed" }
func (UpdateStarted) Kind() string       { return "update.started" }
func (UpdateFinished) Kind() string      { return "update.finished" }
func (AvailabilityChanged) Kind() string { return "availability.changed" }

// IsListEvent reports whether e changes list metadata rather than membership.
func IsListEvent(e Event) bool {
	switch e.(type) {
	case ListAdded, ListRemoved, ListRenamed, ListCommentChanged, ListDataChanged, ListChanged, DefaultListChanged:
		return true
	}
	return false
}

// DeltaListener observes assignment changes computed while merging a refresh.
type DeltaListener interface {
	ChangeAdded(c change.Change, listID string)
	ChangeRemoved(c change.Change, listID string)
	ChangeMoved(c change.Change, fromID, toID string)
}

// DeltaCollector batches merge deltas into per-list events.
type DeltaCollector struct {
	added   map[string][]change.Change
	removed map[string][]change.Change
	moved   map[[2]string][]change.Change
}

func NewDeltaCollector() *DeltaCollector {
	return &DeltaCollector{
		added:   make(map[string][]change.Change),
		removed: make(map[string][]change.Change),
		moved:   make(map[[2]string][]change.Change),
	}
}

func (d *DeltaCollector) ChangeAdded(c change.Change, listID string) {
	d.added[listID] = append(d.added[listID], c)
}

func (d *DeltaCollector) ChangeRemoved(c change.Change, listID string) {
	d.removed[listID] = append(d.removed[listID], c)
}

func (d *DeltaCollector) ChangeMoved(c change.Change, fromID, toID string) {
	key := [2]string{fromID, toID}
	d.moved[key] = append(d.moved[key], c)
}

// Events returns removals, then additions, then moves, each ordered by list id.
func (d *DeltaCollector) Events() []Event {
	var out []Event
	for _, id := range sortedKeys(d.removed) {
		out = append(out, ChangesRemoved{Changes: sortChanges(d.removed[id]), ListID: id})
	}
	for _, id := range sortedKeys(d.added) {
		out = append(out, ChangesAdded{Changes: sortChanges(d.added[id]), ListID: id})
	}
	keys := make([][2]string, 0, len(d.moved))
	for k := range d.moved {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		out = append(out, ChangesMoved{Changes: sortChanges(d.moved[k]), FromID: k[0], ToID: k[1]})
	}
	return out
}

func sortedKeys(m map[string][]change.Change) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortChanges(cs []change.Change) []change.Change {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Path() != cs[j].Path() {
			return cs[i].Path() < cs[j].Path()
		}
		return cs[i].Before.Path < cs[j].Before.Path
	})
	return cs
}
