// Package pathindex maps file paths to the single change touching them.
package pathindex

import (
	"path"
	"sort"

	"clsync/internal/change"
)

// Entry describes what changed at one path.
type Entry struct {
	Status       change.Status
	Change       change.Change
	VCS          string
	BaseRevision string
}

// Delta lists the paths that differ between two generations of an index.
type Delta struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// IsEmpty reports whether nothing changed.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Paths returns every path named by the delta.
func (d Delta) Paths() []string {
	out := make([]string, 0, len(d.Added)+len(d.Removed)+len(d.Modified))
	out = append(out, d.Added...)
	out = append(out, d.Removed...)
	return append(out, d.Modified...)
}

// Index is not safe for concurrent use; owners guard it with their own lock.
type Index struct {
	entries map[string]Entry
}

func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Add records a single path entry.
func (x *Index) Add(p string, c change.Change, vcs, revision string) {
	p = path.Clean(p)
	status := c.Status()
	if c.IsMoveOrRename() && c.Before.Path == p {
		status = change.StatusDeleted
	}
	x.entries[p] = Entry{
		Status:       status,
		Change:       c,
		VCS:          vcs,
		BaseRevision: revision,
	}
}

// AddChange indexes every path of c. A move or rename contributes two
// entries: the old path marked deleted and the new path with the real status.
func (x *Index) AddChange(c change.Change) {
	for _, p := range c.Paths() {
		x.Add(p, c, c.VCS, c.BaseRevision())
	}
}

// Remove drops the entry at p.
func (x *Index) Remove(p string) {
	delete(x.entries, path.Clean(p))
}

// RemoveChange drops every entry that still belongs to c.
func (x *Index) RemoveChange(c change.Change) {
	for _, p := range c.Paths() {
		if e, ok := x.entries[p]; ok && e.Change == c {
			delete(x.entries, p)
		}
	}
}

// Get returns the entry at p.
func (x *Index) Get(p string) (Entry, bool) {
	e, ok := x.entries[path.Clean(p)]
	return e, ok
}

// ChangeAt returns the change touching p.
func (x *Index) ChangeAt(p string) (change.Change, bool) {
	e, ok := x.Get(p)
	return e.Change, ok
}

// Contains reports whether c is indexed under at least one of its paths.
func (x *Index) Contains(c change.Change) bool {
	for _, p := range c.Paths() {
		if e, ok := x.entries[p]; ok && e.Change == c {
			return true
		}
	}
	return false
}

// Changes returns the distinct indexed changes in path order.
func (x *Index) Changes() []change.Change {
	seen := make(map[change.Change]struct{}, len(x.entries))
	out := make([]change.Change, 0, len(x.entries))
	for _, p := range x.Paths() {
		c := x.entries[p].Change
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Paths returns the indexed paths, sorted.
func (x *Index) Paths() []string {
	out := make([]string, 0, len(x.entries))
	for p := range x.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (x *Index) Len() int {
	return len(x.entries)
}

// Copy is a shallow clone; entries are values so the copy is independent.
func (x *Index) Copy() *Index {
	entries := make(map[string]Entry, len(x.entries))
	for p, e := range x.entries {
		entries[p] = e
	}
	return &Index{entries: entries}
}

// Clear drops every entry.
func (x *Index) Clear() {
	x.entries = make(map[string]Entry)
}

// Delta computes what changed going from x to next. A path present in both
// generations is modified when its (VCS, base revision) pair differs.
func (x *Index) Delta(next *Index) Delta {
	var d Delta
	for p, old := range x.entries {
		cur, ok := next.entries[p]
		if !ok {
			d.Removed = append(d.Removed, p)
			continue
		}
		if cur.VCS != old.VCS || cur.BaseRevision != old.BaseRevision {
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range next.entries {
		if _, ok := x.entries[p]; !ok {
			d.Added = append(d.Added, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}
