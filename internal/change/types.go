// internal/change/types.go
package change

import (
	"fmt"
	"path"
)

// Status is derived from which endpoints a Change carries.
type Status int

const (
	StatusUnknown Status = iota
	StatusAdded
	StatusModified
	StatusDeleted
	StatusMoved
	StatusRenamed
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusModified:
		return "modified"
	case StatusDeleted:
		return "deleted"
	case StatusMoved:
		return "moved"
	case StatusRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Revision is one endpoint of a Change. A zero Path means the endpoint is absent.
type Revision struct {
	Path   string `json:"path"`
	Number string `json:"number,omitempty"`
}

// IsZero reports whether the endpoint is absent.
func (r Revision) IsZero() bool {
	return r.Path == ""
}

// Change is an immutable difference between the checked-in state and the
// working copy. It is comparable and used directly as a map key.
type Change struct {
	Before Revision `json:"before"`
	After  Revision `json:"after"`
	VCS    string   `json:"vcs"`
}

// New builds a change owned by the named VCS connector.
func New(vcs string, before, after Revision) Change {
	return Change{
		Before: clean(before),
		After:  clean(after),
		VCS:    vcs,
	}
}

// Modified is shorthand for a change that keeps its path.
func Modified(vcs, p, baseRev string) Change {
	return New(vcs, Revision{Path: p, Number: baseRev}, Revision{Path: p})
}

// Added is shorthand for a change with no base revision.
func Added(vcs, p string) Change {
	return New(vcs, Revision{}, Revision{Path: p})
}

// Deleted is shorthand for a change with no working copy.
func Deleted(vcs, p, baseRev string) Change {
	return New(vcs, Revision{Path: p, Number: baseRev}, Revision{})
}

func clean(r Revision) Revision {
	if r.Path == "" {
		return Revision{}
	}
	r.Path = path.Clean(r.Path)
	return r
}

// Status derives the kind of change from its endpoints.
func (c Change) Status() Status {
	switch {
	case c.Before.IsZero() && c.After.IsZero():
		return StatusUnknown
	case c.Before.IsZero():
		return StatusAdded
	case c.After.IsZero():
		return StatusDeleted
	case c.Before.Path == c.After.Path:
		return StatusModified
	case path.Dir(c.Before.Path) == path.Dir(c.After.Path):
		return StatusRenamed
	default:
		return StatusMoved
	}
}

// IsValid reports whether at least one endpoint is present.
func (c Change) IsValid() bool {
	return !c.Before.IsZero() || !c.After.IsZero()
}

// IsMoveOrRename reports whether the endpoints name distinct paths.
func (c Change) IsMoveOrRename() bool {
	s := c.Status()
	return s == StatusMoved || s == StatusRenamed
}

// Path is the path a change is known by: the working copy path when present.
func (c Change) Path() string {
	if !c.After.IsZero() {
		return c.After.Path
	}
	return c.Before.Path
}

// Paths returns every distinct path the change touches, before first.
func (c Change) Paths() []string {
	switch {
	case c.Before.IsZero():
		return []string{c.After.Path}
	case c.After.IsZero() || c.Before.Path == c.After.Path:
		return []string{c.Before.Path}
	default:
		return []string{c.Before.Path, c.After.Path}
	}
}

// AffectsPath reports whether either endpoint names p.
func (c Change) AffectsPath(p string) bool {
	p = path.Clean(p)
	return c.Before.Path == p || c.After.Path == p
}

// BaseRevision is the checked-in revision number the change is relative to.
func (c Change) BaseRevision() string {
	if !c.Before.IsZero() {
		return c.Before.Number
	}
	return c.After.Number
}

func (c Change) String() string {
	switch c.Status() {
	case StatusAdded:
		return fmt.Sprintf("A %s", c.After.Path)
	case StatusDeleted:
		return fmt.Sprintf("D %s", c.Before.Path)
	case StatusModified:
		return fmt.Sprintf("M %s", c.After.Path)
	case StatusMoved, StatusRenamed:
		return fmt.Sprintf("R %s -> %s", c.Before.Path, c.After.Path)
	default:
		return "?"
	}
}
