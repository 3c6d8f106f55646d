package reconcile

import (
	"path"
	"sort"
)

// FileHolder tracks paths the scan reports outside of changes: unversioned,
// ignored, locked or switched files. The value is an optional detail such
// as the branch of a switched file.
type FileHolder struct {
	paths map[string]string
}

func newFileHolder() *FileHolder {
	return &FileHolder{paths: make(map[string]string)}
}

func (h *FileHolder) add(p, detail string) {
	h.paths[path.Clean(p)] = detail
}

func (h *FileHolder) remove(p string) {
	delete(h.paths, path.Clean(p))
}

func (h *FileHolder) cleanUnder(in func(p string) bool) {
	for p := range h.paths {
		if in(p) {
			delete(h.paths, p)
		}
	}
}

func (h *FileHolder) copy() *FileHolder {
	c := newFileHolder()
	for p, d := range h.paths {
		c.paths[p] = d
	}
	return c
}

func (h *FileHolder) Contains(p string) bool {
	_, ok := h.paths[path.Clean(p)]
	return ok
}

// Paths returns the held paths in order.
func (h *FileHolder) Paths() []string {
	out := make([]string, 0, len(h.paths))
	for p := range h.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Details returns a copy of the path to detail map.
func (h *FileHolder) Details() map[string]string {
	out := make(map[string]string, len(h.paths))
	for p, d := range h.paths {
		out[p] = d
	}
	return out
}

// holders groups the file holders that are rebuilt alongside the snapshot.
type holders struct {
	unversioned *FileHolder
	ignored     *FileHolder
	locked      *FileHolder
	switched    *FileHolder
}

func newHolders() holders {
	return holders{
		unversioned: newFileHolder(),
		ignored:     newFileHolder(),
		locked:      newFileHolder(),
		switched:    newFileHolder(),
	}
}

func (h holders) copy() holders {
	return holders{
		unversioned: h.unversioned.copy(),
		ignored:     h.ignored.copy(),
		locked:      h.locked.copy(),
		switched:    h.switched.copy(),
	}
}

func (h holders) cleanUnder(in func(p string) bool) {
	for _, fh := range []*FileHolder{h.unversioned, h.ignored, h.locked, h.switched} {
		fh.cleanUnder(in)
	}
}
