// Package dirty accumulates the paths that need rescanning, per VCS root,
// until the next refresh cycle takes them.
package dirty

import (
	"path"
	"sort"
	"strings"
)

// Scope is the dirty set of one VCS root. Paths are slash-separated and
// relative to Root.
type Scope struct {
	Root       string
	VCS        string
	Files      map[string]struct{}
	Dirs       map[string]struct{}
	Everything bool
}

func NewScope(root, vcs string) *Scope {
	return &Scope{
		Root:  root,
		VCS:   vcs,
		Files: make(map[string]struct{}),
		Dirs:  make(map[string]struct{}),
	}
}

// Clean normalizes a root-relative path. The root itself is ".".
func Clean(p string) string {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	if p == "" {
		return "."
	}
	return p
}

func (s *Scope) AddFile(p string) {
	p = Clean(p)
	if p == "." {
		s.Everything = true
		return
	}
	s.Files[p] = struct{}{}
}

func (s *Scope) AddDir(p string) {
	p = Clean(p)
	if p == "." {
		s.Everything = true
		return
	}
	s.Dirs[p] = struct{}{}
}

// Contains reports whether p is covered by the scope.
func (s *Scope) Contains(p string) bool {
	if s.Everything {
		return true
	}
	p = Clean(p)
	if _, ok := s.Files[p]; ok {
		return true
	}
	for d := range s.Dirs {
		if p == d || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

// Covers is Contains for an absolute path. Paths outside Root are never covered.
func (s *Scope) Covers(abs string) bool {
	rel, ok := Rel(s.Root, abs)
	return ok && s.Contains(rel)
}

// Rel returns abs relative to root, or false when abs is not under root.
func Rel(root, abs string) (string, bool) {
	root, abs = path.Clean(root), path.Clean(abs)
	switch {
	case abs == root:
		return ".", true
	case root == "/":
		return strings.TrimPrefix(abs, "/"), strings.HasPrefix(abs, "/")
	case strings.HasPrefix(abs, root+"/"):
		return abs[len(root)+1:], true
	}
	return "", false
}

func (s *Scope) IsEmpty() bool {
	return !s.Everything && len(s.Files) == 0 && len(s.Dirs) == 0
}

// Merge adds o's paths to s.
func (s *Scope) Merge(o *Scope) {
	if o.Everything {
		s.Everything = true
	}
	for f := range o.Files {
		s.Files[f] = struct{}{}
	}
	for d := range o.Dirs {
		s.Dirs[d] = struct{}{}
	}
}

// SortedFiles returns the dirty files in path order.
func (s *Scope) SortedFiles() []string {
	return sortedKeys(s.Files)
}

// SortedDirs returns the dirty directories in path order, without the ones
// already covered by an ancestor.
func (s *Scope) SortedDirs() []string {
	kept := make(map[string]struct{}, len(s.Dirs))
	var out []string
	for _, d := range sortedKeys(s.Dirs) {
		if coveredBy(d, kept) {
			continue
		}
		kept[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func coveredBy(d string, dirs map[string]struct{}) bool {
	for p := path.Dir(d); p != "."; p = path.Dir(p) {
		if _, ok := dirs[p]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Batch is everything taken by one Retrieve.
type Batch struct {
	Scopes []*Scope
	// Everything means every registered root is dirty and previously
	// known changes must not survive unless rescanned.
	Everything bool
}

func (b Batch) IsEmpty() bool {
	if b.Everything {
		return false
	}
	for _, s := range b.Scopes {
		if !s.IsEmpty() {
			return false
		}
	}
	return true
}
