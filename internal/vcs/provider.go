// Package vcs defines what the refresh cycle needs from a VCS backend.
package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"clsync/internal/change"
	"clsync/internal/dirty"
)

// Provider enumerates the changes inside a dirty scope. A recoverable
// failure is reported as an errors.VCSError; cancellation as
// errors.ErrCancelled or the context's error.
type Provider interface {
	Name() string
	Changes(ctx context.Context, scope *dirty.Scope, b Builder) error
}

// Builder receives what a Provider finds. Paths are absolute and
// slash-separated.
type Builder interface {
	// ProcessChange records c. A non-empty listName asks for a specific list.
	ProcessChange(c change.Change, listName string)
	ProcessUnversioned(p string)
	ProcessIgnored(p string)
	ProcessLockedFolder(p string)
	ProcessSwitched(p, branch string)
}

// Registry maps connector names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
