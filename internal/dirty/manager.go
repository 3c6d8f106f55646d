package dirty

import (
	"fmt"
	"sort"
	"sync"

	apperrors "clsync/internal/errors"

	"go.uber.org/zap"
)

// Manager is the dirty-scope producer. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	roots      map[string]string
	scopes     map[string]*Scope
	everything bool
	logger     *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		roots:  make(map[string]string),
		scopes: make(map[string]*Scope),
		logger: logger,
	}
}

// AddRoot registers a VCS root. A new root is dirty in full.
func (m *Manager) AddRoot(root, vcs string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[root] = vcs
	m.scopeLocked(root).Everything = true
}

func (m *Manager) RemoveRoot(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roots, root)
	delete(m.scopes, root)
}

// Roots returns the registered roots in order.
func (m *Manager) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.roots))
	for r := range m.roots {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) scopeLocked(root string) *Scope {
	s, ok := m.scopes[root]
	if !ok {
		s = NewScope(root, m.roots[root])
		m.scopes[root] = s
	}
	return s
}

func (m *Manager) MarkFile(root, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roots[root]; !ok {
		return apperrors.NotFound(fmt.Sprintf("unknown root %q", root))
	}
	m.scopeLocked(root).AddFile(p)
	return nil
}

// MarkDir marks a directory dirty recursively.
func (m *Manager) MarkDir(root, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roots[root]; !ok {
		return apperrors.NotFound(fmt.Sprintf("unknown root %q", root))
	}
	m.scopeLocked(root).AddDir(dir)
	return nil
}

func (m *Manager) MarkEverything() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.everything = true
}

// HasDirty is the cheap check behind fast-track scheduling.
func (m *Manager) HasDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.everything {
		return true
	}
	for _, s := range m.scopes {
		if !s.IsEmpty() {
			return true
		}
	}
	return false
}

// Retrieve takes and clears everything accumulated so far. Scopes come in
// root order.
func (m *Manager) Retrieve() Batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := Batch{Everything: m.everything}
	roots := make([]string, 0, len(m.roots))
	for r := range m.roots {
		roots = append(roots, r)
	}
	sort.Strings(roots)
	for _, r := range roots {
		s, ok := m.scopes[r]
		if m.everything {
			s = NewScope(r, m.roots[r])
			s.Everything = true
		} else if !ok || s.IsEmpty() {
			continue
		}
		b.Scopes = append(b.Scopes, s)
	}
	m.scopes = make(map[string]*Scope)
	m.everything = false

	m.logger.Debug("retrieved dirty scopes", zap.Int("scopes", len(b.Scopes)), zap.Bool("everything", b.Everything))
	return b
}

// Restore puts back a batch whose cycle did not complete.
func (m *Manager) Restore(b Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Everything {
		m.everything = true
	}
	for _, s := range b.Scopes {
		if _, ok := m.roots[s.Root]; !ok {
			continue
		}
		m.scopeLocked(s.Root).Merge(s)
	}
}
