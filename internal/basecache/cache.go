// Package basecache caches the base-revision content of changed files by
// path. Entries are evicted from the path deltas of each refresh.
package basecache

import (
	"fmt"

	"clsync/internal/change"
	"clsync/internal/changelist"
	apperrors "clsync/internal/errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Changes resolves the current change at a path.
type Changes interface {
	ChangeAt(p string) (change.Change, bool)
}

// Loader fetches the base content of a change.
type Loader func(c change.Change) ([]byte, error)

type entry struct {
	revision string
	content  []byte
}

type Cache struct {
	changes Changes
	load    Loader
	lru     *lru.Cache[string, entry]
	logger  *zap.Logger
}

func New(changes Changes, load Loader, size int, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 256
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return &Cache{changes: changes, load: load, lru: l, logger: logger}, nil
}

// Get returns the base content of the change at p. Added files have none.
func (c *Cache) Get(p string) ([]byte, error) {
	ch, ok := c.changes.ChangeAt(p)
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("no change at %s", p))
	}
	rev := ch.BaseRevision()
	if ch.Before.IsZero() {
		return nil, apperrors.NotFound(fmt.Sprintf("%s has no base revision", p))
	}
	if e, ok := c.lru.Get(p); ok && e.revision == rev {
		return e.content, nil
	}

	content, err := c.load(ch)
	if err != nil {
		return nil, fmt.Errorf("loading base of %s: %w", p, err)
	}
	c.lru.Add(p, entry{revision: rev, content: content})
	return content, nil
}

// Invalidate evicts the given paths.
func (c *Cache) Invalidate(paths []string) {
	for _, p := range paths {
		c.lru.Remove(p)
	}
}

// HandleEvent is subscribed to the changelist events.
func (c *Cache) HandleEvent(e changelist.Event) {
	if pc, ok := e.(changelist.PathsChanged); ok {
		paths := pc.Delta.Paths()
		c.Invalidate(paths)
		c.logger.Debug("evicted base content", zap.Int("paths", len(paths)))
	}
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
