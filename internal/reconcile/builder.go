package reconcile

import (
	"clsync/internal/change"
	"clsync/internal/changelist"
	"clsync/internal/dirty"

	"go.uber.org/zap"
)

// scopeBuilder routes what a provider reports for one dirty scope into the
// refresh clone. Every change under the scope is dropped when the scope
// starts; the list it was in is remembered by path so a re-reported change
// lands back in it.
type scopeBuilder struct {
	worker  *changelist.Worker
	holders holders
	scope   *dirty.Scope
	logger  *zap.Logger

	// previous is shared by every scope of a cycle.
	previous  map[string]string
	deletions []reported
}

type reported struct {
	c        change.Change
	listName string
}

func newScopeBuilder(w *changelist.Worker, h holders, scope *dirty.Scope, previous map[string]string, logger *zap.Logger) *scopeBuilder {
	b := &scopeBuilder{
		worker:   w,
		holders:  h,
		scope:    scope,
		logger:   logger,
		previous: previous,
	}
	for _, c := range w.ChangesUnder(scope.Covers) {
		rememberList(w, c, previous)
		w.RemoveChange(c)
	}
	h.cleanUnder(scope.Covers)
	return b
}

func rememberList(w *changelist.Worker, c change.Change, previous map[string]string) {
	id, ok := w.ListIDOf(c)
	if !ok {
		return
	}
	for _, p := range c.Paths() {
		previous[p] = id
	}
}

func (b *scopeBuilder) ProcessChange(c change.Change, listName string) {
	if !c.IsValid() {
		b.logger.Error("provider reported an empty change", zap.String("root", b.scope.Root))
		return
	}
	if c.Status() == change.StatusDeleted {
		b.deletions = append(b.deletions, reported{c: c, listName: listName})
		return
	}
	b.add(c, listName)
}

func (b *scopeBuilder) add(c change.Change, listName string) {
	listID := b.listFor(c, listName)
	b.worker.AddChange(c, listID)
	for _, p := range c.Paths() {
		b.holders.unversioned.remove(p)
	}
}

// listFor picks the list for c: the one the provider named, then the list
// of a change already occupying one of its paths, then the list remembered
// from before the scope started. Empty means default.
func (b *scopeBuilder) listFor(c change.Change, listName string) string {
	if listName != "" {
		if l, ok := b.worker.List(listName); ok {
			return l.ID
		}
		b.logger.Warn("provider named an unknown list", zap.String("list", listName), zap.Stringer("change", c))
	}
	paths := c.Paths()
	for i := len(paths) - 1; i >= 0; i-- {
		if old, ok := b.worker.ChangeAt(paths[i]); ok && old != c {
			if id, ok := b.worker.ListIDOf(old); ok {
				return id
			}
		}
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if id, ok := b.previous[paths[i]]; ok {
			return id
		}
	}
	return ""
}

func (b *scopeBuilder) ProcessUnversioned(p string) {
	b.holders.unversioned.add(p, "")
}

func (b *scopeBuilder) ProcessIgnored(p string) {
	b.holders.ignored.add(p, "")
}

func (b *scopeBuilder) ProcessLockedFolder(p string) {
	b.holders.locked.add(p, "")
}

func (b *scopeBuilder) ProcessSwitched(p, branch string) {
	b.holders.switched.add(p, branch)
}

// finish applies the buffered deletions. A deletion whose path is already
// the source of a move is dropped.
func (b *scopeBuilder) finish() {
	for _, d := range b.deletions {
		p := d.c.Before.Path
		if old, ok := b.worker.ChangeAt(p); ok && old.IsMoveOrRename() && old.Before.Path == p {
			b.logger.Debug("dropping deletion claimed by a move", zap.String("path", p))
			continue
		}
		b.add(d.c, d.listName)
	}
	b.deletions = nil
}
