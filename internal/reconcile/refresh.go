package reconcile

import (
	"context"
	"time"

	"clsync/internal/changelist"
	"clsync/internal/dirty"
	apperrors "clsync/internal/errors"

	"go.uber.org/zap"
)

// refresh runs one cycle on the lane. It returns false when the cycle was
// cancelled; the dirty scopes are then restored and the live snapshot is
// left as it was.
func (m *Manager) refresh(ctx context.Context) bool {
	batch := m.dirty.Retrieve()
	if batch.IsEmpty() {
		m.mu.Lock()
		m.ticket++
		m.mu.Unlock()
		return true
	}

	start := time.Now()
	m.events.Publish(changelist.UpdateStarted{})

	m.mu.Lock()
	m.modifier.EnterUpdate()
	clone := m.worker.Copy()
	held := m.holders.copy()
	m.mu.Unlock()

	previous := make(map[string]string)
	if batch.Everything {
		// Each scope clears its own root; drop what no root covers.
		outside := func(p string) bool {
			for _, s := range batch.Scopes {
				if s.Covers(p) {
					return false
				}
			}
			return true
		}
		for _, c := range clone.ChangesUnder(outside) {
			clone.RemoveChange(c)
		}
		held.cleanUnder(outside)
	}

	var (
		updateErr error
		cancelled bool
	)
	for i, scope := range batch.Scopes {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		provider, ok := m.providers.Get(scope.VCS)
		if !ok {
			m.logger.Error("no provider for scope", zap.String("root", scope.Root), zap.String("vcs", scope.VCS))
			continue
		}

		backup, heldBackup := clone.Copy(), held.copy()
		b := newScopeBuilder(clone, held, scope, previous, m.logger)
		err := provider.Changes(ctx, scope, b)
		if err == nil {
			b.finish()
			continue
		}
		if apperrors.IsCancelled(err) {
			cancelled = true
			break
		}

		m.logger.Warn("provider failed", zap.String("root", scope.Root), zap.Error(err))
		clone, held = backup, heldBackup
		updateErr = err
		m.dirty.Restore(dirty.Batch{Scopes: batch.Scopes[i:]})
		break
	}

	m.mu.Lock()
	// A provider may finish its scan after the cycle was cancelled or the
	// manager disposed; its result must not replace the live lists.
	if cancelled || ctx.Err() != nil || m.disposed.Load() {
		m.modifier.FinishUpdate(nil)
		m.mu.Unlock()
		m.dirty.Restore(batch)
		m.events.Publish(changelist.UpdateFinished{Err: apperrors.ErrCancelled})
		m.logger.Debug("refresh cancelled", zap.Duration("elapsed", time.Since(start)))
		return false
	}

	collector := changelist.NewDeltaCollector()
	m.modifier.FinishUpdate(clone)
	delta := m.worker.ApplyFromRefresh(clone, collector)
	m.holders = held
	m.lastErr = updateErr
	m.ticket++
	becameAvailable := !m.available && !m.disposed.Load()
	if becameAvailable {
		m.available = true
	}
	for _, e := range collector.Events() {
		m.events.Publish(e)
	}
	if !delta.IsEmpty() {
		m.events.Publish(changelist.PathsChanged{Delta: delta})
	}
	m.events.Publish(changelist.UpdateFinished{Err: updateErr})
	if becameAvailable {
		m.events.Publish(changelist.AvailabilityChanged{Available: true})
	}
	m.mu.Unlock()

	m.logger.Debug("refresh merged",
		zap.Int("scopes", len(batch.Scopes)),
		zap.Bool("everything", batch.Everything),
		zap.Int("added", len(delta.Added)),
		zap.Int("removed", len(delta.Removed)),
		zap.Int("modified", len(delta.Modified)),
		zap.Duration("elapsed", time.Since(start)))
	return true
}
