// Package reconcile keeps the changelist snapshot in step with the working
// copy. Foreground edits apply to the live snapshot at once; refresh cycles
// run on a background lane against a clone that is merged back under the
// data lock.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clsync/internal/change"
	"clsync/internal/changelist"
	"clsync/internal/dirty"
	apperrors "clsync/internal/errors"
	"clsync/internal/fanout"
	"clsync/internal/lane"
	"clsync/internal/scheduler"
	"clsync/internal/vcs"

	"go.uber.org/zap"
)

type Options struct {
	Delay      time.Duration
	RetryDelay time.Duration
}

// Manager is the changelist manager. Its methods must not be called from
// event subscribers with the exception of queries.
type Manager struct {
	// mu is the data lock. It guards every field below it and is never held
	// across a provider call.
	mu        sync.Mutex
	worker    *changelist.Worker
	modifier  *changelist.Modifier
	holders   holders
	lastErr   error
	ticket    uint64
	available bool

	lane      *lane.Lane
	events    *fanout.Notificator[changelist.Event]
	queue     *scheduler.Queue
	dirty     *dirty.Manager
	providers *vcs.Registry

	freezeMu sync.Mutex
	freezes  []string

	heavy    atomic.Int32
	started  atomic.Bool
	disposed atomic.Bool
	logger   *zap.Logger
}

func NewManager(d *dirty.Manager, providers *vcs.Registry, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("changelists")

	l := lane.New(logger.Named("lane"))
	events := fanout.New[changelist.Event](l, logger.Named("events"))
	worker := changelist.NewWorker(logger)

	m := &Manager{
		worker:    worker,
		modifier:  changelist.NewModifier(worker, events, logger),
		holders:   newHolders(),
		lane:      l,
		events:    events,
		dirty:     d,
		providers: providers,
		logger:    logger,
	}
	m.queue = scheduler.New(l, m.refresh, scheduler.Options{
		Delay:      opts.Delay,
		RetryDelay: opts.RetryDelay,
		HasWork:    d.HasDirty,
		Ready:      m.ready,
	}, logger.Named("scheduler"))
	return m
}

func (m *Manager) ready() bool {
	return m.started.Load() && m.heavy.Load() == 0
}

// Start allows refreshes to run and schedules the first one.
func (m *Manager) Start() {
	if m.disposed.Load() {
		return
	}
	m.started.Store(true)
	m.queue.Schedule(false)
}

// Dispose stops the scheduler, releases waiters and rejects later edits.
// Queued events are still delivered.
func (m *Manager) Dispose() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	m.queue.Stop()

	m.mu.Lock()
	m.modifier.Dispose()
	wasAvailable := m.available
	m.available = false
	m.mu.Unlock()

	if wasAvailable {
		m.events.Publish(changelist.AvailabilityChanged{Available: false})
	}
	m.lane.Close()
	m.logger.Debug("disposed")
}

// Subscribe registers fn for every event and returns the unsubscribe func.
// fn runs on the background lane.
func (m *Manager) Subscribe(fn func(changelist.Event)) func() {
	return m.events.Subscribe(fn)
}

// Seed replaces the lists, typically with the persisted ones.
func (m *Manager) Seed(lists []changelist.List) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worker.Seed(lists)
}

// Snapshot returns the lists for persistence.
func (m *Manager) Snapshot() []changelist.List {
	return m.Lists()
}

// Foreground edits.

func (m *Manager) AddList(name, comment string, data []byte) (changelist.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.AddList(name, comment, data)
}

// RemoveList returns the changes moved to the default list.
func (m *Manager) RemoveList(name string) ([]change.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.RemoveList(name)
}

func (m *Manager) RenameList(from, to string) (changelist.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.Rename(from, to)
}

// SetDefaultList returns the previous default list.
func (m *Manager) SetDefaultList(name string) (changelist.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.SetDefault(name)
}

// EditComment returns the previous comment.
func (m *Manager) EditComment(name, comment string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.EditComment(name, comment)
}

func (m *Manager) EditData(name string, data []byte) (changelist.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.EditData(name, data)
}

func (m *Manager) SetReadOnly(name string, readOnly bool) (changelist.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.SetReadOnly(name, readOnly)
}

func (m *Manager) MoveChanges(changes []change.Change, target string) ([]changelist.Move, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifier.MoveChanges(changes, target)
}

// MoveChangesByPath moves the changes at the given paths. Paths without a
// change are ignored.
func (m *Manager) MoveChangesByPath(paths []string, target string) ([]changelist.Move, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changes []change.Change
	for _, p := range paths {
		if c, ok := m.worker.ChangeAt(p); ok {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return nil, apperrors.NotFound("no changes at the given paths")
	}
	return m.modifier.MoveChanges(changes, target)
}

// RegisterPartialTracker hands the change at p to t. Listeners of the list
// that held it are told it changed.
func (m *Manager) RegisterPartialTracker(p string, t changelist.PartialTracker) error {
	if m.disposed.Load() {
		return apperrors.ErrDisposed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worker.TrackerAt(p); ok {
		return apperrors.Conflict(fmt.Sprintf("%s is already tracked", p))
	}
	prior, had := m.worker.RegisterPartialTracker(p, t)
	if had {
		return m.modifier.Notify(changelist.ListChanged{List: prior})
	}
	return nil
}

func (m *Manager) UnregisterPartialTracker(p string, t changelist.PartialTracker) error {
	if m.disposed.Load() {
		return apperrors.ErrDisposed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.worker.TrackerAt(p); !ok || cur != t {
		return apperrors.NotFound(fmt.Sprintf("%s is not tracked by this tracker", p))
	}
	target, had := m.worker.UnregisterPartialTracker(p, t)
	if had {
		return m.modifier.Notify(changelist.ListChanged{List: target})
	}
	return nil
}

// Queries.

func (m *Manager) Lists() []changelist.List {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.Lists()
}

func (m *Manager) List(name string) (changelist.List, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.List(name)
}

func (m *Manager) DefaultList() changelist.List {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.DefaultList()
}

func (m *Manager) ListOf(c change.Change) (changelist.List, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.ListOf(c)
}

func (m *Manager) ChangesIn(name string) ([]change.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.worker.List(name)
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("list %q not found", name))
	}
	return m.worker.ChangesIn(l.ID), nil
}

func (m *Manager) AllChanges() []change.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.AllChanges()
}

func (m *Manager) ChangeAt(p string) (change.Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.ChangeAt(p)
}

func (m *Manager) Unversioned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holders.unversioned.Paths()
}

func (m *Manager) Ignored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holders.ignored.Paths()
}

func (m *Manager) LockedFolders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holders.locked.Paths()
}

// Switched maps switched paths to their branch.
func (m *Manager) Switched() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holders.switched.Details()
}

// LastUpdateError is the provider error of the last merged cycle, if any.
func (m *Manager) LastUpdateError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Ticket increments once per completed cycle, merged or skipped.
func (m *Manager) Ticket() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticket
}

func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Validate checks the live snapshot invariants.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker.Validate()
}

// Scheduling.

// Schedule requests a refresh. See scheduler.Queue.Schedule for fastTrack.
func (m *Manager) Schedule(fastTrack bool) {
	m.queue.Schedule(fastTrack)
}

// ForceUpdate marks everything dirty and starts a refresh without delay.
func (m *Manager) ForceUpdate() {
	m.dirty.MarkEverything()
	m.queue.Schedule(true)
}

// WaitForUpdate blocks until the next refresh completes or ctx ends.
// It must not be called with the data lock held or from the lane.
func (m *Manager) WaitForUpdate(ctx context.Context) error {
	return m.queue.InvokeAfterUpdate(ctx, "wait for update", func() {}, scheduler.Mode{
		Silent:      true,
		Synchronous: true,
		Cancellable: true,
	})
}

// InvokeAfterUpdate runs fn after the next completed refresh.
func (m *Manager) InvokeAfterUpdate(ctx context.Context, name string, fn func(), mode scheduler.Mode) error {
	return m.queue.InvokeAfterUpdate(ctx, name, fn, mode)
}

// Freeze pauses refreshes until the matching Unfreeze. The first freeze
// blocks until an in-flight refresh has been merged.
func (m *Manager) Freeze(reason string) {
	m.freezeMu.Lock()
	defer m.freezeMu.Unlock()
	m.freezes = append(m.freezes, reason)
	if len(m.freezes) == 1 {
		m.logger.Debug("freezing", zap.String("reason", reason))
		m.queue.Pause()
	}
}

func (m *Manager) Unfreeze(reason string) {
	m.freezeMu.Lock()
	defer m.freezeMu.Unlock()
	for i, r := range m.freezes {
		if r == reason {
			m.freezes = append(m.freezes[:i], m.freezes[i+1:]...)
			break
		}
	}
	if len(m.freezes) == 0 {
		m.logger.Debug("unfreezing", zap.String("reason", reason))
		m.queue.Go()
	}
}

// IsFrozen returns the oldest active freeze reason.
func (m *Manager) IsFrozen() (string, bool) {
	m.freezeMu.Lock()
	defer m.freezeMu.Unlock()
	if len(m.freezes) == 0 {
		return "", false
	}
	return m.freezes[0], true
}

// BeginHeavyOperation postpones refreshes until the returned func is called.
func (m *Manager) BeginHeavyOperation() func() {
	m.heavy.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			if m.heavy.Add(-1) == 0 {
				m.queue.Schedule(false)
			}
		})
	}
}

// CancelUpdate cancels the in-flight refresh. It is retried later.
func (m *Manager) CancelUpdate() {
	m.queue.CancelRunning()
}
