package changelist

import (
	"clsync/internal/change"
	apperrors "clsync/internal/errors"

	"go.uber.org/zap"
)

// Modifier applies structural edits to the live snapshot. While a refresh
// is in flight each edit is also queued, so it can be replayed against the
// refreshed snapshot and notified once the refresh is merged. Outside a
// refresh edits are notified immediately.
//
// Like Worker, a Modifier is guarded by the owner's data lock.
type Modifier struct {
	worker   *Worker
	notifier Notifier
	logger   *zap.Logger

	insideUpdate bool
	queue        []command
	disposed     bool
}

func NewModifier(w *Worker, n Notifier, logger *zap.Logger) *Modifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Modifier{
		worker:   w,
		notifier: n,
		logger:   logger,
	}
}

func (m *Modifier) AddList(name, comment string, data []byte) (List, error) {
	cmd := &addListCmd{name: name, comment: comment, data: data}
	if err := m.run(cmd); err != nil {
		return List{}, err
	}
	return cmd.result, cmd.err
}

// RemoveList returns the changes that moved to the default list.
func (m *Modifier) RemoveList(name string) ([]change.Change, error) {
	cmd := &removeListCmd{name: name}
	if err := m.run(cmd); err != nil {
		return nil, err
	}
	return cmd.moved, cmd.err
}

func (m *Modifier) Rename(from, to string) (List, error) {
	cmd := &renameCmd{from: from, to: to}
	if err := m.run(cmd); err != nil {
		return List{}, err
	}
	return cmd.result, cmd.err
}

// SetDefault returns the previous default list.
func (m *Modifier) SetDefault(name string) (List, error) {
	cmd := &setDefaultCmd{name: name}
	if err := m.run(cmd); err != nil {
		return List{}, err
	}
	return cmd.old, cmd.err
}

func (m *Modifier) MoveChanges(changes []change.Change, target string) ([]Move, error) {
	cmd := &moveChangesCmd{changes: changes, target: target}
	if err := m.run(cmd); err != nil {
		return nil, err
	}
	return cmd.moves, cmd.err
}

// EditComment returns the previous comment.
func (m *Modifier) EditComment(name, comment string) (string, error) {
	cmd := &editCommentCmd{name: name, comment: comment}
	if err := m.run(cmd); err != nil {
		return "", err
	}
	return cmd.old, cmd.err
}

func (m *Modifier) EditData(name string, data []byte) (List, error) {
	cmd := &editDataCmd{name: name, data: data}
	if err := m.run(cmd); err != nil {
		return List{}, err
	}
	return cmd.result, cmd.err
}

func (m *Modifier) SetReadOnly(name string, readOnly bool) (List, error) {
	cmd := &setReadOnlyCmd{name: name, readOnly: readOnly}
	if err := m.run(cmd); err != nil {
		return List{}, err
	}
	return cmd.result, cmd.err
}

func (m *Modifier) run(cmd command) error {
	if m.disposed {
		m.logger.Warn("rejecting changelist edit after dispose")
		return apperrors.ErrDisposed
	}
	cmd.apply(m.worker)
	if m.insideUpdate {
		m.queue = append(m.queue, cmd)
		return nil
	}
	cmd.notify(m.notifier)
	return nil
}

// Notify publishes e, or queues it behind the pending edits while a refresh
// is in flight.
func (m *Modifier) Notify(e Event) error {
	return m.run(&eventCmd{event: e})
}

// EnterUpdate marks a refresh as in flight.
func (m *Modifier) EnterUpdate() {
	m.insideUpdate = true
}

// FinishUpdate replays every queued edit against refreshed, in order, then
// notifies them all and clears the queue. A nil refreshed means the refresh
// was abandoned: the edits already live in the current snapshot, so they
// are only notified.
func (m *Modifier) FinishUpdate(refreshed *Worker) {
	m.insideUpdate = false
	if refreshed != nil {
		for _, cmd := range m.queue {
			if err := cmd.replay(refreshed); err != nil {
				m.logger.Error("replaying changelist edit",
					zap.String("command", cmd.op()),
					zap.String("list", cmd.list()),
					zap.Error(err))
			}
		}
	}
	for _, cmd := range m.queue {
		cmd.notify(m.notifier)
	}
	m.queue = nil
}

func (m *Modifier) InsideUpdate() bool {
	return m.insideUpdate
}

// Pending returns the number of queued edits.
func (m *Modifier) Pending() int {
	return len(m.queue)
}

// Dispose rejects every later edit. Queued edits are flushed as if the
// refresh had been abandoned.
func (m *Modifier) Dispose() {
	if m.disposed {
		return
	}
	if m.insideUpdate {
		m.FinishUpdate(nil)
	}
	m.disposed = true
}
