package changelist

import (
	"fmt"

	"clsync/internal/change"
)

// command is one structural edit. apply runs it against the live snapshot
// and records the outcome; replay re-runs it against a refreshed snapshot
// without touching the recorded outcome; notify publishes that outcome.
type command interface {
	apply(w *Worker)
	replay(w *Worker) error
	notify(n Notifier)
	op() string
	list() string
}

type addListCmd struct {
	name    string
	comment string
	data    []byte

	result List
	err    error
}

func (c *addListCmd) apply(w *Worker) {
	c.result, c.err = w.AddList(c.name, c.comment, c.data)
}

func (c *addListCmd) replay(w *Worker) error {
	if c.err == nil && !w.putList(c.result) {
		return fmt.Errorf("list %q already exists", c.result.Name)
	}
	return nil
}

func (c *addListCmd) op() string   { return "add-list" }
func (c *addListCmd) list() string { return c.name }

func (c *addListCmd) notify(n Notifier) {
	if c.err == nil {
		n.Publish(ListAdded{List: c.result})
	}
}

type removeListCmd struct {
	name string

	removed List
	moved   []change.Change
	err     error
}

func (c *removeListCmd) apply(w *Worker) {
	c.removed, _ = w.List(c.name)
	c.moved, c.err = w.RemoveList(c.name)
}

func (c *removeListCmd) replay(w *Worker) error {
	if c.err != nil {
		return nil
	}
	_, err := w.RemoveList(c.name)
	return err
}

func (c *removeListCmd) op() string   { return "remove-list" }
func (c *removeListCmd) list() string { return c.name }

func (c *removeListCmd) notify(n Notifier) {
	if c.err == nil {
		n.Publish(ListRemoved{List: c.removed, MovedChanges: c.moved})
	}
}

type renameCmd struct {
	from string
	to   string

	result List
	err    error
}

func (c *renameCmd) apply(w *Worker) {
	c.result, c.err = w.Rename(c.from, c.to)
}

func (c *renameCmd) replay(w *Worker) error {
	if c.err != nil {
		return nil
	}
	_, err := w.Rename(c.from, c.to)
	return err
}

func (c *renameCmd) op() string   { return "rename" }
func (c *renameCmd) list() string { return c.from }

func (c *renameCmd) notify(n Notifier) {
	if c.err == nil && c.from != c.to {
		n.Publish(ListRenamed{List: c.result, OldName: c.from})
	}
}

type setDefaultCmd struct {
	name string

	old     List
	result  List
	changed bool
	err     error
}

func (c *setDefaultCmd) apply(w *Worker) {
	c.old, c.changed, c.err = w.SetDefault(c.name)
	c.result, _ = w.List(c.name)
}

func (c *setDefaultCmd) replay(w *Worker) error {
	if c.err != nil || !c.changed {
		return nil
	}
	_, _, err := w.SetDefault(c.name)
	return err
}

func (c *setDefaultCmd) op() string   { return "set-default" }
func (c *setDefaultCmd) list() string { return c.name }

func (c *setDefaultCmd) notify(n Notifier) {
	if c.err == nil && c.changed {
		n.Publish(DefaultListChanged{Old: c.old, New: c.result})
	}
}

type moveChangesCmd struct {
	changes []change.Change
	target  string

	moves []Move
	err   error
}

func (c *moveChangesCmd) apply(w *Worker) {
	c.moves, c.err = w.MoveChanges(c.changes, c.target)
}

func (c *moveChangesCmd) replay(w *Worker) error {
	if c.err != nil {
		return nil
	}
	_, err := w.MoveChanges(c.changes, c.target)
	return err
}

func (c *moveChangesCmd) op() string   { return "move-changes" }
func (c *moveChangesCmd) list() string { return c.target }

// notify groups the moves by source list, in first-seen order.
func (c *moveChangesCmd) notify(n Notifier) {
	if c.err != nil || len(c.moves) == 0 {
		return
	}
	var order []string
	byFrom := make(map[string][]change.Change)
	for _, m := range c.moves {
		if _, ok := byFrom[m.FromID]; !ok {
			order = append(order, m.FromID)
		}
		byFrom[m.FromID] = append(byFrom[m.FromID], m.Change)
	}
	to := c.moves[0].ToID
	for _, from := range order {
		n.Publish(ChangesMoved{Changes: byFrom[from], FromID: from, ToID: to})
	}
}

type editCommentCmd struct {
	name    string
	comment string

	old    string
	result List
	err    error
}

func (c *editCommentCmd) apply(w *Worker) {
	c.old, c.err = w.EditComment(c.name, c.comment)
	c.result, _ = w.List(c.name)
}

func (c *editCommentCmd) replay(w *Worker) error {
	if c.err != nil {
		return nil
	}
	_, err := w.EditComment(c.name, c.comment)
	return err
}

func (c *editCommentCmd) op() string   { return "edit-comment" }
func (c *editCommentCmd) list() string { return c.name }

func (c *editCommentCmd) notify(n Notifier) {
	if c.err == nil && c.old != c.comment {
		n.Publish(ListCommentChanged{List: c.result, OldComment: c.old})
	}
}

type editDataCmd struct {
	name string
	data []byte

	result List
	err    error
}

func (c *editDataCmd) apply(w *Worker) {
	_, c.err = w.EditData(c.name, c.data)
	c.result, _ = w.List(c.name)
}

func (c *editDataCmd) replay(w *Worker) error {
	if c.err != nil {
		return nil
	}
	_, err := w.EditData(c.name, c.data)
	return err
}

func (c *editDataCmd) op() string   { return "edit-data" }
func (c *editDataCmd) list() string { return c.name }

func (c *editDataCmd) notify(n Notifier) {
	if c.err == nil {
		n.Publish(ListDataChanged{List: c.result})
	}
}

type setReadOnlyCmd struct {
	name     string
	readOnly bool

	changed bool
	result  List
	err     error
}

func (c *setReadOnlyCmd) apply(w *Worker) {
	c.changed, c.err = w.SetReadOnly(c.name, c.readOnly)
	c.result, _ = w.List(c.name)
}

func (c *setReadOnlyCmd) replay(w *Worker) error {
	if c.err != nil || !c.changed {
		return nil
	}
	_, err := w.SetReadOnly(c.name, c.readOnly)
	return err
}

func (c *setReadOnlyCmd) op() string   { return "set-read-only" }
func (c *setReadOnlyCmd) list() string { return c.name }

func (c *setReadOnlyCmd) notify(n Notifier) {
	if c.err == nil && c.changed {
		n.Publish(ListChanged{List: c.result})
	}
}

// eventCmd carries a notification for a mutation the Modifier did not run
// itself, so it is delivered in order with the queued edits.
type eventCmd struct {
	event Event
}

func (c *eventCmd) apply(w *Worker)        {}
func (c *eventCmd) replay(w *Worker) error { return nil }
func (c *eventCmd) notify(n Notifier)      { n.Publish(c.event) }
func (c *eventCmd) op() string             { return c.event.Kind() }
func (c *eventCmd) list() string           { return "" }
