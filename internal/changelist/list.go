// Package changelist holds the in-memory changelist state: the lists, the
// change-to-list assignment, partial trackers and the command queue that lets
// foreground edits ride through a background refresh.
package changelist

import (
	"bytes"
)

// DefaultListName is used when a snapshot has to invent its default list.
const DefaultListName = "Changes"

// List is the value state of one changelist. ID is assigned once and
// survives renames; Name is unique among sibling lists.
type List struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Comment  string `json:"comment,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Default  bool   `json:"default"`
	ReadOnly bool   `json:"read_only"`
}

func (l List) clone() List {
	if l.Data != nil {
		l.Data = bytes.Clone(l.Data)
	}
	return l
}

// Equal compares lists by value, including the data blob.
func (l List) Equal(o List) bool {
	return l.ID == o.ID &&
		l.Name == o.Name &&
		l.Comment == o.Comment &&
		l.Default == o.Default &&
		l.ReadOnly == o.ReadOnly &&
		bytes.Equal(l.Data, o.Data)
}
