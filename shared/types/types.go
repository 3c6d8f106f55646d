// Package shared holds the JSON shapes exchanged between the server and
// its clients.
package shared

import (
	"encoding/json"
	"sort"

	"clsync/internal/change"
	"clsync/internal/changelist"
	"clsync/internal/errors"
	"clsync/internal/validation"
)

// Change is a change as rendered on the wire.
type Change struct {
	Path       string `json:"path"`
	Status     string `json:"status"`
	BeforePath string `json:"before_path,omitempty"`
	AfterPath  string `json:"after_path,omitempty"`
	BaseHash   string `json:"base_hash,omitempty"`
	VCS        string `json:"vcs"`
	List       string `json:"list,omitempty"`
}

func NewChange(c change.Change, list string) Change {
	return Change{
		Path:       c.Path(),
		Status:     c.Status().String(),
		BeforePath: c.Before.Path,
		AfterPath:  c.After.Path,
		BaseHash:   c.BaseRevision(),
		VCS:        c.VCS,
		List:       list,
	}
}

// ChangeList is a list with its changes.
type ChangeList struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Comment  string          `json:"comment,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Default  bool            `json:"default"`
	ReadOnly bool            `json:"read_only"`
	Changes  []Change        `json:"changes"`
}

func NewChangeList(l changelist.List, changes []change.Change) ChangeList {
	out := ChangeList{
		ID:       l.ID,
		Name:     l.Name,
		Comment:  l.Comment,
		Default:  l.Default,
		ReadOnly: l.ReadOnly,
		Changes:  make([]Change, 0, len(changes)),
	}
	if json.Valid(l.Data) {
		out.Data = json.RawMessage(l.Data)
	}
	for _, c := range changes {
		out.Changes = append(out.Changes, NewChange(c, l.Name))
	}
	sort.Slice(out.Changes, func(i, j int) bool {
		return out.Changes[i].Path < out.Changes[j].Path
	})
	return out
}

// Status is the whole working-copy picture.
type Status struct {
	Lists       []ChangeList      `json:"lists"`
	Unversioned []string          `json:"unversioned"`
	Ignored     []string          `json:"ignored"`
	Locked      []string          `json:"locked"`
	Switched    map[string]string `json:"switched,omitempty"`
	Ticket      uint64            `json:"ticket"`
	Available   bool              `json:"available"`
	Frozen      string            `json:"frozen,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

type CreateListRequest struct {
	Name    string          `json:"name"`
	Comment string          `json:"comment"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (r *CreateListRequest) Validate() error {
	return validation.Required(map[string]string{"name": r.Name})
}

// UpdateListRequest edits only the fields that are set.
type UpdateListRequest struct {
	Name     *string         `json:"name,omitempty"`
	Comment  *string         `json:"comment,omitempty"`
	ReadOnly *bool           `json:"read_only,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (r *UpdateListRequest) Validate() error {
	if r.Name != nil && *r.Name == "" {
		return errors.ValidationError("name cannot be empty", nil)
	}
	if r.Data != nil && !json.Valid(r.Data) {
		return errors.ValidationError("data must be JSON", nil)
	}
	return nil
}

type MoveRequest struct {
	Paths  []string `json:"paths"`
	Target string   `json:"target"`
}

func (r *MoveRequest) Validate() error {
	if err := validation.Required(map[string]string{"target": r.Target}); err != nil {
		return err
	}
	if len(r.Paths) == 0 {
		return errors.ValidationError("paths is required", nil)
	}
	return nil
}

type Move struct {
	Path string `json:"path"`
	From string `json:"from"`
	To   string `json:"to"`
}

type DirtyRequest struct {
	Paths      []string `json:"paths"`
	Everything bool     `json:"everything"`
}

func (r *DirtyRequest) Validate() error {
	if !r.Everything && len(r.Paths) == 0 {
		return errors.ValidationError("paths or everything is required", nil)
	}
	return nil
}

type Health struct {
	Status    string `json:"status"`
	Available bool   `json:"available"`
}
