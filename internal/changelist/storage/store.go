// internal/changelist/storage/store.go
package storage

import (
	"fmt"
	"sort"

	"clsync/internal/changelist"
	"clsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
)

// Store persists changelists. Only list metadata is stored; assignments are
// rebuilt by the next refresh.
type Store struct {
	store *storage.BadgerStore
}

func NewStore(db *badger.DB) *Store {
	return &Store{
		store: storage.NewBadgerStore(db, "changelist"),
	}
}

// listEntity wraps changelist.List to implement storage.Entity
type listEntity struct {
	changelist.List
	Position int `json:"position"`
}

func (e *listEntity) GetID() string {
	return e.ID
}

// Save replaces the stored lists with lists, keeping their order.
func (s *Store) Save(lists []changelist.List) error {
	entities := make([]storage.Entity, len(lists))
	for i, l := range lists {
		entities[i] = &listEntity{List: l, Position: i}
	}
	if err := s.store.ReplaceAll(entities); err != nil {
		return fmt.Errorf("saving changelists: %w", err)
	}
	return nil
}

// Load returns the stored lists in saved order.
func (s *Store) Load() ([]changelist.List, error) {
	var entities []listEntity
	if err := s.store.List(&entities); err != nil {
		return nil, fmt.Errorf("loading changelists: %w", err)
	}
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Position < entities[j].Position
	})
	lists := make([]changelist.List, len(entities))
	for i, e := range entities {
		lists[i] = e.List
	}
	return lists, nil
}
