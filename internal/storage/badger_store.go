// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "clsync/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// Entity represents any storable entity with an ID
type Entity interface {
	GetID() string
}

// BadgerStore provides JSON storage of entities under a key prefix.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *BadgerStore) keyPrefix() []byte {
	return []byte(s.prefix + ":")
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), s.prefix+":")
}

func (s *BadgerStore) Create(entity Entity) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}

	key := s.makeKey(entity.GetID())
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return apperrors.Conflict(fmt.Sprintf("entity already exists: %s", entity.GetID()))
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Put creates or overwrites an entity.
func (s *BadgerStore) Put(entity Entity) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(entity.GetID()), data)
	})
}

func (s *BadgerStore) Get(id string, entity Entity) error {
	key := s.makeKey(id)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, entity)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return apperrors.NotFound(fmt.Sprintf("entity not found: %s", id))
	}
	return err
}

func (s *BadgerStore) Delete(id string) error {
	key := s.makeKey(id)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.NotFound(fmt.Sprintf("entity not found: %s", id))
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// IDs returns the ids stored under the prefix, in key order.
func (s *BadgerStore) IDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.keyPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, s.stripPrefix(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing ids: %w", err)
	}
	return ids, nil
}

// List decodes every entity under the prefix into results, a pointer to a slice.
func (s *BadgerStore) List(results interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := s.keyPrefix()
		var values []json.RawMessage
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, val)
		}

		data, err := json.Marshal(values)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, results)
	})
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	return nil
}

// ReplaceAll atomically replaces every entity under the prefix.
func (s *BadgerStore) ReplaceAll(entities []Entity) error {
	encoded := make(map[string][]byte, len(entities))
	for _, e := range entities {
		if e.GetID() == "" {
			return fmt.Errorf("entity ID cannot be empty")
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling entity %s: %w", e.GetID(), err)
		}
		encoded[e.GetID()] = data
	}

	ids, err := s.IDs()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if _, keep := encoded[id]; keep {
				continue
			}
			if err := txn.Delete(s.makeKey(id)); err != nil {
				return err
			}
		}
		for id, data := range encoded {
			if err := txn.Set(s.makeKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}
