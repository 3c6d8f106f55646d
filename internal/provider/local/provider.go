// Package local is a content-hash VCS over a plain directory. The base
// revision of a file is the hash of its content at the last commit; the
// content itself is kept in the safe.
package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"clsync/internal/change"
	"clsync/internal/dirty"
	apperrors "clsync/internal/errors"
	"clsync/internal/safe"
	"clsync/internal/vcs"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	Name = "local"

	// MetaDir is never scanned.
	MetaDir = ".clsync"

	statePrefix = "file_state:"
	addedPrefix = "added:"
)

// FileState is the committed state of one file.
type FileState struct {
	Path        string    `json:"path"`
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	CommittedAt time.Time `json:"committed_at"`
}

type Options struct {
	Root    string
	Ignore  []string
	Workers int
}

type Provider struct {
	root    string
	dir     string
	db      *badger.DB
	safe    *safe.Safe
	ignore  []string
	workers int
	logger  *zap.Logger
}

var _ vcs.Provider = (*Provider)(nil)

func New(db *badger.DB, s *safe.Safe, opts Options, logger *zap.Logger) (*Provider, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("content safe cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	for _, pattern := range opts.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, apperrors.ValidationError(fmt.Sprintf("invalid ignore pattern %q", pattern), nil)
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Provider{
		root:    filepath.ToSlash(abs),
		dir:     abs,
		db:      db,
		safe:    s,
		ignore:  opts.Ignore,
		workers: opts.Workers,
		logger:  logger.Named("local"),
	}, nil
}

func (p *Provider) Name() string { return Name }

// Root is the slash-separated absolute root; change paths live under it.
func (p *Provider) Root() string { return p.root }

// Abs turns a root-relative path into a change path.
func (p *Provider) Abs(rel string) string {
	return path.Join(p.root, rel)
}

// Rel turns a change path or an OS path into a root-relative one.
func (p *Provider) Rel(name string) (string, error) {
	name = filepath.ToSlash(name)
	if !path.IsAbs(name) {
		return dirty.Clean(name), nil
	}
	rel, ok := dirty.Rel(p.root, name)
	if !ok {
		return "", apperrors.ValidationError(fmt.Sprintf("%s is outside %s", name, p.root), nil)
	}
	return rel, nil
}

func (p *Provider) osPath(rel string) string {
	return filepath.Join(p.dir, filepath.FromSlash(rel))
}

func (p *Provider) isIgnored(rel string) bool {
	if rel == MetaDir || strings.HasPrefix(rel, MetaDir+"/") {
		return true
	}
	for _, pattern := range p.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Add schedules files for addition at the next commit.
func (p *Provider) Add(paths []string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		for _, name := range paths {
			rel, err := p.Rel(name)
			if err != nil {
				return err
			}
			info, err := os.Stat(p.osPath(rel))
			if err != nil {
				return fmt.Errorf("adding %s: %w", rel, err)
			}
			if info.IsDir() {
				return apperrors.ValidationError(fmt.Sprintf("%s is a directory", rel), nil)
			}
			if err := txn.Set([]byte(addedPrefix+rel), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit records the current content of the given files as their base.
// Missing files are committed as deletions. Returns the committed paths.
func (p *Provider) Commit(paths []string) ([]string, error) {
	var committed []string
	for _, name := range paths {
		rel, err := p.Rel(name)
		if err != nil {
			return committed, err
		}
		if err := p.commitOne(rel); err != nil {
			return committed, fmt.Errorf("committing %s: %w", rel, err)
		}
		committed = append(committed, rel)
	}
	p.logger.Info("committed", zap.Int("files", len(committed)))
	return committed, nil
}

func (p *Provider) commitOne(rel string) error {
	prev, hadPrev, err := p.state(rel)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(p.osPath(rel))
	if errors.Is(err, fs.ErrNotExist) {
		if !hadPrev {
			return p.db.Update(func(txn *badger.Txn) error {
				return txn.Delete([]byte(addedPrefix + rel))
			})
		}
		if err := p.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(statePrefix + rel))
		}); err != nil {
			return err
		}
		return p.safe.Release(prev.Hash)
	}
	if err != nil {
		return err
	}

	hash, err := p.safe.Store(rel, content)
	if err != nil {
		return fmt.Errorf("storing content: %w", err)
	}
	st := FileState{Path: rel, Hash: hash, Size: int64(len(content)), CommittedAt: time.Now()}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := p.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(statePrefix+rel), data); err != nil {
			return err
		}
		return txn.Delete([]byte(addedPrefix + rel))
	}); err != nil {
		return err
	}
	if hadPrev {
		return p.safe.Release(prev.Hash)
	}
	return nil
}

func (p *Provider) state(rel string) (FileState, bool, error) {
	var st FileState
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(statePrefix + rel))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return FileState{}, false, nil
	}
	return st, err == nil, err
}

// Base returns the committed content a change is relative to.
func (p *Provider) Base(c change.Change) ([]byte, error) {
	if c.Before.IsZero() {
		return nil, apperrors.NotFound(fmt.Sprintf("%s has no base revision", c.Path()))
	}
	return p.safe.Get(c.Before.Number)
}

// baseline returns the committed states and pending additions in scope.
func (p *Provider) baseline(scope *dirty.Scope) (map[string]FileState, map[string]bool, error) {
	states := make(map[string]FileState)
	added := make(map[string]bool)
	err := p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rel := strings.TrimPrefix(string(it.Item().Key()), statePrefix)
			if !scope.Contains(rel) {
				continue
			}
			var st FileState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return fmt.Errorf("decoding state of %s: %w", rel, err)
			}
			states[rel] = st
		}

		prefix = []byte(addedPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rel := strings.TrimPrefix(string(it.Item().Key()), addedPrefix)
			if scope.Contains(rel) {
				added[rel] = true
			}
		}
		return nil
	})
	return states, added, err
}
