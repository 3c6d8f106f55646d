// internal/workspace/workspace.go
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"clsync/internal/basecache"
	"clsync/internal/change"
	"clsync/internal/changelist"
	clstorage "clsync/internal/changelist/storage"
	"clsync/internal/config"
	"clsync/internal/dirty"
	apperrors "clsync/internal/errors"
	"clsync/internal/provider/local"
	"clsync/internal/reconcile"
	"clsync/internal/safe"
	"clsync/internal/vcs"
	shared "clsync/shared/types"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const MetaDir = local.MetaDir

// Workspace wires a working directory to its changelist manager.
type Workspace struct {
	Root     string
	DB       *badger.DB
	Safe     *safe.Safe
	Provider *local.Provider
	Dirty    *dirty.Manager
	Manager  *reconcile.Manager
	Bases    *basecache.Cache

	lists       *clstorage.Store
	unsubscribe []func()
	saveMu      sync.Mutex
	closeOnce   sync.Once
	logger      *zap.Logger
}

// Initialize creates the metadata directories under root.
func Initialize(root string) error {
	meta := filepath.Join(root, MetaDir)
	if _, err := os.Stat(meta); err == nil {
		return apperrors.Conflict(fmt.Sprintf("workspace already initialized at %s", root))
	}
	for _, dir := range []string{"db", "safe"} {
		if err := os.MkdirAll(filepath.Join(meta, dir), 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// FindRoot searches for the workspace root by looking for the metadata directory.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if info, err := os.Stat(filepath.Join(dir, MetaDir)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", apperrors.NotFound("workspace root not found")
}

// InitDB opens the badger database at path.
func InitDB(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return db, nil
}

// Open starts the changelist manager for the workspace at root. Persisted
// lists are restored and a full refresh is scheduled.
func Open(root string, cfg *config.Config, logger *zap.Logger) (*Workspace, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(root, MetaDir)); err != nil {
		return nil, apperrors.NotFound(fmt.Sprintf("%s is not a workspace", root))
	}

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	db, err := InitDB(dbPath)
	if err != nil {
		return nil, err
	}
	w, err := open(root, db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func open(root string, db *badger.DB, cfg *config.Config, logger *zap.Logger) (*Workspace, error) {
	compression := safe.DefaultCompressionOptions()
	compression.MinSize = cfg.Compression.MinSize
	if cfg.Compression.Level > 0 {
		compression.Level = cfg.Compression.Level
	}
	s, err := safe.New(db, safe.Options{
		Root:        filepath.Join(root, MetaDir, "safe"),
		CacheSize:   cfg.Cache.ContentItems,
		Compression: compression,
	}, logger.Named("safe"))
	if err != nil {
		return nil, fmt.Errorf("opening safe: %w", err)
	}

	provider, err := local.New(db, s, local.Options{Root: root, Ignore: cfg.Ignore}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating provider: %w", err)
	}

	d := dirty.NewManager(logger)
	d.AddRoot(provider.Root(), provider.Name())

	m := reconcile.NewManager(d, vcs.NewRegistry(provider), reconcile.Options{
		Delay:      cfg.RefreshDelay(),
		RetryDelay: cfg.RetryDelay(),
	}, logger)

	bases, err := basecache.New(m, provider.Base, cfg.Cache.BaseItems, logger.Named("bases"))
	if err != nil {
		return nil, err
	}

	w := &Workspace{
		Root:     root,
		DB:       db,
		Safe:     s,
		Provider: provider,
		Dirty:    d,
		Manager:  m,
		Bases:    bases,
		lists:    clstorage.NewStore(db),
		logger:   logger.Named("workspace"),
	}

	lists, err := w.lists.Load()
	if err != nil {
		return nil, err
	}
	if len(lists) > 0 {
		m.Seed(lists)
	}

	w.unsubscribe = append(w.unsubscribe,
		m.Subscribe(bases.HandleEvent),
		m.Subscribe(func(e changelist.Event) {
			if changelist.IsListEvent(e) {
				w.save()
			}
		}),
	)
	m.Start()
	w.logger.Info("workspace opened", zap.String("root", root), zap.Int("lists", len(lists)))
	return w, nil
}

func (w *Workspace) save() {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()
	if err := w.lists.Save(w.Manager.Snapshot()); err != nil {
		w.logger.Error("failed to save changelists", zap.Error(err))
	}
}

// Close disposes the manager, saves the lists and closes the database.
func (w *Workspace) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.Manager.Dispose()
		for _, unsub := range w.unsubscribe {
			unsub()
		}
		w.save()
		err = w.DB.Close()
	})
	return err
}

// Refresh rescans the whole workspace and waits for the result.
func (w *Workspace) Refresh(ctx context.Context) error {
	w.Manager.ForceUpdate()
	if err := w.Manager.WaitForUpdate(ctx); err != nil {
		return err
	}
	return w.Manager.LastUpdateError()
}

// MarkDirty schedules a rescan of paths, relative to the root or absolute.
func (w *Workspace) MarkDirty(paths []string) error {
	for _, p := range paths {
		rel, err := w.Provider.Rel(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(filepath.Join(w.Root, filepath.FromSlash(rel)))
		if err == nil && info.IsDir() {
			err = w.Dirty.MarkDir(w.Provider.Root(), rel)
		} else {
			err = w.Dirty.MarkFile(w.Provider.Root(), rel)
		}
		if err != nil {
			return err
		}
	}
	w.Manager.Schedule(false)
	return nil
}

// Add schedules files for addition and waits for them to show up.
func (w *Workspace) Add(ctx context.Context, paths []string) error {
	if err := w.Provider.Add(paths); err != nil {
		return err
	}
	if err := w.MarkDirty(paths); err != nil {
		return err
	}
	return w.Manager.WaitForUpdate(ctx)
}

// Commit commits every change in the named list, or in the default list
// when name is empty. Returns the committed changes.
func (w *Workspace) Commit(ctx context.Context, name string) ([]change.Change, error) {
	if name == "" {
		name = w.Manager.DefaultList().Name
	}
	changes, err := w.Manager.ChangesIn(name)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, apperrors.ValidationError(fmt.Sprintf("nothing to commit in %q", name), nil)
	}

	release := w.Manager.BeginHeavyOperation()
	var paths []string
	for _, c := range changes {
		paths = append(paths, c.Paths()...)
	}
	_, err = w.Provider.Commit(paths)
	release()
	if err != nil {
		return nil, fmt.Errorf("committing %q: %w", name, err)
	}

	if err := w.MarkDirty(paths); err != nil {
		return nil, err
	}
	return changes, w.Manager.WaitForUpdate(ctx)
}

// ChangeLists renders every list with its changes.
func (w *Workspace) ChangeLists() []shared.ChangeList {
	m := w.Manager
	lists := m.Lists()
	out := make([]shared.ChangeList, 0, len(lists))
	for _, l := range lists {
		changes, _ := m.ChangesIn(l.Name)
		out = append(out, shared.NewChangeList(l, changes))
	}
	return out
}

// Status renders the current snapshot.
func (w *Workspace) Status() shared.Status {
	m := w.Manager
	st := shared.Status{
		Lists:       w.ChangeLists(),
		Unversioned: m.Unversioned(),
		Ignored:     m.Ignored(),
		Locked:      m.LockedFolders(),
		Switched:    m.Switched(),
		Ticket:      m.Ticket(),
		Available:   m.IsAvailable(),
	}
	if reason, ok := m.IsFrozen(); ok {
		st.Frozen = reason
	}
	if err := m.LastUpdateError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
