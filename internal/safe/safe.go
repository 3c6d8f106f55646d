// internal/safe/safe.go
package safe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

const metaPrefix = "safe:"

// ContentMeta stores metadata about stored content
type ContentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	RefCount   uint32    `json:"ref_count"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Safe is a content-addressed store for base revisions. Content lives in
// files named by hash under Root, metadata in badger, hot content in an LRU.
type Safe struct {
	root   string
	db     *badger.DB
	cache  *lru.Cache[string, []byte]
	comp   *compressor
	mu     sync.Mutex
	logger *zap.Logger
}

// Options configures Safe behavior
type Options struct {
	Root        string
	CacheSize   int
	Compression CompressionOptions
}

func New(db *badger.DB, opts Options, logger *zap.Logger) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	if opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}
	comp, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &Safe{
		root:   opts.Root,
		db:     db,
		cache:  cache,
		comp:   comp,
		logger: logger,
	}, nil
}

// Store saves content and returns its hash. name only decides whether the
// content is worth compressing. Storing existing content adds a reference.
func (s *Safe) Store(name string, content []byte) (string, error) {
	hash := Hash(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(hash)
	switch {
	case err == nil:
		meta.RefCount++
		if err := s.storeMeta(meta); err != nil {
			return "", fmt.Errorf("incrementing ref count: %w", err)
		}
		return hash, nil
	case !errors.Is(err, ErrContentNotFound):
		return "", fmt.Errorf("checking existence: %w", err)
	}

	stored, compressed := s.comp.compress(name, content)
	contentPath := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.WriteFile(contentPath, stored, 0644); err != nil {
		return "", fmt.Errorf("writing content file: %w", err)
	}

	meta = ContentMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		StoredSize: int64(len(stored)),
		RefCount:   1,
		Compressed: compressed,
		CreatedAt:  time.Now(),
	}
	if err := s.storeMeta(meta); err != nil {
		os.Remove(contentPath)
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)
	s.logger.Debug("stored content", zap.String("hash", hash), zap.Int64("size", meta.Size), zap.Bool("compressed", compressed))
	return hash, nil
}

// Get retrieves content by hash
func (s *Safe) Get(hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, ErrInvalidHash
	}
	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}
	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if meta.Compressed {
		content, err = s.comp.decompress(content)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}
	if Hash(content) != hash {
		return nil, fmt.Errorf("content hash mismatch")
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Release drops one reference and removes the content with the last one.
func (s *Safe) Release(hash string) error {
	if !isValidHash(hash) {
		return ErrInvalidHash
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(hash)
	if err != nil {
		return fmt.Errorf("getting metadata: %w", err)
	}
	meta.RefCount--
	if meta.RefCount > 0 {
		if err := s.storeMeta(meta); err != nil {
			return fmt.Errorf("updating metadata: %w", err)
		}
		return nil
	}

	if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing content file: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(hash))
	}); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(hash)
	return nil
}

// Exists checks if content exists
func (s *Safe) Exists(hash string) (bool, error) {
	if !isValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}
	_, err := s.getMeta(hash)
	if errors.Is(err, ErrContentNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Meta returns the stored metadata for hash.
func (s *Safe) Meta(hash string) (ContentMeta, error) {
	if !isValidHash(hash) {
		return ContentMeta{}, ErrInvalidHash
	}
	return s.getMeta(hash)
}

// Hash is the content address used by the safe.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s *Safe) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func metaKey(hash string) []byte {
	return []byte(metaPrefix + hash)
}

func (s *Safe) storeMeta(meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.Hash), data)
	})
}

func (s *Safe) getMeta(hash string) (ContentMeta, error) {
	var meta ContentMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}
