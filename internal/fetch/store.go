package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gregjones/httpcache"
	"github.com/peterbourgon/diskv/v3"
)

// Store is an httpcache.Cache persisted on disk.
//
// Entries are written to a temp dir and renamed into place, so concurrent
// processes sharing the directory only ever observe complete entries. The
// directory itself is created by the first write.
//
// httpcache.Cache has no error channel for writes, so Store keeps the most
// recent write failure until TakeWriteErr collects it.
type Store struct {
	d      *diskv.Diskv
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	writeErr error
	failures int
}

// NewStore returns a Store rooted at dir. No I/O happens until first use.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		d: diskv.New(diskv.Options{
			BasePath:     dir,
			TempDir:      filepath.Join(dir, ".tmp"),
			CacheSizeMax: 0,
			PathPerm:     0750,
			FilePerm:     0640,
		}),
		dir:    dir,
		logger: logger,
	}
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Get returns the cached response bytes for key.
func (s *Store) Get(key string) ([]byte, bool) {
	b, err := s.d.Read(filename(key))
	if err != nil {
		return nil, false
	}
	return b, true
}

// Set stores the response bytes for key. Failures are recorded, not returned.
func (s *Store) Set(key string, resp []byte) {
	if err := s.d.Write(filename(key), resp); err != nil {
		s.logger.Warn("http cache write failed",
			slog.String("key", key),
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		s.writeErr = fmt.Errorf("writing cache entry for %s: %w", key, err)
		s.failures++
		s.mu.Unlock()
	}
}

// Delete removes the entry for key, if any.
func (s *Store) Delete(key string) {
	_ = s.d.Erase(filename(key))
}

// Clear removes every entry and the store directory.
func (s *Store) Clear() error {
	return s.d.EraseAll()
}

// TakeWriteErr returns and resets the last recorded write failure.
func (s *Store) TakeWriteErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.writeErr
	s.writeErr = nil
	return err
}

// Failures returns the number of failed writes since the store was created.
func (s *Store) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func filename(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// compile-time interface check
var _ httpcache.Cache = (*Store)(nil)
