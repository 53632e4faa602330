// Package cache stores fetched HTML keyed by URL in a memory tier backed by a
// per-URL file tier.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/hash/sha256"
)

const (
	// DefaultTTL is how long a cached page stays fresh.
	DefaultTTL           = 24 * time.Hour
	defaultMemoryEntries = 512
	fileSuffix           = ".json"
)

// Config controls where and for how long pages are cached.
type Config struct {
	Dir           string
	TTL           time.Duration
	MemoryEntries int
}

// Stats reports entry counts and byte sizes per tier.
type Stats struct {
	MemoryEntries int   `json:"memory_entries"`
	MemoryBytes   int64 `json:"memory_bytes"`
	DiskEntries   int   `json:"disk_entries"`
	DiskBytes     int64 `json:"disk_bytes"`
	TTLSeconds    int64 `json:"ttl_seconds"`
}

type entry struct {
	URL      string    `json:"url"`
	HTML     string    `json:"html"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is a two-tier URL -> HTML cache.
type Store struct {
	dir    string
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger

	mu  sync.Mutex
	mem *lru.Cache[string, entry]
}

// New creates the cache directory if needed and returns a Store.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = defaultMemoryEntries
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	mem, err := lru.New[string, entry](cfg.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	return &Store{
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		clock:  clock,
		logger: logger,
		mem:    mem,
	}, nil
}

// Key returns the stable file-tier key for a URL.
func Key(url string) string {
	return sha256.Sum(url)
}

// Get returns the cached HTML for url while it is fresh. A stale entry is
// deleted from both tiers and reported as a miss.
func (s *Store) Get(url string) (string, bool) {
	key := Key(url)
	now := s.clock.Now()

	s.mu.Lock()
	e, ok := s.mem.Get(key)
	if ok {
		if s.fresh(e, now) {
			s.mu.Unlock()
			return e.HTML, true
		}
		s.mem.Remove(key)
	}
	s.mu.Unlock()

	e, ok = s.readFile(key)
	if !ok {
		return "", false
	}
	if !s.fresh(e, now) {
		s.removeFile(key)
		return "", false
	}
	s.mu.Lock()
	s.mem.Add(key, e)
	s.mu.Unlock()
	return e.HTML, true
}

// Set writes html to both tiers.
func (s *Store) Set(url, html string) error {
	key := Key(url)
	e := entry{URL: url, HTML: html, StoredAt: s.clock.Now()}

	s.mu.Lock()
	s.mem.Add(key, e)
	s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}

// Delete invalidates url in both tiers.
func (s *Store) Delete(url string) {
	key := Key(url)
	s.mu.Lock()
	s.mem.Remove(key)
	s.mu.Unlock()
	s.removeFile(key)
}

// Clear wipes both tiers.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.mem.Purge()
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list cache dir: %w", err)
	}
	var errs []error
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear cache files: %w", errors.Join(errs...))
	}
	return nil
}

// Stats reports entry counts and sizes for both tiers.
func (s *Store) Stats() (Stats, error) {
	st := Stats{TTLSeconds: int64(s.ttl / time.Second)}

	s.mu.Lock()
	for _, key := range s.mem.Keys() {
		if e, ok := s.mem.Peek(key); ok {
			st.MemoryEntries++
			st.MemoryBytes += int64(len(e.HTML))
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return st, fmt.Errorf("list cache dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		st.DiskEntries++
		st.DiskBytes += info.Size()
	}
	return st, nil
}

func (s *Store) fresh(e entry, now time.Time) bool {
	return now.Sub(e.StoredAt) < s.ttl
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+fileSuffix)
}

func (s *Store) readFile(key string) (entry, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cache file read failed", zap.String("key", key), zap.Error(err))
		}
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("cache file corrupt, dropping", zap.String("key", key), zap.Error(err))
		s.removeFile(key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) removeFile(key string) {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("cache file remove failed", zap.String("key", key), zap.Error(err))
	}
}
