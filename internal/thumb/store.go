package thumb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shhossain/zip-browser/internal/logging"
	"github.com/shhossain/zip-browser/internal/metrics"
)

// store is a disk-backed thumbnail cache bounded by a byte budget.
// Thumbnails survive archive handle eviction and process restarts.
type store struct {
	dir    string
	budget int64

	mu      sync.Mutex
	entries map[string]*storeEntry
	size    int64
}

type storeEntry struct {
	path       string
	size       int64
	lastAccess time.Time
}

func newStore(dir string, budget int64) (*store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create thumbnail dir: %w", err)
	}
	s := &store{
		dir:     dir,
		budget:  budget,
		entries: make(map[string]*storeEntry),
	}
	s.rescan()
	return s, nil
}

// rescan picks up thumbnails left behind by a previous run.
func (s *store) rescan() {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(name, ".jpg")
		s.entries[key] = &storeEntry{
			path:       filepath.Join(s.dir, name),
			size:       info.Size(),
			lastAccess: info.ModTime(),
		}
		s.size += info.Size()
	}
	if len(s.entries) > 0 {
		logging.S().Infow("recovered thumbnail cache", "count", len(s.entries), "bytes", s.size)
	}
	metrics.SetThumbnailCacheBytes(s.size)
}

func (s *store) get(key string) ([]byte, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok {
		entry.lastAccess = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(entry.path)
	if err != nil {
		// The file went away underneath us, drop the entry.
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur == entry {
			s.size -= entry.size
			delete(s.entries, key)
			metrics.SetThumbnailCacheBytes(s.size)
		}
		s.mu.Unlock()
		return nil, false
	}
	return data, true
}

// put stores thumbnail bytes atomically (temp file then rename) and evicts
// least-recently-used thumbnails until the byte budget holds.
func (s *store) put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.size+int64(len(data)) > s.budget {
		if !s.evictOldest() {
			break
		}
	}

	localPath := filepath.Join(s.dir, key+".jpg")
	tempPath := localPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename thumbnail: %w", err)
	}

	if old, ok := s.entries[key]; ok {
		s.size -= old.size
	}
	s.entries[key] = &storeEntry{
		path:       localPath,
		size:       int64(len(data)),
		lastAccess: time.Now(),
	}
	s.size += int64(len(data))
	metrics.SetThumbnailCacheBytes(s.size)
	return nil
}

// evictOldest removes the least recently used thumbnail.
// Must be called with the lock held.
func (s *store) evictOldest() bool {
	var oldest *storeEntry
	var oldestKey string
	for key, entry := range s.entries {
		if oldest == nil || entry.lastAccess.Before(oldest.lastAccess) {
			oldest = entry
			oldestKey = key
		}
	}
	if oldest == nil {
		return false
	}
	os.Remove(oldest.path)
	s.size -= oldest.size
	delete(s.entries, oldestKey)
	metrics.SetThumbnailCacheBytes(s.size)
	return true
}

// bytes reports the current cache size.
func (s *store) bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// count reports the number of cached thumbnails.
func (s *store) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
