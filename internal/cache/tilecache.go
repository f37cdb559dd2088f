// Package cache provides the resumable on-disk tile store. Tiles are
// addressed by (zoom, x, y); raw payload bytes live in per-zoom
// subdirectories while a single JSON index records what exists. The
// index is the single source of truth for "is this tile cached" and is
// rewritten in full on every mutation, which is acceptable because a
// cache is bounded by one download job, not a long-lived store.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"satellite-downloader/internal/geomath"
)

const indexFileName = "cache_index.json"

// hotLayerSize bounds the in-memory payload overlay. Raw tiles run about
// 50KB, so this stays well under typical job memory.
const hotLayerSize = 512

// IOError wraps a disk failure during a cache operation. Callers log it
// and degrade (treat reads as misses, skip writes); it is never fatal.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Entry is one record in the cache index.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Zoom      int       `json:"zoom"`
}

// Stats summarizes the cache contents.
type Stats struct {
	TileCount    int
	TotalBytes   int64
	CountsByZoom map[int]int
}

// Cache is the on-disk tile store. Payload writes for distinct tiles may
// proceed fully in parallel; all index mutations are serialized behind
// one mutex.
type Cache struct {
	dir string
	ext string // payload file extension, from the provider
	log zerolog.Logger

	mu    sync.Mutex
	index map[string]Entry

	// hot keeps recently touched payloads in memory so a re-run within
	// the same process skips the disk read. The index stays
	// authoritative; this is purely an overlay.
	hot *lru.Cache[string, []byte]
}

// New opens (or creates) a cache rooted at dir. Payload files use the
// given image extension, without the dot.
func New(dir, ext string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	hot, err := lru.New[string, []byte](hotLayerSize)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		dir:   dir,
		ext:   ext,
		log:   log,
		index: make(map[string]Entry),
		hot:   hot,
	}
	c.loadIndex()
	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string { return c.dir }

func key(zoom, x, y int) string {
	return fmt.Sprintf("%d_%d_%d", zoom, x, y)
}

func (c *Cache) tilePath(zoom, x, y int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d", zoom), fmt.Sprintf("%d_%d.%s", x, y, c.ext))
}

// Has reports whether a tile is cached. A tile counts as cached only if
// both the index entry and the payload file exist; a missing payload
// self-heals by dropping the stale index entry.
func (c *Cache) Has(zoom, x, y int) bool {
	k := key(zoom, x, y)

	c.mu.Lock()
	_, ok := c.index[k]
	c.mu.Unlock()
	if !ok {
		return false
	}

	if _, err := os.Stat(c.tilePath(zoom, x, y)); err != nil {
		c.dropEntry(k)
		return false
	}
	return true
}

// Get returns the cached payload for a tile, or ok=false if absent.
func (c *Cache) Get(zoom, x, y int) ([]byte, bool) {
	k := key(zoom, x, y)

	c.mu.Lock()
	_, ok := c.index[k]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if data, ok := c.hot.Get(k); ok {
		return data, true
	}

	data, err := os.ReadFile(c.tilePath(zoom, x, y))
	if err != nil {
		// Payload gone or unreadable; heal the index and report a miss.
		c.dropEntry(k)
		return nil, false
	}
	c.hot.Add(k, data)
	return data, true
}

// Put stores a tile payload. The payload file is written first and the
// index only afterwards, so a crash in between leaves at worst an orphan
// payload (safe to re-fetch), never an index entry pointing at nothing.
func (c *Cache) Put(zoom, x, y int, data []byte) error {
	path := c.tilePath(zoom, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Op: "put", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &IOError{Op: "put", Err: err}
	}

	k := key(zoom, x, y)
	c.hot.Add(k, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[k] = Entry{
		Timestamp: time.Now(),
		Size:      int64(len(data)),
		X:         x,
		Y:         y,
		Zoom:      zoom,
	}
	return c.saveIndexLocked()
}

// Classify partitions a tile set into cached and pending subsets.
func (c *Cache) Classify(tiles []geomath.TileIndex) (cached, pending []geomath.TileIndex) {
	for _, t := range tiles {
		if c.Has(t.Zoom, t.X, t.Y) {
			cached = append(cached, t)
		} else {
			pending = append(pending, t)
		}
	}
	return cached, pending
}

// EvictOlderThan removes every tile stored longer ago than age and
// returns how many were removed.
func (c *Cache) EvictOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.index {
		if e.Timestamp.Before(cutoff) {
			os.Remove(c.tilePath(e.Zoom, e.X, e.Y))
			c.hot.Remove(k)
			delete(c.index, k)
			removed++
		}
	}
	if removed > 0 {
		if err := c.saveIndexLocked(); err != nil {
			c.log.Warn().Err(err).Msg("could not save cache index after eviction")
		}
	}
	return removed
}

// Clear removes all payload files and the index. Safe on an empty cache.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.index {
		os.Remove(c.tilePath(e.Zoom, e.X, e.Y))
	}
	c.index = make(map[string]Entry)
	c.hot.Purge()

	if err := os.Remove(filepath.Join(c.dir, indexFileName)); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "clear", Err: err}
	}
	return nil
}

// Stats reports tile count, total payload bytes, and per-zoom counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{CountsByZoom: make(map[int]int)}
	for _, e := range c.index {
		s.TileCount++
		s.TotalBytes += e.Size
		s.CountsByZoom[e.Zoom]++
	}
	return s
}

func (c *Cache) dropEntry(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[k]; !ok {
		return
	}
	delete(c.index, k)
	c.hot.Remove(k)
	if err := c.saveIndexLocked(); err != nil {
		c.log.Warn().Err(err).Str("tile", k).Msg("could not save cache index after self-heal")
	}
}

// loadIndex reads the index from disk. A missing or corrupt index simply
// starts the cache empty; payloads without index entries are orphans and
// get re-fetched.
func (c *Cache) loadIndex() {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFileName))
	if err != nil {
		return
	}
	var index map[string]Entry
	if err := json.Unmarshal(data, &index); err != nil {
		c.log.Warn().Err(err).Msg("cache index corrupt, starting empty")
		return
	}
	c.index = index
}

// saveIndexLocked rewrites the full index through a temp file and
// rename. Callers hold c.mu.
func (c *Cache) saveIndexLocked() error {
	data, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return &IOError{Op: "save index", Err: err}
	}

	path := filepath.Join(c.dir, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &IOError{Op: "save index", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &IOError{Op: "save index", Err: err}
	}
	return nil
}
