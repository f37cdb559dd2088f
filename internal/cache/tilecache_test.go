package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satellite-downloader/internal/geomath"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), "png", zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestPutGet_Idempotent(t *testing.T) {
	c := newTestCache(t)
	payload := []byte("not really a png but the cache does not care")

	require.NoError(t, c.Put(15, 100, 200, payload))

	got, ok := c.Get(15, 100, 200)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// Putting again and reading back stays byte-identical.
	require.NoError(t, c.Put(15, 100, 200, payload))
	got, ok = c.Get(15, 100, 200)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestHas_SelfHealsOnMissingPayload(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(10, 1, 2, []byte("tile")))
	require.True(t, c.Has(10, 1, 2))

	// Delete the payload file out-of-band.
	require.NoError(t, os.Remove(filepath.Join(c.Dir(), "10", "1_2.png")))

	assert.False(t, c.Has(10, 1, 2))
	_, ok := c.Get(10, 1, 2)
	assert.False(t, ok)

	// The stale index entry is gone for good.
	assert.Equal(t, 0, c.Stats().TileCount)
}

func TestGet_SelfHealsOnMissingPayload(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(10, 3, 4, []byte("tile")))

	// Reopen so the hot layer is empty and Get must hit the disk.
	reopened, err := New(c.Dir(), "png", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(c.Dir(), "10", "3_4.png")))

	_, ok := reopened.Get(10, 3, 4)
	assert.False(t, ok)
	assert.False(t, reopened.Has(10, 3, 4))
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "png", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Put(12, 7, 8, []byte("payload")))

	reopened, err := New(dir, "png", zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, reopened.Has(12, 7, 8))
	got, ok := reopened.Get(12, 7, 8)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestClassify(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(5, 1, 1, []byte("a")))
	require.NoError(t, c.Put(5, 2, 1, []byte("b")))

	tiles := []geomath.TileIndex{
		{X: 1, Y: 1, Zoom: 5},
		{X: 2, Y: 1, Zoom: 5},
		{X: 3, Y: 1, Zoom: 5},
	}
	cached, pending := c.Classify(tiles)
	assert.Len(t, cached, 2)
	assert.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].X)
}

func TestEvictOlderThan(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(8, 1, 1, []byte("old")))
	require.NoError(t, c.Put(8, 2, 2, []byte("new")))

	// Backdate one entry directly in the index.
	c.mu.Lock()
	e := c.index["8_1_1"]
	e.Timestamp = time.Now().Add(-48 * time.Hour)
	c.index["8_1_1"] = e
	c.mu.Unlock()

	removed := c.EvictOlderThan(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.False(t, c.Has(8, 1, 1))
	assert.True(t, c.Has(8, 2, 2))
}

func TestClear(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(3, 1, 1, []byte("x")))
	require.NoError(t, c.Put(4, 2, 2, []byte("y")))

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Stats().TileCount)
	assert.False(t, c.Has(3, 1, 1))

	// Clearing an already empty cache is fine.
	require.NoError(t, c.Clear())
}

func TestStats(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(10, 1, 1, []byte("aaaa")))
	require.NoError(t, c.Put(10, 2, 1, []byte("bb")))
	require.NoError(t, c.Put(12, 1, 1, []byte("c")))

	s := c.Stats()
	assert.Equal(t, 3, s.TileCount)
	assert.Equal(t, int64(7), s.TotalBytes)
	assert.Equal(t, 2, s.CountsByZoom[10])
	assert.Equal(t, 1, s.CountsByZoom[12])
}

func TestConcurrentPuts(t *testing.T) {
	c := newTestCache(t)

	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 8; j++ {
				_ = c.Put(9, i, j, []byte{byte(i), byte(j)})
			}
		}(i)
	}
	for i := 0; i < 16; i++ {
		<-done
	}

	assert.Equal(t, 16*8, c.Stats().TileCount)
}
