package fetch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satellite-downloader/internal/cache"
	"satellite-downloader/internal/geomath"
	"satellite-downloader/internal/ratelimit"
	"satellite-downloader/internal/source"
)

// stubSource points tile requests at a test server.
type stubSource struct {
	baseURL string
	maxZoom int
}

func (s *stubSource) Name() string                   { return "stub" }
func (s *stubSource) Description() string            { return "test source" }
func (s *stubSource) Projection() string             { return "EPSG:3857" }
func (s *stubSource) RequiresAuth() bool             { return false }
func (s *stubSource) AuthHeaders() map[string]string { return nil }
func (s *stubSource) MaxCloudCover() float64         { return 0 }
func (s *stubSource) TileSize() int                  { return 256 }
func (s *stubSource) FileExt() string                { return "png" }

func (s *stubSource) ZoomRange() (int, int) { return 0, s.maxZoom }

func (s *stubSource) TileRequest(x, y, zoom int) source.Request {
	return source.Request{
		URL:     fmt.Sprintf("%s/%d/%d/%d", s.baseURL, zoom, x, y),
		Headers: map[string]string{"User-Agent": source.UserAgent},
	}
}

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0x7f
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testOptions() Options {
	return Options{
		Concurrency: 4,
		RetryCount:  3,
		BackoffUnit: time.Millisecond,
		Timeout:     2 * time.Second,
	}
}

func singleTile() geomath.TileRect {
	return geomath.TileRect{XMin: 5, XMax: 5, YTop: 3, YBottom: 3, Zoom: 4}
}

func TestFetchArea_RetriesThenSucceeds(t *testing.T) {
	tile := pngTile(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	f := New(nil, zerolog.Nop(), testOptions())
	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, singleTile(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, report.Failed)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 3, report.Results[0].Attempts)
	assert.Equal(t, StateFetchSuccess, report.Results[0].State)
	assert.NotNil(t, report.Results[0].Image)
}

func TestFetchArea_ExhaustedRetriesFailTile(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := cache.New(t.TempDir(), "png", zerolog.Nop())
	require.NoError(t, err)

	opts := testOptions()
	opts.UseCache = true
	f := New(c, zerolog.Nop(), opts)

	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, singleTile(), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, geomath.TileIndex{X: 5, Y: 3, Zoom: 4}, report.Failed[0])
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	// A failed tile must never be cached.
	assert.False(t, c.Has(4, 5, 3))
}

func TestFetchArea_WarmCacheSkipsNetwork(t *testing.T) {
	tile := pngTile(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	c, err := cache.New(t.TempDir(), "png", zerolog.Nop())
	require.NoError(t, err)

	opts := testOptions()
	opts.UseCache = true
	f := New(c, zerolog.Nop(), opts)

	src := &stubSource{baseURL: srv.URL, maxZoom: 20}
	rect := geomath.TileRect{XMin: 0, XMax: 1, YTop: 0, YBottom: 1, Zoom: 3}

	first, err := f.FetchArea(context.Background(), src, rect, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Succeeded)
	assert.Equal(t, 0, first.FromCache)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))

	second, err := f.FetchArea(context.Background(), src, rect, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, second.Succeeded)
	assert.Equal(t, 4, second.FromCache)
	// No additional network traffic on the warm run.
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestFetchArea_PartialFailureIsolated(t *testing.T) {
	tile := pngTile(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One tile of the 2x2 block is permanently missing.
		if r.URL.Path == "/3/1/1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	f := New(nil, zerolog.Nop(), testOptions())
	rect := geomath.TileRect{XMin: 0, XMax: 1, YTop: 0, YBottom: 1, Zoom: 3}

	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, rect, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, geomath.TileIndex{X: 1, Y: 1, Zoom: 3}, report.Failed[0])
}

func TestFetchArea_UndecodableBodyFailsWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("this is not an image"))
	}))
	defer srv.Close()

	f := New(nil, zerolog.Nop(), testOptions())
	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, singleTile(), nil)
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	// The provider answered; corrupt bytes are terminal, not retried.
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetchArea_CorruptCacheEntryRefetches(t *testing.T) {
	tile := pngTile(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	c, err := cache.New(t.TempDir(), "png", zerolog.Nop())
	require.NoError(t, err)
	// Poison the cache with bytes no decoder accepts.
	require.NoError(t, c.Put(4, 5, 3, []byte("garbage")))

	opts := testOptions()
	opts.UseCache = true
	f := New(c, zerolog.Nop(), opts)

	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, singleTile(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.FromCache)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// The refetched payload replaced the poisoned one.
	data, ok := c.Get(4, 5, 3)
	require.True(t, ok)
	assert.Equal(t, tile, data)
}

func TestFetchArea_ThrottledResponseUsesEscalatedBackoff(t *testing.T) {
	tile := pngTile(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Throttle = &ratelimit.Strategy{Intervals: []time.Duration{time.Millisecond}}
	f := New(nil, zerolog.Nop(), opts)

	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, singleTile(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 2, report.Results[0].Attempts)
}

func TestFetchArea_ZoomOutOfRange(t *testing.T) {
	f := New(nil, zerolog.Nop(), testOptions())
	rect := geomath.TileRect{XMin: 0, XMax: 0, YTop: 0, YBottom: 0, Zoom: 15}

	_, err := f.FetchArea(context.Background(), &stubSource{baseURL: "http://unused", maxZoom: 9}, rect, nil)
	require.Error(t, err)

	var rangeErr *geomath.RangeError
	assert.ErrorAs(t, err, &rangeErr)
}

func TestFetchArea_SinkReceivesSuccesses(t *testing.T) {
	tile := pngTile(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	f := New(nil, zerolog.Nop(), testOptions())
	rect := geomath.TileRect{XMin: 0, XMax: 1, YTop: 0, YBottom: 1, Zoom: 3}

	var seen []geomath.TileIndex
	report, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, rect,
		func(res Result) error {
			seen = append(seen, res.Tile) // sink runs on one goroutine
			return nil
		})
	require.NoError(t, err)

	assert.Len(t, seen, 4)
	// With a sink the report does not hold images.
	assert.Empty(t, report.Results)
	assert.Equal(t, 4, report.Succeeded)
}

func TestFetchArea_ProgressCountsEveryOutcome(t *testing.T) {
	tile := pngTile(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/3/0/0" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	opts := testOptions()
	var calls []int
	opts.Progress = func(completed, total int) {
		assert.Equal(t, 4, total)
		calls = append(calls, completed)
	}

	f := New(nil, zerolog.Nop(), opts)
	rect := geomath.TileRect{XMin: 0, XMax: 1, YTop: 0, YBottom: 1, Zoom: 3}

	_, err := f.FetchArea(context.Background(), &stubSource{baseURL: srv.URL, maxZoom: 20}, rect, nil)
	require.NoError(t, err)

	// Failures count toward completion just like successes.
	assert.Equal(t, []int{1, 2, 3, 4}, calls)
}

func TestFetchArea_CancelledContextReportsAllTiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(nil, zerolog.Nop(), testOptions())
	rect := geomath.TileRect{XMin: 0, XMax: 1, YTop: 0, YBottom: 1, Zoom: 3}

	report, err := f.FetchArea(ctx, &stubSource{baseURL: "http://unused", maxZoom: 20}, rect, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Total)
	assert.Len(t, report.Failed, 4)
	assert.Equal(t, 0, report.Succeeded)
}
