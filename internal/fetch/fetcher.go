// Package fetch drives concurrent tile retrieval for a tile rectangle:
// cache lookups gate network fetches, transient failures are retried
// with linear backoff, and per-tile failures never abort the batch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"satellite-downloader/internal/cache"
	"satellite-downloader/internal/geomath"
	"satellite-downloader/internal/ratelimit"
	"satellite-downloader/internal/source"
)

// statusError is a non-2xx tile response; it keeps the code so the
// retry loop can tell throttling apart from ordinary failures.
type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tile request failed with status: %d", e.Code)
}

// State is the terminal state of one tile's fetch. A tile transitions
// PENDING -> (CACHE_HIT | FETCHING) -> terminal exactly once.
type State int

const (
	StatePending State = iota
	StateCachedResult
	StateFetchSuccess
	StateFetchFailed
)

func (s State) String() string {
	switch s {
	case StateCachedResult:
		return "cached"
	case StateFetchSuccess:
		return "fetched"
	case StateFetchFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is the terminal outcome for one tile.
type Result struct {
	Tile     geomath.TileIndex
	Image    image.Image // nil when State is StateFetchFailed
	State    State
	Attempts int // network attempts made; 0 for pure cache hits
	Err      error
}

// Report summarizes a whole fetch run.
type Report struct {
	Total     int
	Succeeded int
	FromCache int
	// Results holds the successful tiles, populated only when FetchArea
	// was called without a sink.
	Results []Result
	// Failed lists every tile that could not be retrieved, including
	// tiles never dispatched because the job was cancelled.
	Failed []geomath.TileIndex
}

// Options tunes a Fetcher. Zero values take the defaults below.
type Options struct {
	Concurrency  int           // max tiles in flight, default 8
	RetryCount   int           // network attempts per tile, default 3
	BackoffUnit  time.Duration // linear backoff step, default 1s
	RequestDelay time.Duration // pause after each completion, 0 disables
	Timeout      time.Duration // per-request timeout, default 10s
	UseCache     bool
	// Throttle overrides the escalated backoff used when the provider
	// answers 429 or 403; nil takes ratelimit.DefaultStrategy.
	Throttle *ratelimit.Strategy
	// Progress is invoked after every completed tile (cache hit, fetch
	// success, and fetch failure all count) with (completed, total).
	// Calls are serialized by a single observer.
	Progress func(completed, total int)
}

func (o *Options) fillDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = time.Second
	}
	if o.RequestDelay < 0 {
		o.RequestDelay = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Throttle == nil {
		o.Throttle = ratelimit.DefaultStrategy()
	}
}

// Fetcher retrieves tiles through a cache-then-network pipeline.
type Fetcher struct {
	client *http.Client
	cache  *cache.Cache // nil disables caching entirely
	log    zerolog.Logger
	opts   Options
	sem    *semaphore.Weighted
}

// New creates a Fetcher. cache may be nil to disable caching.
func New(c *cache.Cache, log zerolog.Logger, opts Options) *Fetcher {
	opts.fillDefaults()
	return &Fetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		cache: c,
		log:   log,
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// FetchArea retrieves every tile in the rectangle. If sink is non-nil it
// receives each successful tile from a single goroutine as it completes
// (for streaming assembly) and images are not retained in the report;
// otherwise successes accumulate in Report.Results.
//
// Per-tile failures are collected, never raised; cancellation stops
// dispatching new fetches and lets in-flight ones finish. The only error
// returned before completion is an invalid zoom for the source.
func (f *Fetcher) FetchArea(ctx context.Context, src source.Source, rect geomath.TileRect, sink func(Result) error) (*Report, error) {
	minZoom, maxZoom := src.ZoomRange()
	if rect.Zoom < minZoom || rect.Zoom > maxZoom {
		return nil, &geomath.RangeError{
			What:  fmt.Sprintf("zoom for source %s", src.Name()),
			Value: float64(rect.Zoom),
			Min:   float64(minZoom),
			Max:   float64(maxZoom),
		}
	}

	tiles := rect.Tiles()
	report := &Report{Total: len(tiles)}
	results := make(chan Result)

	// Dispatch: one task per tile, bounded by the semaphore. The
	// per-completion delay happens before the slot is released, which
	// throttles throughput without gating initial dispatch.
	go func() {
		var wg sync.WaitGroup
		dispatched := 0
		for _, tile := range tiles {
			if err := f.sem.Acquire(ctx, 1); err != nil {
				break
			}
			dispatched++
			wg.Add(1)
			go func(t geomath.TileIndex) {
				defer wg.Done()
				res := f.fetchTile(ctx, src, t)
				results <- res
				if f.opts.RequestDelay > 0 {
					time.Sleep(f.opts.RequestDelay)
				}
				f.sem.Release(1)
			}(tile)
		}
		wg.Wait()
		// Tiles never dispatched (cancellation) count as not retrieved.
		for _, t := range tiles[dispatched:] {
			results <- Result{Tile: t, State: StateFetchFailed, Err: ctx.Err()}
		}
		close(results)
	}()

	// Single consumer: owns the completion counter and the progress
	// callback, merges outcomes, and feeds the sink. Workers never touch
	// shared slices.
	completed := 0
	var sinkErr error
	for res := range results {
		completed++
		switch res.State {
		case StateCachedResult, StateFetchSuccess:
			report.Succeeded++
			if res.State == StateCachedResult {
				report.FromCache++
			}
			if sink != nil {
				if err := sink(res); err != nil && sinkErr == nil {
					sinkErr = err
				}
			} else {
				report.Results = append(report.Results, res)
			}
		default:
			report.Failed = append(report.Failed, res.Tile)
			f.log.Warn().
				Stringer("tile", res.Tile).
				Int("attempts", res.Attempts).
				Err(res.Err).
				Msg("tile failed")
		}
		if f.opts.Progress != nil {
			f.opts.Progress(completed, report.Total)
		}
	}

	if sinkErr != nil {
		return report, sinkErr
	}
	return report, nil
}

// fetchTile resolves one tile: cache first, then network with retries.
func (f *Fetcher) fetchTile(ctx context.Context, src source.Source, t geomath.TileIndex) Result {
	if f.opts.UseCache && f.cache != nil {
		if data, ok := f.cache.Get(t.Zoom, t.X, t.Y); ok {
			img, err := decodeTile(data)
			if err == nil {
				return Result{Tile: t, Image: img, State: StateCachedResult}
			}
			// Corrupt cached bytes are a miss, not a fatal error.
			f.log.Warn().Stringer("tile", t).Err(err).Msg("cached tile undecodable, refetching")
		}
	}

	req := src.TileRequest(t.X, t.Y, t.Zoom)

	var lastErr error
	for attempt := 0; attempt < f.opts.RetryCount; attempt++ {
		if attempt > 0 {
			// Linear backoff, scoped to this tile's task only. A
			// throttling response escalates the wait instead.
			wait := time.Duration(attempt) * f.opts.BackoffUnit
			var se *statusError
			if errors.As(lastErr, &se) && ratelimit.IsThrottled(se.Code) {
				wait = f.opts.Throttle.Backoff(attempt - 1)
				f.log.Warn().Stringer("tile", t).Int("status", se.Code).
					Dur("wait", wait).Msg("provider throttling, backing off")
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Result{Tile: t, State: StateFetchFailed, Attempts: attempt, Err: ctx.Err()}
			}
		}

		data, err := f.doRequest(ctx, req, t)
		if err != nil {
			lastErr = err
			continue
		}

		img, err := decodeTile(data)
		if err != nil {
			// Corrupt bytes from the network fail the tile outright;
			// the provider answered, retrying will not help.
			return Result{Tile: t, State: StateFetchFailed, Attempts: attempt + 1, Err: err}
		}

		if f.opts.UseCache && f.cache != nil {
			if err := f.cache.Put(t.Zoom, t.X, t.Y, data); err != nil {
				// Best effort: a cache write failure never fails the fetch.
				f.log.Warn().Stringer("tile", t).Err(err).Msg("could not cache tile")
			}
		}
		return Result{Tile: t, Image: img, State: StateFetchSuccess, Attempts: attempt + 1}
	}

	return Result{Tile: t, State: StateFetchFailed, Attempts: f.opts.RetryCount, Err: lastErr}
}

func (f *Fetcher) doRequest(ctx context.Context, req source.Request, t geomath.TileIndex) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{Code: resp.StatusCode}
	}

	// Providers are not always accurate about content-type; log and
	// carry on, the decoder has the final say.
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "image") {
		f.log.Warn().Stringer("tile", t).Str("contentType", ct).Msg("unexpected tile content type")
	}

	return io.ReadAll(resp.Body)
}
