// Package job orchestrates one download end to end: resolve the
// provider, derive the tile rectangle, fetch tiles through the cache,
// assemble the mosaic, and write the georeferenced output. The CLI only
// builds a Config and renders the Plan and Result.
package job

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"satellite-downloader/internal/cache"
	"satellite-downloader/internal/fetch"
	"satellite-downloader/internal/geomath"
	"satellite-downloader/internal/mosaic"
	"satellite-downloader/internal/raster"
	"satellite-downloader/internal/source"
	"satellite-downloader/pkg/geotiff"
)

// estimatedTileBytes is the rough payload size of one tile, used only
// for the pre-download size estimate shown to the user.
const estimatedTileBytes = 50 * 1024

// defaultStreamThreshold is the tile count above which the mosaic
// streams straight to disk instead of assembling in memory. At ~200KB
// of decoded pixels per tile this caps buffered mosaics around 400MB.
const defaultStreamThreshold = 2048

// Config describes one download job. Zoom and Resolution are mutually
// exclusive; Zoom < 0 means derive it from Resolution at the box center.
type Config struct {
	BBox       geomath.BoundingBox
	Zoom       int
	Resolution float64 // degrees per pixel, used when Zoom < 0

	Source        string
	MaxCloudCover float64

	Output string

	Workers      int
	RetryCount   int
	RequestDelay time.Duration

	UseCache bool
	CacheDir string

	Compression  geotiff.Compression
	ForceBigTIFF bool

	// Stream forces the streaming sink; otherwise it kicks in above
	// StreamThreshold tiles (default 2048).
	Stream          bool
	StreamThreshold int

	Progress func(completed, total int)
}

// Plan is the resolved shape of a job before any tile is fetched. The
// CLI shows it and asks for confirmation on large downloads.
type Plan struct {
	Source         source.Source
	Rect           geomath.TileRect
	Zoom           int
	TileCount      int
	CachedCount    int
	PendingCount   int
	EstimatedBytes int64
	Streaming      bool

	cfg   Config
	cache *cache.Cache
}

// Result is what a finished job hands back to the caller.
type Result struct {
	Descriptor raster.Descriptor
	Report     *fetch.Report
	OutputPath string
	JobID      string
	Elapsed    time.Duration
}

// Runner executes download jobs.
type Runner struct {
	log    zerolog.Logger
	lookup func(string, source.Options) (source.Source, error)
}

func New(log zerolog.Logger) *Runner {
	return &Runner{log: log, lookup: source.Lookup}
}

// Plan validates the config and resolves source, zoom, and tile
// rectangle. No network activity happens here; the cache is opened to
// split the rectangle into cached and pending tiles.
func (r *Runner) Plan(cfg Config) (*Plan, error) {
	if err := cfg.BBox.Validate(); err != nil {
		return nil, err
	}

	src, err := r.lookup(cfg.Source, source.Options{MaxCloudCover: cfg.MaxCloudCover})
	if err != nil {
		return nil, err
	}
	minZoom, maxZoom := src.ZoomRange()

	zoom := cfg.Zoom
	if zoom < 0 {
		_, centerLat := cfg.BBox.Center()
		zoom, err = geomath.ZoomForResolution(cfg.Resolution, centerLat)
		if err != nil {
			return nil, err
		}
		// A derived zoom clamps into what the provider serves; an
		// explicit one must already fit.
		if zoom > maxZoom {
			zoom = maxZoom
		}
		if zoom < minZoom {
			zoom = minZoom
		}
	} else if zoom < minZoom || zoom > maxZoom {
		return nil, &geomath.RangeError{
			What:  fmt.Sprintf("zoom for source %s", src.Name()),
			Value: float64(zoom),
			Min:   float64(minZoom),
			Max:   float64(maxZoom),
		}
	}

	rect, err := geomath.TilesCovering(cfg.BBox, zoom)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Source:         src,
		Rect:           rect,
		Zoom:           zoom,
		TileCount:      rect.Count(),
		PendingCount:   rect.Count(),
		EstimatedBytes: int64(rect.Count()) * estimatedTileBytes,
		cfg:            cfg,
	}

	threshold := cfg.StreamThreshold
	if threshold <= 0 {
		threshold = defaultStreamThreshold
	}
	p.Streaming = cfg.Stream || p.TileCount > threshold

	if cfg.UseCache {
		dir := cfg.CacheDir
		if dir == "" {
			// Canonical name, so aliases share one cache.
			dir = filepath.Join("tile_cache", src.Name())
		}
		c, err := cache.New(dir, src.FileExt(), r.log)
		if err != nil {
			return nil, err
		}
		p.cache = c
		cached, pending := c.Classify(rect.Tiles())
		p.CachedCount = len(cached)
		p.PendingCount = len(pending)
	}
	return p, nil
}

// Run fetches every tile in the plan, assembles the mosaic, and writes
// the output. Per-tile failures leave black holes in the image and are
// listed in the result; a run where nothing at all was retrieved fails.
func (r *Runner) Run(ctx context.Context, p *Plan) (*Result, error) {
	start := time.Now()
	jobID := uuid.NewString()
	cfg := p.cfg

	desc := raster.Describe(p.Rect, p.Source.Name(), jobID, cfg.Compression, cfg.ForceBigTIFF)

	r.log.Info().
		Str("job", jobID).
		Str("source", p.Source.Name()).
		Int("zoom", p.Zoom).
		Int("tiles", p.TileCount).
		Bool("streaming", p.Streaming).
		Bool("bigtiff", desc.BigTIFF).
		Msg("starting download")

	fetcher := fetch.New(p.cache, r.log, fetch.Options{
		Concurrency:  cfg.Workers,
		RetryCount:   cfg.RetryCount,
		RequestDelay: cfg.RequestDelay,
		UseCache:     cfg.UseCache,
		Progress:     cfg.Progress,
	})

	var report *fetch.Report
	var err error
	if p.Streaming {
		report, err = r.runStreaming(ctx, p, fetcher, desc)
	} else {
		report, err = r.runBuffered(ctx, p, fetcher, desc)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{
		Descriptor: desc,
		Report:     report,
		OutputPath: cfg.Output,
		JobID:      jobID,
		Elapsed:    time.Since(start),
	}
	r.log.Info().
		Str("job", jobID).
		Int("succeeded", report.Succeeded).
		Int("failed", len(report.Failed)).
		Int("fromCache", report.FromCache).
		Dur("elapsed", res.Elapsed).
		Msg("download finished")
	return res, nil
}

// runBuffered assembles the whole mosaic in memory, then writes it.
func (r *Runner) runBuffered(ctx context.Context, p *Plan, fetcher *fetch.Fetcher, desc raster.Descriptor) (*fetch.Report, error) {
	buf := mosaic.NewBuffer(p.Rect)
	asm := mosaic.NewAssembler(p.Rect, buf, r.log)

	report, err := fetcher.FetchArea(ctx, p.Source, p.Rect, func(res fetch.Result) error {
		return asm.Add(res.Tile, res.Image)
	})
	if err != nil {
		return nil, err
	}
	if report.Succeeded == 0 {
		return nil, fmt.Errorf("no tiles could be retrieved (%d attempted)", report.Total)
	}

	if err := raster.WriteImage(p.cfg.Output, buf.Image(), desc); err != nil {
		return nil, err
	}
	return report, nil
}

// runStreaming writes tiles into the output file as they arrive, so the
// mosaic never materializes in memory.
func (r *Runner) runStreaming(ctx context.Context, p *Plan, fetcher *fetch.Fetcher, desc raster.Descriptor) (*fetch.Report, error) {
	sw, err := raster.NewStreamWriter(p.cfg.Output, desc)
	if err != nil {
		return nil, err
	}
	asm := mosaic.NewAssembler(p.Rect, sw, r.log)

	report, err := fetcher.FetchArea(ctx, p.Source, p.Rect, func(res fetch.Result) error {
		return asm.Add(res.Tile, res.Image)
	})
	if err != nil {
		sw.Abort()
		return nil, err
	}
	if report.Succeeded == 0 {
		sw.Abort()
		return nil, fmt.Errorf("no tiles could be retrieved (%d attempted)", report.Total)
	}

	if err := sw.Close(); err != nil {
		return nil, err
	}
	return report, nil
}

// Cache exposes the cache the plan opened, for the CLI's cache commands
// and the --clear-cache flag.
func (p *Plan) Cache() *cache.Cache { return p.cache }
