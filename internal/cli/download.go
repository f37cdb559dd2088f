package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"satellite-downloader/internal/geomath"
	"satellite-downloader/internal/job"
	"satellite-downloader/internal/utils/naming"
	"satellite-downloader/pkg/geotiff"
)

// confirmThreshold is the tile count above which the download asks for
// confirmation unless --yes is given.
const confirmThreshold = 1000

var downloadFlags struct {
	bbox          string
	extent        string
	zoom          int
	resolution    float64
	source        string
	output        string
	bigtiff       bool
	compression   string
	workers       int
	retries       int
	delay         time.Duration
	noCache       bool
	cacheDir      string
	clearCache    bool
	maxCloudCover float64
	stream        bool
	yes           bool
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download an area as a GeoTIFF mosaic",
	Example: `  satellite-download download --bbox 110.0,30.0,110.1,30.1 --zoom 15
  satellite-download download --extent E110-E110.1,N30-N30.1 --source esri --compression lzw
  satellite-download download --bbox 8.5,47.3,8.6,47.4 --resolution 0.0001 --source sentinel2`,
	RunE: runDownload,
}

func init() {
	f := downloadCmd.Flags()
	f.StringVar(&downloadFlags.bbox, "bbox", "", "bounding box as min_lon,min_lat,max_lon,max_lat")
	f.StringVar(&downloadFlags.extent, "extent", "", "extent string like E110-E110.1,N30-N30.1")
	f.IntVar(&downloadFlags.zoom, "zoom", 15, "tile zoom level")
	f.Float64Var(&downloadFlags.resolution, "resolution", 0, "target resolution in degrees per pixel (overrides --zoom)")
	f.StringVar(&downloadFlags.source, "source", "google", "imagery source (see 'sources')")
	f.StringVarP(&downloadFlags.output, "output", "o", "", "output GeoTIFF path (default derived from source and area)")
	f.BoolVar(&downloadFlags.bigtiff, "bigtiff", false, "force BigTIFF output")
	f.StringVar(&downloadFlags.compression, "compression", "none", "TIFF compression: none, lzw, deflate, jpeg")
	f.IntVar(&downloadFlags.workers, "workers", 8, "concurrent tile downloads")
	f.IntVar(&downloadFlags.retries, "retries", 3, "attempts per tile")
	f.DurationVar(&downloadFlags.delay, "delay", 50*time.Millisecond, "pause after each completed tile")
	f.BoolVar(&downloadFlags.noCache, "no-cache", false, "disable the tile cache")
	f.StringVar(&downloadFlags.cacheDir, "cache-dir", "", "tile cache directory (default tile_cache/<source>)")
	f.BoolVar(&downloadFlags.clearCache, "clear-cache", false, "clear the tile cache before downloading")
	f.Float64Var(&downloadFlags.maxCloudCover, "max-cloud-cover", 0, "cloud cover ceiling in percent, where the source supports it")
	f.BoolVar(&downloadFlags.stream, "stream", false, "stream tiles straight into the output file")
	f.BoolVarP(&downloadFlags.yes, "yes", "y", false, "skip the large-download confirmation")
}

func parseArea() (geomath.BoundingBox, error) {
	switch {
	case downloadFlags.bbox != "" && downloadFlags.extent != "":
		return geomath.BoundingBox{}, fmt.Errorf("--bbox and --extent are mutually exclusive")
	case downloadFlags.bbox != "":
		return geomath.ParseBBox(downloadFlags.bbox)
	case downloadFlags.extent != "":
		return geomath.ParseExtent(downloadFlags.extent)
	default:
		return geomath.BoundingBox{}, fmt.Errorf("either --bbox or --extent is required")
	}
}

func parseCompression(s string) (geotiff.Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return geotiff.CompressionNone, nil
	case "lzw":
		return geotiff.CompressionLZW, nil
	case "deflate", "zip":
		return geotiff.CompressionDeflate, nil
	case "jpeg", "jpg":
		return geotiff.CompressionJPEG, nil
	default:
		return 0, fmt.Errorf("unknown compression %q, expected none, lzw, deflate, or jpeg", s)
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	log := newLogger()

	bbox, err := parseArea()
	if err != nil {
		return err
	}
	comp, err := parseCompression(downloadFlags.compression)
	if err != nil {
		return err
	}

	zoom := downloadFlags.zoom
	if downloadFlags.resolution > 0 && !cmd.Flags().Changed("zoom") {
		zoom = -1
	}

	cfg := job.Config{
		BBox:          bbox,
		Zoom:          zoom,
		Resolution:    downloadFlags.resolution,
		Source:        downloadFlags.source,
		MaxCloudCover: downloadFlags.maxCloudCover,
		Output:        downloadFlags.output,
		Workers:       downloadFlags.workers,
		RetryCount:    downloadFlags.retries,
		RequestDelay:  downloadFlags.delay,
		UseCache:      !downloadFlags.noCache,
		CacheDir:      downloadFlags.cacheDir,
		Compression:   comp,
		ForceBigTIFF:  downloadFlags.bigtiff,
		Stream:        downloadFlags.stream,
		Progress: func(completed, total int) {
			fmt.Fprintf(os.Stderr, "\rTiles: %d/%d", completed, total)
			if completed == total {
				fmt.Fprintln(os.Stderr)
			}
		},
	}

	runner := job.New(log)
	plan, err := runner.Plan(cfg)
	if err != nil {
		return err
	}

	if downloadFlags.clearCache {
		if c := plan.Cache(); c != nil {
			if err := c.Clear(); err != nil {
				return err
			}
			log.Info().Str("dir", c.Dir()).Msg("cache cleared")
			if plan, err = runner.Plan(cfg); err != nil {
				return err
			}
		}
	}

	if cfg.Output == "" {
		cfg.Output = naming.OutputFilename(plan.Source.Name(), bbox, plan.Zoom, time.Now())
		// Plan copied the config, so rebuild with the derived name.
		plan, err = runner.Plan(cfg)
		if err != nil {
			return err
		}
	}

	printPlan(plan, cfg.Output)

	if plan.TileCount > confirmThreshold && !downloadFlags.yes {
		if !confirm(fmt.Sprintf("Download %d tiles?", plan.TileCount)) {
			return fmt.Errorf("aborted")
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	res, err := runner.Run(ctx, plan)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func printPlan(p *job.Plan, output string) {
	fmt.Printf("Source:     %s (%s)\n", p.Source.Name(), p.Source.Description())
	fmt.Printf("Zoom:       %d\n", p.Zoom)
	fmt.Printf("Tiles:      %d (%d cached, %d to fetch)\n", p.TileCount, p.CachedCount, p.PendingCount)
	fmt.Printf("Estimated:  ~%s\n", humanBytes(p.EstimatedBytes))
	fmt.Printf("Output:     %s", output)
	if p.Streaming {
		fmt.Printf(" (streaming)")
	}
	fmt.Println()
}

func printResult(res *job.Result) {
	d := res.Descriptor
	fmt.Printf("\nWrote %s\n", res.OutputPath)
	fmt.Printf("  %dx%d px, EPSG:3857, %s compression", d.Width, d.Height, d.Compression)
	if d.BigTIFF {
		fmt.Printf(", BigTIFF")
	}
	fmt.Println()
	fmt.Printf("  bounds (lon/lat): %.6f,%.6f to %.6f,%.6f\n",
		d.GeoBounds.MinLon, d.GeoBounds.MinLat, d.GeoBounds.MaxLon, d.GeoBounds.MaxLat)
	fmt.Printf("  %d tiles in %s (%d from cache)\n",
		res.Report.Succeeded, res.Elapsed.Round(time.Millisecond), res.Report.FromCache)

	if n := len(res.Report.Failed); n > 0 {
		fmt.Printf("  %d tiles failed and are black in the output:\n", n)
		for i, t := range res.Report.Failed {
			if i == 10 {
				fmt.Printf("    ... and %d more\n", n-10)
				break
			}
			fmt.Printf("    %s\n", t)
		}
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
