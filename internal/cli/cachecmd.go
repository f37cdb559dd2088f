package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"satellite-downloader/internal/cache"
	"satellite-downloader/internal/source"
)

var cacheFlags struct {
	dir       string
	source    string
	olderThan time.Duration
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the tile cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and per-zoom tile counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		s := c.Stats()
		fmt.Printf("Cache:  %s\n", c.Dir())
		fmt.Printf("Tiles:  %d\n", s.TileCount)
		fmt.Printf("Size:   %s\n", humanBytes(s.TotalBytes))

		zooms := make([]int, 0, len(s.CountsByZoom))
		for z := range s.CountsByZoom {
			zooms = append(zooms, z)
		}
		sort.Ints(zooms)
		for _, z := range zooms {
			fmt.Printf("  zoom %2d: %d tiles\n", z, s.CountsByZoom[z])
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached tile",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		before := c.Stats().TileCount
		if err := c.Clear(); err != nil {
			return err
		}
		fmt.Printf("Removed %d tiles from %s\n", before, c.Dir())
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove cached tiles older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cacheFlags.olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		c, err := openCache()
		if err != nil {
			return err
		}
		removed := c.EvictOlderThan(cacheFlags.olderThan)
		fmt.Printf("Evicted %d tiles from %s\n", removed, c.Dir())
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheFlags.dir, "cache-dir", "",
		"tile cache directory (default tile_cache/<source>)")
	cacheCmd.PersistentFlags().StringVar(&cacheFlags.source, "source", "google",
		"imagery source the cache belongs to")
	cacheEvictCmd.Flags().DurationVar(&cacheFlags.olderThan, "older-than", 0,
		"age cutoff, e.g. 72h")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheEvictCmd)
}

// openCache resolves the cache directory the same way download does, so
// maintenance commands operate on the same store.
func openCache() (*cache.Cache, error) {
	src, err := source.Lookup(cacheFlags.source, source.Options{})
	if err != nil {
		return nil, err
	}
	dir := cacheFlags.dir
	if dir == "" {
		dir = filepath.Join("tile_cache", src.Name())
	}
	return cache.New(dir, src.FileExt(), newLogger())
}
