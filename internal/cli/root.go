// Package cli wires the cobra command tree: download (the default
// workflow), sources, and cache maintenance.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "satellite-download",
	Short: "Download satellite imagery as georeferenced GeoTIFF mosaics",
	Long: `satellite-download fetches map tiles from public imagery providers
(Google, Esri, NASA GIBS, OpenStreetMap), caches them on disk, and
stitches them into a georeferenced GeoTIFF in Web Mercator (EPSG:3857).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(downloadCmd, sourcesCmd, cacheCmd)
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}
