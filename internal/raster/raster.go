// Package raster turns an assembled mosaic into a georeferenced GeoTIFF
// on disk. It decides classic versus BigTIFF layout, derives the
// georeferencing from the tile rectangle, and stamps provenance into the
// file so an output can always be traced back to its download job.
package raster

import (
	"fmt"
	"image"
	"os"
	"time"

	"satellite-downloader/internal/geomath"
	"satellite-downloader/pkg/geotiff"
)

// Software is written into every output's Software tag.
const Software = "satellite-downloader"

// bigTIFFThreshold is the uncompressed pixel size above which classic
// TIFF offsets can no longer be trusted to fit.
const bigTIFFThreshold = uint64(4) << 30

// Descriptor captures everything about an output raster before a single
// pixel is written: dimensions, georeferencing, layout, and provenance.
type Descriptor struct {
	Rect   geomath.TileRect
	Width  int
	Height int

	Source string
	JobID  string

	Compression geotiff.Compression
	BigTIFF     bool
	// UncompressedSize is the raw RGB payload size the mosaic would
	// occupy; the BigTIFF decision and user-facing size warnings both
	// come from it.
	UncompressedSize uint64

	// Georeferencing in EPSG:3857 meters. Origin is the top-left corner.
	OriginX    float64
	OriginY    float64
	PixelSizeX float64
	PixelSizeY float64

	// GeoBounds is the WGS84 extent, for display.
	GeoBounds geomath.BoundingBox

	CreatedAt time.Time
}

// Describe computes the output descriptor for a tile rectangle. BigTIFF
// is chosen when forced or when the uncompressed mosaic would cross the
// 4 GiB classic limit.
func Describe(rect geomath.TileRect, source, jobID string, comp geotiff.Compression, forceBigTIFF bool) Descriptor {
	width := rect.Cols() * geomath.TileSize
	height := rect.Rows() * geomath.TileSize

	minX, maxY := geomath.TileToMercator(rect.XMin, rect.YTop, rect.Zoom)
	maxX, minY := geomath.TileToMercator(rect.XMax+1, rect.YBottom+1, rect.Zoom)

	minLon, maxLat := geomath.TileToLonLat(rect.XMin, rect.YTop, rect.Zoom)
	maxLon, minLat := geomath.TileToLonLat(rect.XMax+1, rect.YBottom+1, rect.Zoom)

	size := uint64(width) * uint64(height) * 3
	if comp == 0 {
		comp = geotiff.CompressionNone
	}

	return Descriptor{
		Rect:             rect,
		Width:            width,
		Height:           height,
		Source:           source,
		JobID:            jobID,
		Compression:      comp,
		BigTIFF:          forceBigTIFF || size > bigTIFFThreshold,
		UncompressedSize: size,
		OriginX:          minX,
		OriginY:          maxY,
		PixelSizeX:       (maxX - minX) / float64(width),
		PixelSizeY:       (maxY - minY) / float64(height),
		GeoBounds: geomath.BoundingBox{
			MinLon: minLon, MinLat: minLat,
			MaxLon: maxLon, MaxLat: maxLat,
		},
		CreatedAt: time.Now(),
	}
}

func (d Descriptor) tiffOptions() geotiff.Options {
	return geotiff.Options{
		Width:       d.Width,
		Height:      d.Height,
		BigTIFF:     d.BigTIFF,
		Compression: d.Compression,
		PixelScale:  [3]float64{d.PixelSizeX, d.PixelSizeY, 0},
		Tiepoint:    [6]float64{0, 0, 0, d.OriginX, d.OriginY, 0},
		Description: fmt.Sprintf("%s imagery, zoom %d, %dx%d tiles",
			d.Source, d.Rect.Zoom, d.Rect.Cols(), d.Rect.Rows()),
		Software: Software,
		DateTime: d.CreatedAt,
		Metadata: d.gdalMetadata(),
	}
}

// gdalMetadata renders the provenance block GDAL surfaces as per-file
// metadata.
func (d Descriptor) gdalMetadata() string {
	return fmt.Sprintf(`<GDALMetadata>
  <Item name="SOURCE">%s</Item>
  <Item name="ZOOM_LEVEL">%d</Item>
  <Item name="TILE_RECT">x %d-%d, y %d-%d</Item>
  <Item name="JOB_ID">%s</Item>
  <Item name="ACQUIRED">%s</Item>
</GDALMetadata>`,
		d.Source, d.Rect.Zoom,
		d.Rect.XMin, d.Rect.XMax, d.Rect.YTop, d.Rect.YBottom,
		d.JobID, d.CreatedAt.UTC().Format(time.RFC3339))
}

// WriteImage writes a whole in-memory mosaic to path. The file appears
// atomically: pixels go to a temporary sibling which is renamed into
// place only after a complete write.
func WriteImage(path string, img *image.RGBA, d Descriptor) error {
	b := img.Bounds()
	if b.Dx() != d.Width || b.Dy() != d.Height {
		return fmt.Errorf("mosaic is %dx%d, descriptor says %dx%d", b.Dx(), b.Dy(), d.Width, d.Height)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err := geotiff.Encode(f, img, d.tiffOptions()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode GeoTIFF: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finish output file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// StreamWriter writes tiles straight into the output file as they
// arrive, so mosaics larger than memory never materialize. It is a
// mosaic sink; Close commits the file, Abort discards it.
type StreamWriter struct {
	path string
	tmp  string
	f    *os.File
	w    *geotiff.Writer
}

// NewStreamWriter opens the temporary output and writes the file header.
func NewStreamWriter(path string, d Descriptor) (*StreamWriter, error) {
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w, err := geotiff.NewWriter(f, d.tiffOptions())
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	return &StreamWriter{path: path, tmp: tmp, f: f, w: w}, nil
}

// WriteTile streams one normalized tile at its pixel offset.
func (s *StreamWriter) WriteTile(px, py int, tile *image.RGBA) error {
	return s.w.WriteTile(px, py, tile)
}

// Close finalizes the directory and renames the output into place.
func (s *StreamWriter) Close() error {
	if err := s.w.Close(); err != nil {
		s.f.Close()
		os.Remove(s.tmp)
		return fmt.Errorf("failed to finalize GeoTIFF: %w", err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.tmp)
		return fmt.Errorf("failed to finish output file: %w", err)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		os.Remove(s.tmp)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// Abort discards the partial output.
func (s *StreamWriter) Abort() {
	s.f.Close()
	os.Remove(s.tmp)
}
