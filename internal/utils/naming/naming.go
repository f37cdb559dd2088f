// Package naming builds filesystem-safe names for download outputs.
package naming

import (
	"fmt"
	"math"
	"strings"
	"time"

	"satellite-downloader/internal/geomath"
)

// Quadkey returns the Bing-style quadkey of a tile: one base-4 digit per
// zoom level, interleaving the x and y bits.
func Quadkey(t geomath.TileIndex) string {
	var b strings.Builder
	for i := t.Zoom; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}

// Coordinate formats a coordinate for filenames: hemisphere letter, no
// minus sign, decimal point replaced with 'p' for Windows compatibility.
func Coordinate(coord float64, isLat bool) string {
	dir := "E"
	switch {
	case isLat && coord < 0:
		dir = "S"
	case isLat:
		dir = "N"
	case coord < 0:
		dir = "W"
	}
	return dir + strings.Replace(fmt.Sprintf("%.4f", math.Abs(coord)), ".", "p", 1)
}

// OutputFilename derives the default GeoTIFF filename for a download:
// {source}_{date}_{quadkey}_z{zoom}_{bbox}.tif. The quadkey is the
// bounding box's center tile, a compact spatial handle that sorts
// neighboring downloads together.
func OutputFilename(source string, bbox geomath.BoundingBox, zoom int, date time.Time) string {
	lon, lat := bbox.ClampLat().Center()
	center, err := geomath.LonLatToTile(lon, lat, zoom)
	if err != nil {
		center = geomath.TileIndex{Zoom: zoom}
	}

	bboxStr := fmt.Sprintf("%s-%s_%s-%s",
		Coordinate(bbox.MinLat, true),
		Coordinate(bbox.MaxLat, true),
		Coordinate(bbox.MinLon, false),
		Coordinate(bbox.MaxLon, false))

	return fmt.Sprintf("%s_%s_%s_z%d_%s.tif",
		source, date.UTC().Format("2006-01-02"), Quadkey(center), zoom, bboxStr)
}
