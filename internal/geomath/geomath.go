// Package geomath implements the Web Mercator tile arithmetic shared by
// every other component: lon/lat to tile index conversion, tile index to
// projected meters, zoom/resolution correspondence, and bounding-box
// coverage. All functions are pure and validate their inputs before any
// caller performs I/O.
package geomath

import (
	"fmt"
	"math"
)

const (
	// TileSize is the pixel dimension of one square web map tile.
	TileSize = 256

	// EarthCircumference is the equatorial circumference in meters.
	EarthCircumference = 40075016.685578488

	// OriginShift is half the earth's circumference; the Web Mercator
	// origin sits at the center of the projected plane.
	OriginShift = EarthCircumference / 2.0

	// WebMercatorLatLimit is the latitude beyond which the Web Mercator
	// projection is no longer finite.
	WebMercatorLatLimit = 85.0511

	MinZoom = 0
	MaxZoom = 25

	// metersPerDegree is the ground distance of one degree of longitude
	// at the equator.
	metersPerDegree = 111320.0
)

// RangeError reports a coordinate, zoom level, or resolution outside its
// valid domain. Inputs are rejected with a RangeError before any network
// or disk activity happens.
type RangeError struct {
	What  string
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s must be between %g and %g, got %g", e.What, e.Min, e.Max, e.Value)
}

// BoundingBox is a geographic extent in WGS84 degrees.
type BoundingBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Validate checks ordering and coordinate ranges.
func (b BoundingBox) Validate() error {
	if b.MinLon < -180 || b.MinLon > 180 {
		return &RangeError{What: "min_lon", Value: b.MinLon, Min: -180, Max: 180}
	}
	if b.MaxLon < -180 || b.MaxLon > 180 {
		return &RangeError{What: "max_lon", Value: b.MaxLon, Min: -180, Max: 180}
	}
	if b.MinLat < -90 || b.MinLat > 90 {
		return &RangeError{What: "min_lat", Value: b.MinLat, Min: -90, Max: 90}
	}
	if b.MaxLat < -90 || b.MaxLat > 90 {
		return &RangeError{What: "max_lat", Value: b.MaxLat, Min: -90, Max: 90}
	}
	if b.MinLon >= b.MaxLon {
		return fmt.Errorf("min_lon (%g) must be less than max_lon (%g)", b.MinLon, b.MaxLon)
	}
	if b.MinLat >= b.MaxLat {
		return fmt.Errorf("min_lat (%g) must be less than max_lat (%g)", b.MinLat, b.MaxLat)
	}
	return nil
}

// Center returns the center point of the bounding box.
func (b BoundingBox) Center() (lon, lat float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

// ClampLat returns a copy of the box with latitudes clamped to the Web
// Mercator limit. Tile math is only defined inside that band.
func (b BoundingBox) ClampLat() BoundingBox {
	c := b
	if c.MinLat < -WebMercatorLatLimit {
		c.MinLat = -WebMercatorLatLimit
	}
	if c.MaxLat > WebMercatorLatLimit {
		c.MaxLat = WebMercatorLatLimit
	}
	return c
}

// TileIndex identifies one tile in the power-of-two XYZ grid. Y grows
// southward: the top of the world is y=0.
type TileIndex struct {
	X    int
	Y    int
	Zoom int
}

func (t TileIndex) String() string {
	return fmt.Sprintf("(%d, %d, %d)", t.Zoom, t.X, t.Y)
}

// TileRect is the minimal rectangle of tile indices covering a bounding
// box at one zoom level. YTop is the northern row and is numerically
// smaller than YBottom; every consumer uses this naming so the inverted
// tile-y axis cannot be confused with latitude ordering.
type TileRect struct {
	XMin    int
	XMax    int
	YTop    int
	YBottom int
	Zoom    int
}

// Cols returns the number of tile columns in the rectangle.
func (r TileRect) Cols() int { return r.XMax - r.XMin + 1 }

// Rows returns the number of tile rows in the rectangle.
func (r TileRect) Rows() int { return r.YBottom - r.YTop + 1 }

// Count returns the total number of tiles in the rectangle.
func (r TileRect) Count() int { return r.Cols() * r.Rows() }

// Contains reports whether the tile index lies inside the rectangle.
func (r TileRect) Contains(t TileIndex) bool {
	return t.Zoom == r.Zoom &&
		t.X >= r.XMin && t.X <= r.XMax &&
		t.Y >= r.YTop && t.Y <= r.YBottom
}

// Tiles enumerates every tile in the rectangle in row-major order, top
// row first. The order is deterministic so an interrupted job resumes
// over the same sequence.
func (r TileRect) Tiles() []TileIndex {
	tiles := make([]TileIndex, 0, r.Count())
	for y := r.YTop; y <= r.YBottom; y++ {
		for x := r.XMin; x <= r.XMax; x++ {
			tiles = append(tiles, TileIndex{X: x, Y: y, Zoom: r.Zoom})
		}
	}
	return tiles
}

func validZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return &RangeError{What: "zoom", Value: float64(zoom), Min: MinZoom, Max: MaxZoom}
	}
	return nil
}

// LonLatToTile converts a WGS84 coordinate to the XYZ tile containing it.
func LonLatToTile(lon, lat float64, zoom int) (TileIndex, error) {
	if lon < -180 || lon > 180 {
		return TileIndex{}, &RangeError{What: "longitude", Value: lon, Min: -180, Max: 180}
	}
	if lat < -WebMercatorLatLimit || lat > WebMercatorLatLimit {
		return TileIndex{}, &RangeError{What: "latitude", Value: lat, Min: -WebMercatorLatLimit, Max: WebMercatorLatLimit}
	}
	if err := validZoom(zoom); err != nil {
		return TileIndex{}, err
	}

	n := math.Exp2(float64(zoom))
	x := int(math.Floor((lon + 180) / 360 * n))

	latRad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n))

	// A coordinate exactly on the east/south edge lands one past the
	// last tile; fold it back in.
	maxTile := int(n) - 1
	if x > maxTile {
		x = maxTile
	}
	if y > maxTile {
		y = maxTile
	}
	if y < 0 {
		y = 0
	}
	return TileIndex{X: x, Y: y, Zoom: zoom}, nil
}

// TileToLonLat returns the WGS84 coordinate of the tile's top-left
// (northwest) corner.
func TileToLonLat(x, y, zoom int) (lon, lat float64) {
	n := math.Exp2(float64(zoom))
	lon = float64(x)/n*360 - 180
	yRad := math.Pi * (1 - 2*float64(y)/n)
	lat = math.Atan(math.Sinh(yRad)) * 180 / math.Pi
	return lon, lat
}

// TileToMercator returns the Web Mercator (EPSG:3857) coordinate of the
// tile's top-left corner in meters.
func TileToMercator(x, y, zoom int) (easting, northing float64) {
	n := math.Exp2(float64(zoom))
	tileSizeMeters := EarthCircumference / n
	easting = float64(x)*tileSizeMeters - OriginShift
	northing = OriginShift - float64(y)*tileSizeMeters
	return easting, northing
}

// TileBounds returns the WGS84 bounding box of a single tile.
func TileBounds(x, y, zoom int) BoundingBox {
	minLon, maxLat := TileToLonLat(x, y, zoom)
	maxLon, minLat := TileToLonLat(x+1, y+1, zoom)
	return BoundingBox{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
}

// ZoomForResolution returns the zoom level whose native ground resolution
// best matches the requested resolution in degrees at the given latitude.
// The result is rounded to the nearest integer zoom and clamped to the
// supported range.
func ZoomForResolution(resolutionDeg, lat float64) (int, error) {
	if resolutionDeg <= 0 {
		return 0, &RangeError{What: "resolution", Value: resolutionDeg, Min: math.SmallestNonzeroFloat64, Max: math.Inf(1)}
	}
	groundResolution := resolutionDeg * metersPerDegree * math.Cos(lat*math.Pi/180)
	zoom := math.Log2(EarthCircumference / (groundResolution * TileSize))
	z := int(math.Round(zoom))
	if z < MinZoom {
		z = MinZoom
	}
	if z > MaxZoom {
		z = MaxZoom
	}
	return z, nil
}

// ResolutionForZoom returns the native ground resolution in degrees of a
// zoom level at the given latitude. It is the exact inverse of
// ZoomForResolution up to the integer zoom quantization.
func ResolutionForZoom(zoom int, lat float64) (float64, error) {
	if err := validZoom(zoom); err != nil {
		return 0, err
	}
	groundResolution := EarthCircumference / (TileSize * math.Exp2(float64(zoom)))
	return groundResolution / (metersPerDegree * math.Cos(lat*math.Pi/180)), nil
}

// EstimateTileCount returns how many tiles a bounding box needs at a
// zoom level, without enumerating them.
func EstimateTileCount(bbox BoundingBox, zoom int) (int, error) {
	rect, err := TilesCovering(bbox, zoom)
	if err != nil {
		return 0, err
	}
	return rect.Count(), nil
}

// TilesCovering computes the minimal tile rectangle covering a bounding
// box at a zoom level. The northwest corner fixes the top row and the
// southeast corner the bottom row, since tile y grows opposite to
// latitude.
func TilesCovering(bbox BoundingBox, zoom int) (TileRect, error) {
	if err := bbox.Validate(); err != nil {
		return TileRect{}, err
	}
	clamped := bbox.ClampLat()

	nw, err := LonLatToTile(clamped.MinLon, clamped.MaxLat, zoom)
	if err != nil {
		return TileRect{}, err
	}
	se, err := LonLatToTile(clamped.MaxLon, clamped.MinLat, zoom)
	if err != nil {
		return TileRect{}, err
	}

	return TileRect{
		XMin:    nw.X,
		XMax:    se.X,
		YTop:    nw.Y,
		YBottom: se.Y,
		Zoom:    zoom,
	}, nil
}
