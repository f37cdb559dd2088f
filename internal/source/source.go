// Package source describes the imagery providers tiles can be fetched
// from. Each provider is a row in a closed configuration table,
// dispatched through the Source interface; adding a provider is a
// reviewable table change, not a new subclass.
package source

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UserAgent is sent with every tile request. Some providers reject
// unidentified clients.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Request is a fully resolved tile request: the URL to GET and the
// headers to send with it.
type Request struct {
	URL     string
	Headers map[string]string
}

// Source is one imagery provider. Implementations are immutable after
// construction; TileRequest is pure given the construction-time date for
// time-varying providers.
type Source interface {
	// Name returns the canonical provider name.
	Name() string
	// Description returns a human-readable provider description.
	Description() string
	// TileRequest builds the request for a tile. Coordinates follow the
	// XYZ convention (y grows southward); providers using WMTS
	// northward rows flip internally.
	TileRequest(x, y, zoom int) Request
	// ZoomRange returns the inclusive zoom range the provider serves.
	ZoomRange() (min, max int)
	// Projection returns the provider's CRS identifier.
	Projection() string
	// RequiresAuth reports whether requests need credentials. No current
	// provider does, but the interface carries the capability.
	RequiresAuth() bool
	// AuthHeaders returns authentication headers, empty unless required.
	AuthHeaders() map[string]string
	// MaxCloudCover returns the configured cloud cover ceiling in
	// percent, 0 where the provider has no such notion.
	MaxCloudCover() float64
	// TileSize returns the native tile edge length in pixels.
	TileSize() int
	// FileExt returns the raw image extension the provider serves,
	// without the dot.
	FileExt() string
}

// spec is the immutable configuration of one provider kind.
type spec struct {
	name          string
	description   string
	urlTemplate   string // placeholders: {z} {x} {y} {row} {time}
	flipRow       bool   // WMTS tile matrices count rows northward
	timed         bool   // substitute {time} with the construction date
	minZoom       int
	maxZoom       int
	defaultCloud  float64
	tileExt       string
	aliases       []string
}

// table is the closed set of known providers.
var table = []spec{
	{
		name:        "google",
		description: "Google satellite imagery (XYZ tiles)",
		urlTemplate: "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}",
		minZoom:     0,
		maxZoom:     21,
		tileExt:     "jpg",
		aliases:     []string{"google-satellite", "gmaps"},
	},
	{
		name:         "sentinel2",
		description:  "Sentinel-2 MSI via NASA GIBS (ESA, latest imagery)",
		urlTemplate:  "https://gibs.earthdata.nasa.gov/wmts/epsg3857/best/COPERNICUS_S2_RADIOMETRY/default/{time}/GoogleMapsCompatible/{z}/{row}/{x}.png",
		flipRow:      true,
		timed:        true,
		minZoom:      0,
		maxZoom:      13,
		defaultCloud: 20,
		tileExt:      "png",
		aliases:      []string{"sentinel-2", "s2", "sentinel"},
	},
	{
		name:         "landsat",
		description:  "Landsat 8/9 via NASA GIBS (NASA/USGS, 30m resolution)",
		urlTemplate:  "https://gibs.earthdata.nasa.gov/wmts/epsg3857/best/LC09_L1TP/default/{time}/GoogleMapsCompatible/{z}/{row}/{x}.png",
		flipRow:      true,
		timed:        true,
		minZoom:      0,
		maxZoom:      12,
		defaultCloud: 40,
		tileExt:      "png",
		aliases:      []string{"l8", "l9", "lc08", "lc09"},
	},
	{
		name:         "modis",
		description:  "MODIS Terra via NASA GIBS (NASA, 250m resolution, daily)",
		urlTemplate:  "https://gibs.earthdata.nasa.gov/wmts/epsg3857/best/MODIS_Terra_TrueColor/default/{time}/GoogleMapsCompatible/{z}/{row}/{x}.png",
		flipRow:      true,
		timed:        true,
		minZoom:      0,
		maxZoom:      9,
		defaultCloud: 50,
		tileExt:      "png",
		aliases:      []string{"terra"},
	},
	{
		name:        "esri",
		description: "Esri World Imagery (multi-source, high resolution)",
		urlTemplate: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
		minZoom:     0,
		maxZoom:     17,
		tileExt:     "jpg",
		aliases:     []string{"worldimagery", "world-imagery"},
	},
	{
		name:        "osm",
		description: "OpenStreetMap (rendered map tiles, not imagery)",
		urlTemplate: "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		minZoom:     0,
		maxZoom:     19,
		tileExt:     "png",
		aliases:     []string{"openstreetmap"},
	},
}

// UnknownSourceError is returned when a provider name does not resolve.
type UnknownSourceError struct {
	Name      string
	Available []string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown data source %q, available sources: %s",
		e.Name, strings.Join(e.Available, ", "))
}

// tileSource is the single Source implementation; provider variance is
// entirely in the spec row and the frozen construction date.
type tileSource struct {
	spec       spec
	cloudCover float64
	date       string // YYYY-MM-DD, only set for timed providers
}

// Options adjusts provider construction.
type Options struct {
	// MaxCloudCover overrides the provider default when > 0. Ignored by
	// providers where cloud cover is not applicable.
	MaxCloudCover float64
	// Now supplies the date used by time-varying providers; defaults to
	// time.Now.
	Now func() time.Time
}

// Lookup resolves a provider by name or alias, case-insensitively.
func Lookup(name string, opts Options) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, s := range table {
		if s.name == key || containsAlias(s.aliases, key) {
			return newTileSource(s, opts), nil
		}
	}
	return nil, &UnknownSourceError{Name: name, Available: Names()}
}

// Names returns every accepted provider name and alias, sorted.
func Names() []string {
	var names []string
	for _, s := range table {
		names = append(names, s.name)
		names = append(names, s.aliases...)
	}
	sort.Strings(names)
	return names
}

// Info summarizes one provider for display.
type Info struct {
	Name         string
	Description  string
	Projection   string
	MinZoom      int
	MaxZoom      int
	RequiresAuth bool
	Aliases      []string
}

// List returns display information for every provider in table order.
func List() []Info {
	infos := make([]Info, 0, len(table))
	for _, s := range table {
		infos = append(infos, Info{
			Name:        s.name,
			Description: s.description,
			Projection:  "EPSG:3857",
			MinZoom:     s.minZoom,
			MaxZoom:     s.maxZoom,
			Aliases:     s.aliases,
		})
	}
	return infos
}

func newTileSource(s spec, opts Options) *tileSource {
	src := &tileSource{spec: s, cloudCover: s.defaultCloud}
	if opts.MaxCloudCover > 0 && s.defaultCloud > 0 {
		src.cloudCover = opts.MaxCloudCover
	}
	if s.timed {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		src.date = now().UTC().Format("2006-01-02")
	}
	return src
}

func (s *tileSource) Name() string        { return s.spec.name }
func (s *tileSource) Description() string { return s.spec.description }
func (s *tileSource) Projection() string  { return "EPSG:3857" }
func (s *tileSource) RequiresAuth() bool  { return false }
func (s *tileSource) TileSize() int       { return 256 }
func (s *tileSource) FileExt() string     { return s.spec.tileExt }

func (s *tileSource) ZoomRange() (min, max int) {
	return s.spec.minZoom, s.spec.maxZoom
}

func (s *tileSource) AuthHeaders() map[string]string {
	return map[string]string{}
}

func (s *tileSource) MaxCloudCover() float64 {
	return s.cloudCover
}

func (s *tileSource) TileRequest(x, y, zoom int) Request {
	row := y
	if s.spec.flipRow {
		// WMTS tile matrices count rows northward, XYZ southward.
		row = (1 << zoom) - 1 - y
	}

	r := strings.NewReplacer(
		"{z}", fmt.Sprint(zoom),
		"{x}", fmt.Sprint(x),
		"{y}", fmt.Sprint(y),
		"{row}", fmt.Sprint(row),
		"{time}", s.date,
	)

	headers := map[string]string{"User-Agent": UserAgent}
	for k, v := range s.AuthHeaders() {
		headers[k] = v
	}
	return Request{URL: r.Replace(s.spec.urlTemplate), Headers: headers}
}

func containsAlias(aliases []string, name string) bool {
	for _, a := range aliases {
		if a == name {
			return true
		}
	}
	return false
}
