// Package mosaic places downloaded tiles onto a pixel grid. The
// Assembler normalizes every tile to opaque 8-bit RGB and hands it to a
// Sink at its pixel offset; sinks decide whether pixels land in memory
// or stream straight into an output file. Tiles that never arrive stay
// zero-filled (black), so a partially failed download still yields a
// georeferenced image.
package mosaic

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"

	"satellite-downloader/internal/geomath"
)

// Sink consumes normalized tiles at pixel offsets. WriteTile is always
// called from a single goroutine; implementations need no locking.
type Sink interface {
	WriteTile(px, py int, tile *image.RGBA) error
}

// Assembler maps tile indices to pixel offsets within a tile rectangle
// and normalizes tile images before handing them to the sink.
type Assembler struct {
	rect geomath.TileRect
	sink Sink
	log  zerolog.Logger
}

// NewAssembler creates an assembler for the given rectangle writing into
// sink.
func NewAssembler(rect geomath.TileRect, sink Sink, log zerolog.Logger) *Assembler {
	return &Assembler{rect: rect, sink: sink, log: log}
}

// Width returns the mosaic width in pixels.
func (a *Assembler) Width() int { return a.rect.Cols() * geomath.TileSize }

// Height returns the mosaic height in pixels.
func (a *Assembler) Height() int { return a.rect.Rows() * geomath.TileSize }

// Add places one tile. Tiles outside the rectangle are skipped with a
// warning rather than corrupting neighbors; tiles at an unexpected size
// are resized to the native tile edge.
func (a *Assembler) Add(t geomath.TileIndex, img image.Image) error {
	if !a.rect.Contains(t) {
		a.log.Warn().Stringer("tile", t).Msg("tile outside mosaic bounds, skipping")
		return nil
	}

	px := (t.X - a.rect.XMin) * geomath.TileSize
	py := (t.Y - a.rect.YTop) * geomath.TileSize
	return a.sink.WriteTile(px, py, Normalize(img))
}

// Normalize converts any decoded tile to an opaque 8-bit RGBA at the
// native tile size. Grayscale expands to three equal channels; alpha is
// composited over black; off-size tiles are rescaled.
func Normalize(img image.Image) *image.RGBA {
	b := img.Bounds()

	if b.Dx() != geomath.TileSize || b.Dy() != geomath.TileSize {
		scaled := image.NewRGBA(image.Rect(0, 0, geomath.TileSize, geomath.TileSize))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, xdraw.Src, nil)
		img = scaled
		b = scaled.Bounds()
	}

	out := image.NewRGBA(image.Rect(0, 0, geomath.TileSize, geomath.TileSize))
	// Composite over opaque black so translucent provider tiles drop
	// their alpha the same way everywhere.
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// Buffer is the in-memory Sink: one RGBA image covering the whole
// mosaic, zero-filled black where no tile lands.
type Buffer struct {
	img *image.RGBA
}

// NewBuffer allocates an opaque black mosaic buffer for the rectangle.
// Very large rectangles should use a streaming sink instead; the caller
// decides the cutoff.
func NewBuffer(rect geomath.TileRect) *Buffer {
	w := rect.Cols() * geomath.TileSize
	h := rect.Rows() * geomath.TileSize
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return &Buffer{img: img}
}

// WriteTile copies the tile into the buffer at the given offset.
func (b *Buffer) WriteTile(px, py int, tile *image.RGBA) error {
	r := image.Rect(px, py, px+geomath.TileSize, py+geomath.TileSize)
	if !r.In(b.img.Bounds()) {
		return fmt.Errorf("tile offset (%d,%d) outside mosaic %v", px, py, b.img.Bounds())
	}
	draw.Draw(b.img, r, tile, image.Point{}, draw.Src)
	return nil
}

// Image returns the assembled mosaic.
func (b *Buffer) Image() *image.RGBA { return b.img }
