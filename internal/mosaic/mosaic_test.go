package mosaic

import (
	"image"
	"image/color"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satellite-downloader/internal/geomath"
)

func solidTile(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, geomath.TileSize, geomath.TileSize))
	for y := 0; y < geomath.TileSize; y++ {
		for x := 0; x < geomath.TileSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestAssembler_PlacesTilesAtPixelOffsets(t *testing.T) {
	rect := geomath.TileRect{XMin: 10, XMax: 11, YTop: 20, YBottom: 21, Zoom: 8}
	buf := NewBuffer(rect)
	a := NewAssembler(rect, buf, zerolog.Nop())

	require.Equal(t, 512, a.Width())
	require.Equal(t, 512, a.Height())

	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	require.NoError(t, a.Add(geomath.TileIndex{X: 10, Y: 20, Zoom: 8}, solidTile(red)))
	require.NoError(t, a.Add(geomath.TileIndex{X: 11, Y: 21, Zoom: 8}, solidTile(blue)))

	img := buf.Image()
	assert.Equal(t, red, img.RGBAAt(0, 0))
	assert.Equal(t, red, img.RGBAAt(255, 255))
	assert.Equal(t, blue, img.RGBAAt(256, 256))
	assert.Equal(t, blue, img.RGBAAt(511, 511))
}

func TestAssembler_MissingTilesStayBlack(t *testing.T) {
	rect := geomath.TileRect{XMin: 0, XMax: 1, YTop: 0, YBottom: 1, Zoom: 5}
	buf := NewBuffer(rect)
	a := NewAssembler(rect, buf, zerolog.Nop())

	// Fill three tiles of the 2x2 block; (1,0) never arrives.
	green := color.RGBA{G: 200, A: 255}
	for _, ti := range []geomath.TileIndex{
		{X: 0, Y: 0, Zoom: 5},
		{X: 0, Y: 1, Zoom: 5},
		{X: 1, Y: 1, Zoom: 5},
	} {
		require.NoError(t, a.Add(ti, solidTile(green)))
	}

	img := buf.Image()
	assert.Equal(t, green, img.RGBAAt(10, 10))
	// The missing quadrant is opaque black.
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(300, 10))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(511, 0))
}

func TestAssembler_SkipsTileOutsideRect(t *testing.T) {
	rect := geomath.TileRect{XMin: 0, XMax: 0, YTop: 0, YBottom: 0, Zoom: 3}
	buf := NewBuffer(rect)
	a := NewAssembler(rect, buf, zerolog.Nop())

	err := a.Add(geomath.TileIndex{X: 5, Y: 5, Zoom: 3}, solidTile(color.RGBA{R: 1, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{A: 255}, buf.Image().RGBAAt(0, 0))
}

func TestNormalize_ExpandsGrayscale(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, geomath.TileSize, geomath.TileSize))
	for i := range gray.Pix {
		gray.Pix[i] = 99
	}

	out := Normalize(gray)
	got := out.RGBAAt(128, 128)
	assert.Equal(t, color.RGBA{R: 99, G: 99, B: 99, A: 255}, got)
}

func TestNormalize_DropsAlphaOverBlack(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, geomath.TileSize, geomath.TileSize))
	half := color.NRGBA{R: 200, G: 100, B: 50, A: 128}
	for y := 0; y < geomath.TileSize; y++ {
		for x := 0; x < geomath.TileSize; x++ {
			src.SetNRGBA(x, y, half)
		}
	}

	out := Normalize(src)
	got := out.RGBAAt(0, 0)
	assert.Equal(t, uint8(255), got.A)
	// Half-transparent channels composite to roughly half intensity.
	assert.InDelta(t, 100, int(got.R), 2)
	assert.InDelta(t, 50, int(got.G), 2)
	assert.InDelta(t, 25, int(got.B), 2)
}

func TestNormalize_ResizesOffSizeTile(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 512, 512))
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			src.SetRGBA(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}

	out := Normalize(src)
	assert.Equal(t, geomath.TileSize, out.Bounds().Dx())
	assert.Equal(t, geomath.TileSize, out.Bounds().Dy())
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, out.RGBAAt(100, 100))
}
