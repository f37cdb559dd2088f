package geotiff

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/hhrutter/lzw"
)

// codec compresses one normalized RGBA block into its on-disk bytes.
type codec interface {
	encode(tile *image.RGBA) ([]byte, error)
}

func newCodec(c Compression, jpegQuality int) (codec, error) {
	switch c {
	case CompressionNone:
		return rawCodec{}, nil
	case CompressionLZW:
		return lzwCodec{}, nil
	case CompressionDeflate:
		return deflateCodec{}, nil
	case CompressionJPEG:
		if jpegQuality <= 0 || jpegQuality > 100 {
			jpegQuality = 90
		}
		return jpegCodec{quality: jpegQuality}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", c)
	}
}

// rgbBytes flattens a block to interleaved 8-bit RGB, dropping alpha.
func rgbBytes(tile *image.RGBA) []byte {
	b := tile.Bounds()
	out := make([]byte, b.Dx()*b.Dy()*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := tile.Pix[tile.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out[i] = row[x*4]
			out[i+1] = row[x*4+1]
			out[i+2] = row[x*4+2]
			i += 3
		}
	}
	return out
}

type rawCodec struct{}

func (rawCodec) encode(tile *image.RGBA) ([]byte, error) {
	return rgbBytes(tile), nil
}

type lzwCodec struct{}

func (lzwCodec) encode(tile *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	// TIFF LZW uses the early-change variant.
	w := lzw.NewWriter(&buf, true)
	if _, err := w.Write(rgbBytes(tile)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type deflateCodec struct{}

func (deflateCodec) encode(tile *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(rgbBytes(tile)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// jpegCodec stores each block as a complete JPEG stream (new-style
// JPEG-in-TIFF, compression 7).
type jpegCodec struct {
	quality int
}

func (c jpegCodec) encode(tile *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, tile, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
