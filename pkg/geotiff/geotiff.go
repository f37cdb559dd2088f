// Package geotiff writes tiled, georeferenced TIFF files in classic and
// BigTIFF layouts. Tiles are appended to the file as they arrive and the
// image file directory is written once on Close, so a mosaic larger than
// memory can stream straight to disk. Pixel data is 8-bit RGB in 256x256
// blocks; blocks never written come out as a single shared zero block.
package geotiff

import (
	"encoding/binary"
	"math"
)

// TileSize is the block edge length in pixels. Callers supply image
// dimensions that are multiples of it.
const TileSize = 256

// TIFF data types.
const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
	dtDouble   = 12
	dtLong8    = 16
)

// TIFF tags.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagSamplesPerPixel  = 277
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagSoftware         = 305
	tagDateTime         = 306
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325

	// GeoTIFF tags.
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735

	// GDAL per-file metadata, an XML document.
	tagGDALMetadata = 42112
)

// Compression selects the per-block codec.
type Compression int

const (
	CompressionNone    Compression = 1
	CompressionLZW     Compression = 5
	CompressionJPEG    Compression = 7
	CompressionDeflate Compression = 8
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZW:
		return "lzw"
	case CompressionJPEG:
		return "jpeg"
	case CompressionDeflate:
		return "deflate"
	default:
		return "unknown"
	}
}

var enc = binary.LittleEndian

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc64(v uint64) []byte {
	b := make([]byte, 8)
	enc.PutUint64(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func enc32s(vs []uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		enc.PutUint32(b[i*4:], v)
	}
	return b
}

func enc64s(vs []uint64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}

// webMercatorGeoKeys is the GeoKeyDirectory for EPSG:3857.
// Layout: version header then [KeyID, TagLocation, Count, Value] rows.
var webMercatorGeoKeys = []uint16{
	1, 1, 0, 4,
	1024, 0, 1, 1, // GTModelTypeGeoKey = projected
	1025, 0, 1, 1, // GTRasterTypeGeoKey = PixelIsArea
	3072, 0, 1, 3857, // ProjectedCSTypeGeoKey = EPSG:3857
	3076, 0, 1, 9001, // ProjLinearUnitsGeoKey = meter
}
