package geotiff

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
	"time"
)

// Options configures a Writer.
type Options struct {
	// Width and Height in pixels, both multiples of TileSize.
	Width  int
	Height int

	// BigTIFF selects the 64-bit layout. Classic files fail on Close if
	// any offset would overflow 32 bits.
	BigTIFF bool

	Compression Compression
	JPEGQuality int // 1..100, default 90, JPEG only

	// Georeferencing in the output CRS: PixelScale is [x, y, z] pixel
	// size, Tiepoint ties raster (0,0) to the world point [X, Y, Z].
	PixelScale [3]float64
	Tiepoint   [6]float64

	// Provenance.
	Description string    // ImageDescription
	Software    string    // Software
	DateTime    time.Time // zero means time.Now
	Metadata    string    // GDAL metadata XML, written verbatim
}

// Writer streams 256x256 blocks into a tiled (Big)TIFF. Blocks are
// appended in arrival order; the directory is written on Close. Not safe
// for concurrent use.
type Writer struct {
	ws   io.WriteSeeker
	opt  Options
	cdc  codec
	cols int
	rows int

	offsets []uint64 // 0 means block not yet written
	counts  []uint64
	pos     uint64
	closed  bool
}

// NewWriter writes the file header and prepares for streaming blocks.
func NewWriter(ws io.WriteSeeker, opt Options) (*Writer, error) {
	if opt.Width <= 0 || opt.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", opt.Width, opt.Height)
	}
	if opt.Width%TileSize != 0 || opt.Height%TileSize != 0 {
		return nil, fmt.Errorf("image size %dx%d is not a multiple of the %d-pixel block edge",
			opt.Width, opt.Height, TileSize)
	}
	if opt.Compression == 0 {
		opt.Compression = CompressionNone
	}
	cdc, err := newCodec(opt.Compression, opt.JPEGQuality)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		ws:   ws,
		opt:  opt,
		cdc:  cdc,
		cols: opt.Width / TileSize,
		rows: opt.Height / TileSize,
	}
	w.offsets = make([]uint64, w.cols*w.rows)
	w.counts = make([]uint64, w.cols*w.rows)

	var header []byte
	if opt.BigTIFF {
		// II 0x2B, offset size 8, reserved 0, directory offset patched
		// on Close.
		header = append([]byte{'I', 'I', 0x2B, 0x00, 0x08, 0x00, 0x00, 0x00}, enc64(0)...)
	} else {
		header = append([]byte{'I', 'I', 0x2A, 0x00}, enc32(0)...)
	}
	if _, err := ws.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	w.pos = uint64(len(header))
	return w, nil
}

// WriteTile encodes one block at pixel offset (px, py), both multiples
// of TileSize inside the image. Each block may be written once.
func (w *Writer) WriteTile(px, py int, tile *image.RGBA) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if px%TileSize != 0 || py%TileSize != 0 {
		return fmt.Errorf("block offset (%d,%d) is not block-aligned", px, py)
	}
	col, row := px/TileSize, py/TileSize
	if col < 0 || col >= w.cols || row < 0 || row >= w.rows {
		return fmt.Errorf("block offset (%d,%d) outside %dx%d image", px, py, w.opt.Width, w.opt.Height)
	}
	if b := tile.Bounds(); b.Dx() != TileSize || b.Dy() != TileSize {
		return fmt.Errorf("block is %dx%d, want %dx%d", b.Dx(), b.Dy(), TileSize, TileSize)
	}
	idx := row*w.cols + col
	if w.offsets[idx] != 0 {
		return fmt.Errorf("block (%d,%d) already written", col, row)
	}

	data, err := w.cdc.encode(tile)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	off, err := w.appendBlock(data)
	if err != nil {
		return err
	}
	w.offsets[idx] = off
	w.counts[idx] = uint64(len(data))
	return nil
}

// Close fills unwritten blocks with a shared zero block, writes the
// directory, and patches the header to point at it. The underlying
// writer is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.fillMissingBlocks(); err != nil {
		return err
	}
	ifdOffset, err := w.writeIFD()
	if err != nil {
		return err
	}

	// Patch the directory offset left blank in the header.
	if w.opt.BigTIFF {
		if _, err := w.ws.Seek(8, io.SeekStart); err != nil {
			return fmt.Errorf("failed to patch header: %w", err)
		}
		_, err = w.ws.Write(enc64(ifdOffset))
	} else {
		if ifdOffset > math.MaxUint32 {
			return fmt.Errorf("directory offset %d overflows classic TIFF, use BigTIFF", ifdOffset)
		}
		if _, err := w.ws.Seek(4, io.SeekStart); err != nil {
			return fmt.Errorf("failed to patch header: %w", err)
		}
		_, err = w.ws.Write(enc32(uint32(ifdOffset)))
	}
	if err != nil {
		return fmt.Errorf("failed to patch header: %w", err)
	}
	return nil
}

// appendBlock writes data at the next word-aligned position.
func (w *Writer) appendBlock(data []byte) (uint64, error) {
	if err := w.align(); err != nil {
		return 0, err
	}
	off := w.pos
	n, err := w.ws.Write(data)
	w.pos += uint64(n)
	if err != nil {
		return 0, fmt.Errorf("failed to write block: %w", err)
	}
	return off, nil
}

func (w *Writer) align() error {
	if w.pos%2 == 0 {
		return nil
	}
	if _, err := w.ws.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	w.pos++
	return nil
}

// fillMissingBlocks points every unwritten block at one shared encoded
// zero block. Missing tiles cost one block of file space total.
func (w *Writer) fillMissingBlocks() error {
	missing := false
	for _, off := range w.offsets {
		if off == 0 {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	zero := image.NewRGBA(image.Rect(0, 0, TileSize, TileSize))
	for i := 3; i < len(zero.Pix); i += 4 {
		zero.Pix[i] = 0xff
	}
	data, err := w.cdc.encode(zero)
	if err != nil {
		return fmt.Errorf("failed to encode zero block: %w", err)
	}
	off, err := w.appendBlock(data)
	if err != nil {
		return err
	}
	for i := range w.offsets {
		if w.offsets[i] == 0 {
			w.offsets[i] = off
			w.counts[i] = uint64(len(data))
		}
	}
	return nil
}

type ifdEntry struct {
	tag   uint16
	dtype uint16
	count uint64
	data  []byte
}

func (w *Writer) buildEntries() ([]ifdEntry, error) {
	var entries []ifdEntry
	add := func(tag, dtype uint16, count int, data []byte) {
		entries = append(entries, ifdEntry{tag: tag, dtype: dtype, count: uint64(count), data: data})
	}
	ascii := func(tag uint16, s string) {
		b := append([]byte(s), 0)
		add(tag, dtASCII, len(b), b)
	}

	add(tagImageWidth, dtLong, 1, enc32(uint32(w.opt.Width)))
	add(tagImageLength, dtLong, 1, enc32(uint32(w.opt.Height)))
	add(tagBitsPerSample, dtShort, 3, enc16s([]uint16{8, 8, 8}))
	add(tagCompression, dtShort, 1, enc16(uint16(w.opt.Compression)))

	// JPEG blocks carry YCbCr streams; everything else is plain RGB.
	photometric := uint16(2)
	if w.opt.Compression == CompressionJPEG {
		photometric = 6
	}
	add(tagPhotometric, dtShort, 1, enc16(photometric))

	add(tagSamplesPerPixel, dtShort, 1, enc16(3))
	add(tagXResolution, dtRational, 1, encRational(72, 1))
	add(tagYResolution, dtRational, 1, encRational(72, 1))
	add(tagPlanarConfig, dtShort, 1, enc16(1))
	add(tagResolutionUnit, dtShort, 1, enc16(2))
	add(tagTileWidth, dtShort, 1, enc16(TileSize))
	add(tagTileLength, dtShort, 1, enc16(TileSize))

	if w.opt.BigTIFF {
		add(tagTileOffsets, dtLong8, len(w.offsets), enc64s(w.offsets))
	} else {
		offs := make([]uint32, len(w.offsets))
		for i, off := range w.offsets {
			if off > math.MaxUint32 {
				return nil, fmt.Errorf("block offset %d overflows classic TIFF, use BigTIFF", off)
			}
			offs[i] = uint32(off)
		}
		add(tagTileOffsets, dtLong, len(offs), enc32s(offs))
	}
	counts := make([]uint32, len(w.counts))
	for i, c := range w.counts {
		counts[i] = uint32(c)
	}
	add(tagTileByteCounts, dtLong, len(counts), enc32s(counts))

	add(tagModelPixelScale, dtDouble, 3, encDoubles(w.opt.PixelScale[:]))
	add(tagModelTiepoint, dtDouble, 6, encDoubles(w.opt.Tiepoint[:]))
	add(tagGeoKeyDirectory, dtShort, len(webMercatorGeoKeys), enc16s(webMercatorGeoKeys))

	if w.opt.Description != "" {
		ascii(tagImageDescription, w.opt.Description)
	}
	if w.opt.Software != "" {
		ascii(tagSoftware, w.opt.Software)
	}
	dt := w.opt.DateTime
	if dt.IsZero() {
		dt = time.Now()
	}
	ascii(tagDateTime, dt.Format("2006:01:02 15:04:05"))
	if w.opt.Metadata != "" {
		ascii(tagGDALMetadata, w.opt.Metadata)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	return entries, nil
}

// writeIFD serializes the directory at the current position: the entry
// table first, oversized values in a data area directly after it.
func (w *Writer) writeIFD() (uint64, error) {
	entries, err := w.buildEntries()
	if err != nil {
		return 0, err
	}
	if err := w.align(); err != nil {
		return 0, err
	}
	ifdOffset := w.pos

	inline := 4
	tableSize := 2 + 12*len(entries) + 4
	if w.opt.BigTIFF {
		inline = 8
		tableSize = 8 + 20*len(entries) + 8
	}
	dataOffset := ifdOffset + uint64(tableSize)

	var table, overflow bytes.Buffer
	if w.opt.BigTIFF {
		table.Write(enc64(uint64(len(entries))))
	} else {
		table.Write(enc16(uint16(len(entries))))
	}

	for _, e := range entries {
		table.Write(enc16(e.tag))
		table.Write(enc16(e.dtype))
		if w.opt.BigTIFF {
			table.Write(enc64(e.count))
		} else {
			table.Write(enc32(uint32(e.count)))
		}

		val := make([]byte, inline)
		if len(e.data) <= inline {
			copy(val, e.data)
		} else {
			off := dataOffset + uint64(overflow.Len())
			if !w.opt.BigTIFF && off+uint64(len(e.data)) > math.MaxUint32 {
				return 0, fmt.Errorf("directory data overflows classic TIFF, use BigTIFF")
			}
			if w.opt.BigTIFF {
				copy(val, enc64(off))
			} else {
				copy(val, enc32(uint32(off)))
			}
			overflow.Write(e.data)
			if overflow.Len()%2 == 1 {
				overflow.WriteByte(0)
			}
		}
		table.Write(val)
	}

	// No further directories.
	if w.opt.BigTIFF {
		table.Write(enc64(0))
	} else {
		table.Write(enc32(0))
	}

	for _, buf := range []*bytes.Buffer{&table, &overflow} {
		n, err := w.ws.Write(buf.Bytes())
		w.pos += uint64(n)
		if err != nil {
			return 0, fmt.Errorf("failed to write directory: %w", err)
		}
	}
	return ifdOffset, nil
}

// Encode writes a whole in-memory mosaic in one call, block by block.
// The image bounds must be multiples of TileSize on both axes; Width and
// Height in opt are taken from the image.
func Encode(ws io.WriteSeeker, img *image.RGBA, opt Options) error {
	b := img.Bounds()
	opt.Width, opt.Height = b.Dx(), b.Dy()

	w, err := NewWriter(ws, opt)
	if err != nil {
		return err
	}
	for py := 0; py < opt.Height; py += TileSize {
		for px := 0; px < opt.Width; px += TileSize {
			r := image.Rect(b.Min.X+px, b.Min.Y+py, b.Min.X+px+TileSize, b.Min.Y+py+TileSize)
			if err := w.WriteTile(px, py, img.SubImage(r).(*image.RGBA)); err != nil {
				return err
			}
		}
	}
	return w.Close()
}
