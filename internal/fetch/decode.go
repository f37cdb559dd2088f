package fetch

import (
	"bytes"
	"fmt"
	"image"

	// Providers serve PNG or JPEG; a few CDNs transparently re-encode to
	// WebP, so register that decoder too.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// DecodeError reports payload bytes that no registered image decoder
// accepts. From the cache it means re-fetch; from the network it fails
// the tile.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode tile image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeTile(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Format: format, Err: err}
	}
	return img, nil
}
