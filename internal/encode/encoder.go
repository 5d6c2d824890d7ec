// Package encode renders tile images to their wire formats and packs
// scalar rasters into the RGBA float encoding browsers can sample.
package encode

import (
	"fmt"
	"image"
)

// Encoder encodes an image into tile bytes.
type Encoder interface {
	// Encode encodes an image to bytes in the tile format.
	Encode(img image.Image) ([]byte, error)

	// Format returns the format name (e.g. "png", "jpeg", "webp").
	Format() string

	// ContentType returns the MIME type served with the tile.
	ContentType() string

	// FileExtension returns the file extension without the dot.
	FileExtension() string
}

// NewEncoder creates an encoder for the given format and quality.
func NewEncoder(format string, quality int) (Encoder, error) {
	switch format {
	case "png", "PNG":
		return &PNGEncoder{}, nil
	case "jpeg", "jpg", "JPEG", "JPG":
		return &JPEGEncoder{Quality: quality}, nil
	case "webp", "WEBP":
		return &WebPEncoder{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("unsupported tile format: %q (supported: png, jpeg, webp)", format)
	}
}

// ForExtension maps a tile file extension to its encoder.
func ForExtension(ext string) (Encoder, error) {
	switch ext {
	case "png":
		return &PNGEncoder{}, nil
	case "jpg", "jpeg":
		return &JPEGEncoder{}, nil
	case "webp":
		return &WebPEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported tile extension: %q", ext)
	}
}

// ContentTypeForExtension returns the MIME type for a tile extension,
// including the vector-tile one the encoders never produce themselves.
func ContentTypeForExtension(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "pbf", "mvt":
		return "application/vnd.mapbox-vector-tile"
	default:
		return "application/octet-stream"
	}
}
