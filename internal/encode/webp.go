package encode

import (
	"bytes"
	"image"

	"github.com/gen2brain/webp"
)

// WebPEncoder encodes tiles as WebP.
type WebPEncoder struct {
	Quality  int // 1-100, default 75
	Lossless bool
}

func (e *WebPEncoder) Encode(img image.Image) ([]byte, error) {
	quality := e.Quality
	if quality <= 0 {
		quality = 75
	}
	var buf bytes.Buffer
	err := webp.Encode(&buf, img, webp.Options{Quality: quality, Lossless: e.Lossless})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *WebPEncoder) Format() string        { return "webp" }
func (e *WebPEncoder) ContentType() string   { return "image/webp" }
func (e *WebPEncoder) FileExtension() string { return "webp" }
