package encode

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	return img
}

func TestEncodersRoundTrip(t *testing.T) {
	for _, format := range []string{"png", "jpeg", "webp"} {
		t.Run(format, func(t *testing.T) {
			enc, err := NewEncoder(format, 90)
			if err != nil {
				t.Fatalf("NewEncoder: %v", err)
			}
			data, err := enc.Encode(testImage())
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(data) == 0 {
				t.Fatal("Encode produced no bytes")
			}
			img, err := DecodeImage(data, format)
			if err != nil {
				t.Fatalf("DecodeImage: %v", err)
			}
			if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
				t.Errorf("decoded bounds = %v, want 16x16", img.Bounds())
			}
		})
	}
}

func TestNewEncoderUnknownFormat(t *testing.T) {
	if _, err := NewEncoder("gif", 0); err == nil {
		t.Error("unknown format did not error")
	}
}

func TestPNGDeterministic(t *testing.T) {
	// The serving path and the pyramid engine may both write the same
	// tile; byte-identical output keeps last-writer-wins harmless.
	enc := &PNGEncoder{}
	a, err := enc.Encode(testImage())
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encode(testImage())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("PNG encoding is not deterministic")
	}
}

func TestFloatRGBAEncodeNoData(t *testing.T) {
	c := NewFloatRGBA(DefaultNoData, 0)
	r, g, b, a := c.EncodePixel(DefaultNoData)
	if r != 0 || g != 0 || b != 0 || a != 0 {
		t.Errorf("nodata encodes to (%d,%d,%d,%d), want (0,0,0,0)", r, g, b, a)
	}
	// Values within tolerance of the sentinel are nodata too.
	if _, _, _, a := c.EncodePixel(DefaultNoData + 1e-7); a != 0 {
		t.Error("near-nodata value did not encode transparent")
	}
	if _, _, _, a := c.EncodePixel(math.NaN()); a != 0 {
		t.Error("NaN did not encode transparent")
	}
}

func TestFloatRGBARoundTrip(t *testing.T) {
	c := NewFloatRGBA(DefaultNoData, 0)
	values := []float64{-1e6, -1, -1e-3, 0, 1e-3, 1, 1e6, 0.25, 3.14159265, -273.15, 8848.86}
	for _, v := range values {
		r, g, b, a := c.EncodePixel(v)
		if v != 0 && a == 0 {
			t.Fatalf("value %v encoded as transparent", v)
		}
		got, ok := c.DecodePixel(r, g, b, a)
		if !ok {
			t.Fatalf("value %v decoded as nodata", v)
		}
		if v == 0 {
			if got != 0 {
				t.Fatalf("zero decoded as %v", got)
			}
			continue
		}
		relErr := math.Abs(got-v) / math.Abs(v)
		if relErr > math.Pow(2, -22) {
			t.Errorf("value %v decoded as %v, relative error %g exceeds 2^-22", v, got, relErr)
		}
	}
}

func TestFloatRGBADecodeTransparent(t *testing.T) {
	c := NewFloatRGBA(DefaultNoData, 0)
	if _, ok := c.DecodePixel(12, 34, 56, 0); ok {
		t.Error("alpha 0 decoded as data")
	}
}

func TestFloatRGBAEncodeTile(t *testing.T) {
	c := NewFloatRGBA(DefaultNoData, 0)

	// Single valid pixel among nodata.
	vals := make([]float64, 4*4)
	for i := range vals {
		vals[i] = DefaultNoData
	}
	vals[5] = 0.25
	img, ok := c.EncodeTile(vals, 4, 4)
	if !ok {
		t.Fatal("tile with one valid pixel reported empty")
	}
	off := img.PixOffset(1, 1)
	got, ok := c.DecodePixel(img.Pix[off], img.Pix[off+1], img.Pix[off+2], img.Pix[off+3])
	if !ok {
		t.Fatal("valid pixel decoded as nodata")
	}
	if math.Abs(got-0.25) > 3e-8 {
		t.Errorf("center pixel decodes to %v, want 0.25 within 3e-8", got)
	}
	// Every other pixel is transparent.
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if x == 1 && y == 1 {
				continue
			}
			if img.Pix[img.PixOffset(x, y)+3] != 0 {
				t.Errorf("pixel (%d,%d) alpha != 0", x, y)
			}
		}
	}

	// All-nodata tile reports empty.
	for i := range vals {
		vals[i] = DefaultNoData
	}
	if _, ok := c.EncodeTile(vals, 4, 4); ok {
		t.Error("all-nodata tile not reported empty")
	}
}
