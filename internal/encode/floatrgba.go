package encode

import (
	"image"
	"math"
)

// DefaultNoData is the sentinel assumed when a scalar raster declares no
// nodata value of its own.
const DefaultNoData = -9999999.0

// DefaultNoDataTolerance is the absolute tolerance of the nodata
// comparison. Values this close to the sentinel encode as transparent;
// datasets whose valid range brushes the sentinel should override it in
// the application config.
const DefaultNoDataTolerance = 1e-6

const mantissaBase = 8388608 // 2^23

// FloatRGBA packs scalar pixels into 4x8-bit channels and back. The
// mantissa occupies R, G and B; the biased exponent sits in A, so an
// alpha of zero doubles as the transparency marker and survives every
// image pipeline that preserves fully transparent pixels.
type FloatRGBA struct {
	NoData    float64
	Tolerance float64
}

// NewFloatRGBA returns a codec for the given nodata sentinel. A zero
// tolerance selects the default.
func NewFloatRGBA(nodata, tolerance float64) *FloatRGBA {
	if tolerance <= 0 {
		tolerance = DefaultNoDataTolerance
	}
	return &FloatRGBA{NoData: nodata, Tolerance: tolerance}
}

// EncodePixel packs one value. Nodata (within tolerance), NaN and
// infinities encode as the fully transparent pixel.
func (c *FloatRGBA) EncodePixel(v float64) (r, g, b, a uint8) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v-c.NoData) < c.Tolerance {
		return 0, 0, 0, 0
	}

	var sign float64
	switch {
	case v > 0:
		sign = 1
	case v < 0:
		sign = -1
	}
	m := math.Abs(v)
	norm := 1 - sign*sign // 1 only for v == 0, making log2 well-defined
	exp := math.Floor(math.Log2(m + norm))
	mantissa := math.Floor(mantissaBase + sign + sign*mantissaBase*(m/math.Pow(2, exp)-1))

	// The mantissa is confined to 24 bits; values at the very edge of an
	// exponent bucket would otherwise spill into the next channel.
	if mantissa > 2*mantissaBase-1 {
		mantissa = 2*mantissaBase - 1
	}
	if mantissa < 0 {
		mantissa = 0
	}

	ri := math.Floor(mantissa / 65536)
	gi := math.Floor(math.Mod(mantissa, 65536) / 256)
	bi := mantissa - ri*65536 - gi*256
	return uint8(ri), uint8(gi), uint8(bi), uint8(exp + 128)
}

// DecodePixel recovers the value from one pixel. The second return is
// false for the transparency marker.
func (c *FloatRGBA) DecodePixel(r, g, b, a uint8) (float64, bool) {
	if a == 0 {
		return 0, false
	}
	exp := float64(a) - 128
	mantissa := float64(r)*65536 + float64(g)*256 + float64(b)

	if mantissa == mantissaBase {
		return 0, true
	}
	var m float64
	if mantissa > mantissaBase {
		f := 1 + (mantissa-mantissaBase-1)/mantissaBase
		m = f * math.Pow(2, exp)
		return m, true
	}
	f := 1 + (mantissaBase-1-mantissa)/mantissaBase
	m = f * math.Pow(2, exp)
	return -m, true
}

// EncodeTile packs a scalar window into an RGBA image. A fully-nodata
// window returns (nil, false) so callers can skip the tile entirely.
func (c *FloatRGBA) EncodeTile(values []float64, width, height int) (*image.NRGBA, bool) {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	hasData := false
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, a := c.EncodePixel(values[y*width+x])
			off := img.PixOffset(x, y)
			img.Pix[off+0] = r
			img.Pix[off+1] = g
			img.Pix[off+2] = b
			img.Pix[off+3] = a
			if a != 0 {
				hasData = true
			}
		}
	}
	if !hasData {
		return nil, false
	}
	return img, true
}
