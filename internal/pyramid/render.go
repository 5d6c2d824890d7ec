package pyramid

import (
	"errors"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
)

// ErrEmptyTile marks a tile whose every pixel is nodata or transparent.
// Empty tiles are never persisted; the serving path answers 204.
var ErrEmptyTile = errors.New("pyramid: empty tile")

// RenderSpec carries the per-job parameters needed to turn one
// TileDetail into encoded tile bytes. Both the batch engine and the
// serving path render through this spec, which keeps their outputs
// byte-identical for the same coordinate.
type RenderSpec struct {
	TileSize        int
	Resampling      geotiff.Resampling
	EncodeToRGBA    bool
	NoData          *float64
	NoDataTolerance float64
	Encoder         encode.Encoder
}

// DetailForTile computes the read and write windows of one tile the
// same way the planner does, for callers that render ad hoc (the
// serving path) instead of from a stored plan. ty is in TMS numbering.
func DetailForTile(d *geotiff.Dataset, profile Profile, tmsCompatible bool, tileSize, querysize, tz, tx, ty int) TileDetail {
	if profile == ProfileRaster {
		return rasterDetailForTile(d, tileSize, querysize, tz, tx, ty)
	}

	var b grid.Extent
	switch profile {
	case ProfileGeodetic:
		b = grid.NewGeodetic(tmsCompatible, tileSize).TileBounds(tx, ty, tz)
	default:
		b = grid.NewMercator(tileSize).TileBounds(tx, ty, tz)
	}

	gt := d.GeoRef().GeoTransform()
	rb, wb := geoQuery(gt, d.Width(), d.Height(), b.MinX, b.MaxY, b.MaxX, b.MinY, querysize)
	return TileDetail{
		Tz: tz, Tx: tx, Ty: ty,
		Rx: rb[0], Ry: rb[1], RxSize: rb[2], RySize: rb[3],
		Wx: wb[0], Wy: wb[1], WxSize: wb[2], WySize: wb[3],
		QuerySize: querysize,
	}
}

// rasterDetailForTile computes raw-profile windows in source pixels.
func rasterDetailForTile(d *geotiff.Dataset, tileSize, querysize, tz, tx, ty int) TileDetail {
	g := grid.NewRasterGrid(d.Width(), d.Height(), tileSize)
	r := g.RangeForZoom(tz)
	tsize := g.TileSpan(tz)
	xsize := d.Width()
	ysize := d.Height()

	if tz >= g.NativeZoom() {
		querysize = tileSize
	}

	rx := tx * tsize
	rxsize := 0
	if tx == r.TMaxX {
		rxsize = xsize % tsize
	}
	if rxsize == 0 {
		rxsize = tsize
	}

	rysize := 0
	if ty == r.TMaxY {
		rysize = ysize % tsize
	}
	if rysize == 0 {
		rysize = tsize
	}
	ry := ysize - (ty * tsize) - rysize

	wx, wy := 0, 0
	wxsize := int(float64(rxsize) / float64(tsize) * float64(tileSize))
	wysize := int(float64(rysize) / float64(tsize) * float64(tileSize))
	if wysize != tileSize {
		wy = tileSize - wysize
	}

	return TileDetail{
		Tz: tz, Tx: tx, Ty: ty,
		Rx: rx, Ry: ry, RxSize: rxsize, RySize: rysize,
		Wx: wx, Wy: wy, WxSize: wxsize, WySize: wysize,
		QuerySize: querysize,
	}
}

// RenderDetail reads the detail's window from the prepared raster and
// produces the encoded tile. Returns ErrEmptyTile when nothing but
// nodata falls inside the tile.
func RenderDetail(d *geotiff.Dataset, spec RenderSpec, det TileDetail) ([]byte, error) {
	if det.RxSize <= 0 || det.RySize <= 0 || det.WxSize <= 0 || det.WySize <= 0 {
		return nil, ErrEmptyTile
	}
	if spec.EncodeToRGBA {
		return renderFloatDetail(d, spec, det)
	}
	return renderImageDetail(d, spec, det)
}

// FloatTile reads the detail's window and returns the tile-sized scalar
// values before any image encoding; the mosaic read-through path
// combines several of these under a pixel-selection rule. Returns
// ErrEmptyTile when the window misses the raster entirely.
func FloatTile(d *geotiff.Dataset, spec RenderSpec, det TileDetail) ([]float64, error) {
	if det.RxSize <= 0 || det.RySize <= 0 || det.WxSize <= 0 || det.WySize <= 0 {
		return nil, ErrEmptyTile
	}
	nodata := encode.DefaultNoData
	if spec.NoData != nil {
		nodata = *spec.NoData
	}

	qs := det.QuerySize
	canvas := make([]float64, qs*qs)
	for i := range canvas {
		canvas[i] = nodata
	}

	vals, err := d.ReadFloat(det.Rx, det.Ry, det.RxSize, det.RySize, det.WxSize, det.WySize, geotiff.ResamplingNearest)
	if err != nil {
		if errors.Is(err, geotiff.ErrWindowOutsideRaster) {
			return nil, ErrEmptyTile
		}
		return nil, err
	}
	for y := 0; y < det.WySize; y++ {
		for x := 0; x < det.WxSize; x++ {
			canvas[(det.Wy+y)*qs+det.Wx+x] = vals[y*det.WxSize+x]
		}
	}

	return resizeFloatCanvas(canvas, qs, spec.TileSize, spec.Resampling, nodata), nil
}

// EncodeFloatTile packs a scalar tile into image bytes, ErrEmptyTile
// when every pixel is nodata.
func EncodeFloatTile(values []float64, spec RenderSpec) ([]byte, error) {
	nodata := encode.DefaultNoData
	if spec.NoData != nil {
		nodata = *spec.NoData
	}
	codec := encode.NewFloatRGBA(nodata, spec.NoDataTolerance)
	img, ok := codec.EncodeTile(values, spec.TileSize, spec.TileSize)
	if !ok {
		return nil, ErrEmptyTile
	}
	return spec.Encoder.Encode(img)
}

// renderFloatDetail renders the scalar band through the RGBA packing.
func renderFloatDetail(d *geotiff.Dataset, spec RenderSpec, det TileDetail) ([]byte, error) {
	scaled, err := FloatTile(d, spec, det)
	if err != nil {
		return nil, err
	}
	return EncodeFloatTile(scaled, spec)
}

// renderImageDetail renders the image bands with the mask in alpha.
func renderImageDetail(d *geotiff.Dataset, spec RenderSpec, det TileDetail) ([]byte, error) {
	qs := det.QuerySize
	canvas := image.NewNRGBA(image.Rect(0, 0, qs, qs))

	img, err := d.ReadRGBA(det.Rx, det.Ry, det.RxSize, det.RySize, det.WxSize, det.WySize, geotiff.ResamplingNearest)
	if err != nil {
		if errors.Is(err, geotiff.ErrWindowOutsideRaster) {
			return nil, ErrEmptyTile
		}
		return nil, err
	}
	for y := 0; y < det.WySize; y++ {
		for x := 0; x < det.WxSize; x++ {
			srcOff := img.PixOffset(x, y)
			dstOff := canvas.PixOffset(det.Wx+x, det.Wy+y)
			copy(canvas.Pix[dstOff:dstOff+4], img.Pix[srcOff:srcOff+4])
		}
	}

	var tile *image.NRGBA
	if qs == spec.TileSize {
		tile = canvas
	} else {
		tile = imaging.Resize(canvas, spec.TileSize, spec.TileSize, resampleFilter(spec.Resampling))
	}

	if fullyTransparent(tile) {
		return nil, ErrEmptyTile
	}
	return spec.Encoder.Encode(tile)
}

// resizeFloatCanvas shrinks the square query canvas to the tile size,
// averaging valid samples for the smoothing methods and picking for the
// rest. Nodata never contaminates valid output pixels.
func resizeFloatCanvas(canvas []float64, qs, ts int, method geotiff.Resampling, nodata float64) []float64 {
	if qs == ts {
		return canvas
	}
	out := make([]float64, ts*ts)
	f := qs / ts
	if f < 1 {
		f = 1
	}
	for oy := 0; oy < ts; oy++ {
		for ox := 0; ox < ts; ox++ {
			switch method {
			case geotiff.ResamplingNearest:
				out[oy*ts+ox] = canvas[(oy*f)*qs+ox*f]
			default:
				sum, n := 0.0, 0
				var mn, mx float64
				first := true
				for dy := 0; dy < f; dy++ {
					for dx := 0; dx < f; dx++ {
						v := canvas[(oy*f+dy)*qs+ox*f+dx]
						if math.IsNaN(v) || v == nodata {
							continue
						}
						sum += v
						n++
						if first || v < mn {
							mn = v
						}
						if first || v > mx {
							mx = v
						}
						first = false
					}
				}
				if n == 0 {
					out[oy*ts+ox] = nodata
					continue
				}
				switch method {
				case geotiff.ResamplingMin:
					out[oy*ts+ox] = mn
				case geotiff.ResamplingMax:
					out[oy*ts+ox] = mx
				default:
					out[oy*ts+ox] = sum / float64(n)
				}
			}
		}
	}
	return out
}

func resampleFilter(m geotiff.Resampling) imaging.ResampleFilter {
	switch m {
	case geotiff.ResamplingNearest:
		return imaging.NearestNeighbor
	case geotiff.ResamplingBilinear:
		return imaging.Linear
	case geotiff.ResamplingCubic:
		return imaging.CatmullRom
	case geotiff.ResamplingCubicSpline:
		return imaging.BSpline
	case geotiff.ResamplingLanczos:
		return imaging.Lanczos
	default:
		return imaging.Box
	}
}

func fullyTransparent(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			return false
		}
	}
	return true
}
