package geotiff

import (
	"fmt"
	"image"
	"math"

	"github.com/eugenever/tiler/internal/grid"
)

// projection converts between a supported CRS and WGS84 lat/lon. Only
// the tiling profiles' systems are supported; anything else is a fatal
// preprocessing error upstream.
type projection interface {
	toLatLon(x, y float64) (lat, lon float64)
	fromLatLon(lat, lon float64) (x, y float64)
}

type mercatorProjection struct{ m *grid.Mercator }

func (p mercatorProjection) toLatLon(x, y float64) (float64, float64) {
	return p.m.MetersToLatLon(x, y)
}

func (p mercatorProjection) fromLatLon(lat, lon float64) (float64, float64) {
	return p.m.LatLonToMeters(lat, lon)
}

type geographicProjection struct{}

func (geographicProjection) toLatLon(x, y float64) (float64, float64)   { return y, x }
func (geographicProjection) fromLatLon(lat, lon float64) (float64, float64) { return lon, lat }

func projectionFor(epsg int) (projection, error) {
	switch epsg {
	case 3857, 900913, 3785:
		return mercatorProjection{m: grid.NewMercator(grid.DefaultTileSize)}, nil
	case 4326:
		return geographicProjection{}, nil
	default:
		return nil, fmt.Errorf("%w: EPSG:%d", ErrUnknownSRS, epsg)
	}
}

// Warped is a virtual reprojected view of a dataset: reads address the
// destination CRS grid and are satisfied by inverse-projecting every
// output pixel back into the source raster.
type Warped struct {
	src      *Dataset
	srcProj  projection
	dstProj  projection
	ref      GeoRef
	width    int
	height   int
	method   Resampling
}

// Warp builds a virtual warped view of src in the dstEPSG system. The
// destination grid keeps roughly the source resolution with square
// pixels. Sources without a georeference cannot be warped.
func Warp(src *Dataset, dstEPSG int, method Resampling) (*Warped, error) {
	if !src.GeoRef().Valid() {
		return nil, fmt.Errorf("%w: %s has no georeference", ErrUnknownSRS, src.Path())
	}
	srcProj, err := projectionFor(src.EPSG())
	if err != nil {
		return nil, err
	}
	dstProj, err := projectionFor(dstEPSG)
	if err != nil {
		return nil, err
	}

	srcExtent := src.GeoRef().ExtentFor(src.Width(), src.Height())

	// Project the four corners and take the envelope.
	corners := [4][2]float64{
		{srcExtent.MinX, srcExtent.MinY},
		{srcExtent.MinX, srcExtent.MaxY},
		{srcExtent.MaxX, srcExtent.MinY},
		{srcExtent.MaxX, srcExtent.MaxY},
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		lat, lon := srcProj.toLatLon(c[0], c[1])
		x, y := dstProj.fromLatLon(lat, lon)
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
		minY = math.Min(minY, y)
		maxY = math.Max(maxY, y)
	}

	pixelX := (maxX - minX) / float64(src.Width())
	pixelY := (maxY - minY) / float64(src.Height())
	pixel := math.Min(pixelX, pixelY)
	if pixel <= 0 {
		return nil, fmt.Errorf("warp %s: degenerate projected extent", src.Path())
	}

	// The epsilon absorbs projection round-trip drift so near-integer
	// extents do not gain a phantom row or column.
	w := int(math.Ceil((maxX-minX)/pixel - 1e-6))
	h := int(math.Ceil((maxY-minY)/pixel - 1e-6))

	return &Warped{
		src:     src,
		srcProj: srcProj,
		dstProj: dstProj,
		ref: GeoRef{
			EPSG:       dstEPSG,
			OriginX:    minX,
			OriginY:    maxY,
			PixelSizeX: pixel,
			PixelSizeY: pixel,
		},
		width:  w,
		height: h,
		method: method,
	}, nil
}

// Width returns the warped raster width in pixels.
func (w *Warped) Width() int { return w.width }

// Height returns the warped raster height in pixels.
func (w *Warped) Height() int { return w.height }

// GeoRef returns the destination georeference.
func (w *Warped) GeoRef() GeoRef { return w.ref }

// srcPixel maps a destination pixel center to source pixel coordinates.
func (w *Warped) srcPixel(dx, dy float64) (float64, float64) {
	x := w.ref.OriginX + dx*w.ref.PixelSizeX
	y := w.ref.OriginY - dy*w.ref.PixelSizeY
	lat, lon := w.dstProj.toLatLon(x, y)
	sx, sy := w.srcProj.fromLatLon(lat, lon)
	ref := w.src.GeoRef()
	px := (sx - ref.OriginX) / ref.PixelSizeX
	py := (ref.OriginY - sy) / ref.PixelSizeY
	return px, py
}

// ReadFloat reads a destination window of the warped scalar band.
func (w *Warped) ReadFloat(rx, ry, rw, rh, outW, outH int, method Resampling) ([]float64, error) {
	fill := math.NaN()
	if nd, ok := w.src.NoData(); ok {
		fill = nd
	}
	out := make([]float64, outW*outH)
	srcW := w.src.Width()
	srcH := w.src.Height()

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			dx := float64(rx) + (float64(ox)+0.5)*float64(rw)/float64(outW)
			dy := float64(ry) + (float64(oy)+0.5)*float64(rh)/float64(outH)
			px, py := w.srcPixel(dx, dy)
			if px < 0 || py < 0 || px >= float64(srcW) || py >= float64(srcH) {
				out[oy*outW+ox] = fill
				continue
			}
			v, err := w.src.floatPixel(int(px), int(py))
			if err != nil {
				out[oy*outW+ox] = fill
				continue
			}
			out[oy*outW+ox] = v
		}
	}
	return out, nil
}

// ReadRGBA reads a destination window of the warped image bands.
func (w *Warped) ReadRGBA(rx, ry, rw, rh, outW, outH int, method Resampling) (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	srcW := w.src.Width()
	srcH := w.src.Height()

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			dx := float64(rx) + (float64(ox)+0.5)*float64(rw)/float64(outW)
			dy := float64(ry) + (float64(oy)+0.5)*float64(rh)/float64(outH)
			px, py := w.srcPixel(dx, dy)
			if px < 0 || py < 0 || px >= float64(srcW) || py >= float64(srcH) {
				continue // stays transparent
			}
			r, g, b, a, err := w.src.rgbaPixel(int(px), int(py))
			if err != nil {
				continue
			}
			off := img.PixOffset(ox, oy)
			img.Pix[off+0] = r
			img.Pix[off+1] = g
			img.Pix[off+2] = b
			img.Pix[off+3] = a
		}
	}
	return img, nil
}

// floatPixel reads one scalar sample at full resolution.
func (d *Dataset) floatPixel(x, y int) (float64, error) {
	ifd := &d.ifds[0]
	tw := int(ifd.TileWidth)
	th := int(ifd.TileHeight)
	blk, err := d.cachedBlock(0, 0, x/tw, y/th)
	if err != nil {
		return 0, err
	}
	if blk == nil {
		if nd, ok := d.NoData(); ok {
			return nd, nil
		}
		return math.NaN(), nil
	}
	return ifd.sampleAt(blk, d.bo, x%tw, y%th, 0), nil
}

// rgbaPixel reads one full-resolution pixel normalized to 8-bit RGBA.
func (d *Dataset) rgbaPixel(x, y int) (r, g, b, a uint8, err error) {
	ifd := &d.ifds[0]
	tw := int(ifd.TileWidth)
	th := int(ifd.TileHeight)
	bands := int(ifd.SamplesPerPixel)
	planar := ifd.PlanarConfig == 2

	var vals [4]float64
	if planar {
		for bd := 0; bd < bands && bd < 4; bd++ {
			blk, berr := d.cachedBlock(0, bd, x/tw, y/th)
			if berr != nil {
				return 0, 0, 0, 0, berr
			}
			if blk == nil {
				continue
			}
			vals[bd] = ifd.sampleAt(blk, d.bo, x%tw, y%th, bd)
		}
	} else {
		blk, berr := d.cachedBlock(0, 0, x/tw, y/th)
		if berr != nil {
			return 0, 0, 0, 0, berr
		}
		if blk != nil {
			for bd := 0; bd < bands && bd < 4; bd++ {
				vals[bd] = ifd.sampleAt(blk, d.bo, x%tw, y%th, bd)
			}
		}
	}

	nodata, hasNodata := d.NoData()
	r, g, b, a = bandsToRGBA(vals, bands, d.HasAlphaBand(), nodata, hasNodata, ifd)
	return r, g, b, a, nil
}
