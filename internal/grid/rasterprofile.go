package grid

import "math"

// RasterGrid tiles an unreferenced raster in its own pixel space. The
// native zoom is the smallest level at which one raster pixel maps to at
// most one tile pixel; level 0 fits the whole raster into a single tile.
type RasterGrid struct {
	tileSize   int
	xsize      int
	ysize      int
	nativeZoom int
}

// NewRasterGrid returns grid math for the raw-raster profile.
//
// The native zoom uses exact base-2 logarithms, so a raster whose larger
// side is an exact multiple of the tile size lands on the intended level
// instead of one above it.
func NewRasterGrid(xsize, ysize, tileSize int) *RasterGrid {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	nz := int(math.Max(
		math.Ceil(math.Log2(float64(xsize)/float64(tileSize))),
		math.Ceil(math.Log2(float64(ysize)/float64(tileSize))),
	))
	if nz < 0 {
		nz = 0
	}
	return &RasterGrid{tileSize: tileSize, xsize: xsize, ysize: ysize, nativeZoom: nz}
}

// TileSize returns the tile dimension in pixels.
func (g *RasterGrid) TileSize() int { return g.tileSize }

// NativeZoom returns the zoom level matching the raster's own resolution.
func (g *RasterGrid) NativeZoom() int { return g.nativeZoom }

// TileSpan returns the edge length, in source pixels, that one tile covers
// at the given zoom level.
func (g *RasterGrid) TileSpan(zoom int) int {
	return int(math.Ceil(math.Pow(2, float64(g.nativeZoom-zoom)) * float64(g.tileSize)))
}

// RangeForZoom returns the inclusive tile range covering the raster.
func (g *RasterGrid) RangeForZoom(zoom int) TileRange {
	span := math.Pow(2, float64(g.nativeZoom-zoom)) * float64(g.tileSize)
	return TileRange{
		TMinX: 0,
		TMinY: 0,
		TMaxX: int(math.Ceil(float64(g.xsize)/span)) - 1,
		TMaxY: int(math.Ceil(float64(g.ysize)/span)) - 1,
	}
}
