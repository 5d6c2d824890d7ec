package grid

import "math"

// Geodetic converts between WGS84 lon/lat and the EPSG:4326 "unprojected"
// tile pyramid. With tmsCompatible set the top level is the OSGeo TMS
// global-geodetic 2x1 rectangle of tiles; otherwise zoom 0 is a single
// tile covering the whole world.
type Geodetic struct {
	tileSize int
	resFact  float64
}

// NewGeodetic returns grid math for EPSG:4326 with the given tile size.
func NewGeodetic(tmsCompatible bool, tileSize int) *Geodetic {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	g := &Geodetic{tileSize: tileSize}
	if tmsCompatible {
		g.resFact = 180.0 / float64(tileSize)
	} else {
		g.resFact = 360.0 / float64(tileSize)
	}
	return g
}

// TileSize returns the tile dimension in pixels.
func (g *Geodetic) TileSize() int { return g.tileSize }

// Resolution returns degrees/pixel for a zoom level.
func (g *Geodetic) Resolution(zoom int) float64 {
	return g.resFact / math.Pow(2, float64(zoom))
}

// LonLatToPixels converts lon/lat to pixel coordinates at a zoom level.
func (g *Geodetic) LonLatToPixels(lon, lat float64, zoom int) (px, py float64) {
	res := g.Resolution(zoom)
	px = (180 + lon) / res
	py = (90 + lat) / res
	return
}

// PixelsToTile returns the tile covering the given pixel coordinates.
func (g *Geodetic) PixelsToTile(px, py float64) (tx, ty int) {
	tx = int(math.Ceil(px/float64(g.tileSize)) - 1)
	ty = int(math.Ceil(py/float64(g.tileSize)) - 1)
	return
}

// LonLatToTile returns the TMS tile containing the given lon/lat point.
func (g *Geodetic) LonLatToTile(lon, lat float64, zoom int) (tx, ty int) {
	px, py := g.LonLatToPixels(lon, lat, zoom)
	return g.PixelsToTile(px, py)
}

// TileBounds returns the lon/lat envelope of a TMS tile.
func (g *Geodetic) TileBounds(tx, ty, zoom int) Extent {
	res := g.Resolution(zoom)
	ts := float64(g.tileSize)
	return Extent{
		MinX: float64(tx)*ts*res - 180,
		MinY: float64(ty)*ts*res - 90,
		MaxX: float64(tx+1)*ts*res - 180,
		MaxY: float64(ty+1)*ts*res - 90,
	}
}

// ZoomForPixelSize returns the largest zoom whose resolution is not finer
// than the given pixel size in degrees.
func (g *Geodetic) ZoomForPixelSize(pixelSize float64) int {
	for z := 0; z <= MaxZoomLevel; z++ {
		if pixelSize > g.Resolution(z) {
			if z > 0 {
				return z - 1
			}
			return 0
		}
	}
	return MaxZoomLevel
}

// RangeForExtent projects a lon/lat envelope to the inclusive tile range
// at a zoom level. The x span is twice the y span at every zoom.
func (g *Geodetic) RangeForExtent(e Extent, zoom int) TileRange {
	tminx, tminy := g.LonLatToTile(e.MinX, e.MinY, zoom)
	tmaxx, tmaxy := g.LonLatToTile(e.MaxX, e.MaxY, zoom)
	maxX := 1<<uint(zoom+1) - 1
	maxY := 1<<uint(zoom) - 1
	return TileRange{
		TMinX: clampTile(tminx, maxX),
		TMinY: clampTile(tminy, maxY),
		TMaxX: clampTile(tmaxx, maxX),
		TMaxY: clampTile(tmaxy, maxY),
	}
}
