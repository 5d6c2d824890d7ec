package geotiff

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eugenever/tiler/internal/grid"
)

// GeoTIFF GeoKey IDs.
const (
	gkModelTypeGeoKey       = 1024
	gkRasterTypeGeoKey      = 1025
	gkGeographicTypeGeoKey  = 2048
	gkProjectedCSTypeGeoKey = 3072
)

// GeoRef holds the georeference of a raster: the affine placement (no
// rotation or skew) plus the detected coordinate system.
type GeoRef struct {
	EPSG       int
	OriginX    float64 // easting of the upper-left corner
	OriginY    float64 // northing of the upper-left corner
	PixelSizeX float64 // pixel width in CRS units (positive)
	PixelSizeY float64 // pixel height in CRS units (positive)
}

// Valid reports whether the reference carries a usable placement.
func (g GeoRef) Valid() bool {
	return g.PixelSizeX != 0 && g.PixelSizeY != 0
}

// GeoTransform returns the GDAL-ordered affine coefficients
// (originX, pixelW, 0, originY, 0, -pixelH).
func (g GeoRef) GeoTransform() [6]float64 {
	return [6]float64{g.OriginX, g.PixelSizeX, 0, g.OriginY, 0, -g.PixelSizeY}
}

// ExtentFor returns the CRS envelope of a raster of the given dimensions.
func (g GeoRef) ExtentFor(width, height int) grid.Extent {
	return grid.Extent{
		MinX: g.OriginX,
		MaxX: g.OriginX + float64(width)*g.PixelSizeX,
		MaxY: g.OriginY,
		MinY: g.OriginY - float64(height)*g.PixelSizeY,
	}
}

// parseGeoRef extracts the georeference from an IFD.
func parseGeoRef(ifd *IFD) GeoRef {
	ref := GeoRef{}

	if len(ifd.ModelPixelScale) >= 2 {
		ref.PixelSizeX = ifd.ModelPixelScale[0]
		ref.PixelSizeY = ifd.ModelPixelScale[1]
	}
	// ModelTiepoint maps pixel (I,J) to world (X,Y); shift to pixel (0,0).
	if len(ifd.ModelTiepoint) >= 6 {
		ref.OriginX = ifd.ModelTiepoint[3] - ifd.ModelTiepoint[0]*ref.PixelSizeX
		ref.OriginY = ifd.ModelTiepoint[4] + ifd.ModelTiepoint[1]*ref.PixelSizeY
	}
	ref.EPSG = parseEPSG(ifd.GeoKeys)
	return ref
}

// parseEPSG extracts the EPSG code from GeoKey directory entries. The
// projected CS key wins over the geographic one when both are present.
func parseEPSG(geoKeys []uint16) int {
	if len(geoKeys) < 4 {
		return 0
	}
	numKeys := int(geoKeys[3])

	geographic := 0
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(geoKeys) {
			break
		}
		keyID := geoKeys[base]
		valueOffset := geoKeys[base+3]
		switch keyID {
		case gkProjectedCSTypeGeoKey:
			if valueOffset > 0 && valueOffset != 32767 {
				return int(valueOffset)
			}
		case gkGeographicTypeGeoKey:
			if valueOffset > 0 && valueOffset != 32767 {
				geographic = int(valueOffset)
			}
		}
	}
	return geographic
}

// parseNoData interprets the GDAL_NODATA ascii tag.
func parseNoData(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// worldFile holds the six parameters of a TIFF world file sidecar, the
// fallback georeference for TIFFs without embedded GeoTIFF tags.
type worldFile struct {
	pixelSizeX float64
	rotationY  float64
	rotationX  float64
	pixelSizeY float64 // negative for north-up rasters
	originX    float64 // x of the upper-left pixel center
	originY    float64 // y of the upper-left pixel center
}

func parseWorldFile(path string) (*worldFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading world file %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 6 {
		return nil, fmt.Errorf("world file %s: expected 6 lines, got %d", path, len(lines))
	}
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(lines[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("world file %s line %d: %w", path, i+1, err)
		}
		vals[i] = v
	}
	wf := &worldFile{
		pixelSizeX: vals[0], rotationY: vals[1], rotationX: vals[2],
		pixelSizeY: vals[3], originX: vals[4], originY: vals[5],
	}
	if wf.rotationX != 0 || wf.rotationY != 0 {
		return nil, fmt.Errorf("world file %s: rotation is not supported", path)
	}
	return wf, nil
}

// findWorldFile looks for a world file next to the TIFF.
func findWorldFile(tiffPath string) string {
	ext := filepath.Ext(tiffPath)
	base := tiffPath[:len(tiffPath)-len(ext)]
	for _, c := range []string{".tfw", ".TFW", ".tifw", ".TIFW", ".wld"} {
		p := base + c
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// toGeoRef shifts the world-file origin from the pixel center to the
// upper-left corner the rest of the pipeline expects.
func (wf *worldFile) toGeoRef() GeoRef {
	return GeoRef{
		PixelSizeX: math.Abs(wf.pixelSizeX),
		PixelSizeY: math.Abs(wf.pixelSizeY),
		OriginX:    wf.originX - math.Abs(wf.pixelSizeX)/2,
		OriginY:    wf.originY + math.Abs(wf.pixelSizeY)/2,
	}
}

// inferEPSG guesses the coordinate system from the coordinate ranges when
// the file carries no GeoKeys.
func inferEPSG(ref GeoRef, width, height uint32) int {
	maxX := ref.OriginX + float64(width)*ref.PixelSizeX
	minY := ref.OriginY - float64(height)*ref.PixelSizeY

	if ref.OriginX >= -180 && maxX <= 360 && minY >= -90 && ref.OriginY <= 90 {
		return 4326
	}
	if math.Abs(ref.OriginX) <= grid.OriginShift+1 && math.Abs(ref.OriginY) <= 20048966.10 {
		return 3857
	}
	return 0
}
