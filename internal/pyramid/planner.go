package pyramid

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
)

// Plan derives the TileJob for a tiling-ready raster: per-zoom tile
// ranges, the zoom span, and the ordered TileDetail work list.
func Plan(d *geotiff.Dataset, inputFile string, opt Options) (*TileJob, error) {
	ref := d.GeoRef()
	if opt.Profile != ProfileRaster && !ref.Valid() {
		return nil, fmt.Errorf("input %q has no georeference", inputFile)
	}
	gt := ref.GeoTransform()
	extent := ref.ExtentFor(d.Width(), d.Height())

	nodata := opt.NoData
	if nodata == nil {
		if v, ok := d.NoData(); ok {
			nodata = &v
		}
	}

	job := &TileJob{
		SrcFile:          d.Path(),
		InFile:           strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile)),
		InputFile:        inputFile,
		DataBandsCount:   d.DataBandCount(),
		NoData:           nodata,
		HasAlphaBand:     d.HasAlphaBand(),
		EncodeToRGBA:     opt.EncodeToRGBA && d.IsFloat(),
		Merge:            opt.Merge,
		OutputFolder:     opt.TilesFolder(),
		TileExtension:    opt.TileExtension(),
		TileDriver:       opt.TileDriver,
		TileSize:         opt.TileSize,
		QuerySize:        opt.TileSize * opt.Resampling.QuerysizeFactor(),
		Profile:          opt.Profile,
		XYZ:              opt.XYZ,
		InSRS:            fmt.Sprintf("EPSG:%d", d.EPSG()),
		OutGeoTransform:  gt,
		OriginY:          extent.MinY,
		Extent:           extent,
		ResamplingMethod: opt.Resampling.String(),
		Details:          make(map[int][]TileDetail),
		Options:          opt,
	}
	if opt.MosaicMerge {
		job.PixelSelection = opt.PixelSelection.SelectionName()
	}

	switch opt.Profile {
	case ProfileMercator:
		planMercator(d, job, opt)
	case ProfileGeodetic:
		planGeodetic(d, job, opt)
	case ProfileRaster:
		planRaster(d, job, opt)
	}

	if job.TMinZ > job.TMaxZ {
		return nil, fmt.Errorf("input %q: empty zoom range %d..%d", inputFile, job.TMinZ, job.TMaxZ)
	}

	for tz := job.TMaxZ; tz >= job.TMinZ; tz-- {
		job.Details[tz] = planZoomDetails(d, job, tz)
	}
	return job, nil
}

func planMercator(d *geotiff.Dataset, job *TileJob, opt Options) {
	m := grid.NewMercator(opt.TileSize)
	e := job.Extent
	for tz := 0; tz <= grid.MaxZoomLevel; tz++ {
		job.TMinMax[tz] = m.RangeForExtent(e, tz)
	}

	pixel := job.OutGeoTransform[1]
	job.TMinZ = opt.MinZoom
	if job.TMinZ < 0 {
		// The zoom at which the whole raster fits one tile.
		job.TMinZ = m.ZoomForPixelSize(pixel * float64(maxInt(d.Width(), d.Height())) / float64(opt.TileSize))
	}
	job.TMaxZ = opt.MaxZoom
	if job.TMaxZ < 0 {
		job.TMaxZ = m.ZoomForPixelSize(pixel)
	}
	if job.TMaxZ > grid.MaxZoomLevel {
		job.TMaxZ = grid.MaxZoomLevel
	}
}

func planGeodetic(d *geotiff.Dataset, job *TileJob, opt Options) {
	g := grid.NewGeodetic(opt.TMSCompatible, opt.TileSize)
	e := job.Extent
	for tz := 0; tz <= grid.MaxZoomLevel; tz++ {
		job.TMinMax[tz] = g.RangeForExtent(e, tz)
	}

	pixel := job.OutGeoTransform[1]
	job.TMinZ = opt.MinZoom
	if job.TMinZ < 0 {
		job.TMinZ = g.ZoomForPixelSize(pixel * float64(maxInt(d.Width(), d.Height())) / float64(opt.TileSize))
	}
	job.TMaxZ = opt.MaxZoom
	if job.TMaxZ < 0 {
		job.TMaxZ = g.ZoomForPixelSize(pixel)
	}
	if job.TMaxZ > grid.MaxZoomLevel {
		job.TMaxZ = grid.MaxZoomLevel
	}
}

func planRaster(d *geotiff.Dataset, job *TileJob, opt Options) {
	g := grid.NewRasterGrid(d.Width(), d.Height(), opt.TileSize)
	job.TMinZ = opt.MinZoom
	if job.TMinZ < 0 {
		job.TMinZ = 0
	}
	job.TMaxZ = opt.MaxZoom
	if job.TMaxZ < 0 {
		job.TMaxZ = g.NativeZoom()
	}
	if job.TMaxZ > grid.MaxZoomLevel {
		job.TMaxZ = grid.MaxZoomLevel
	}
	for tz := 0; tz <= job.TMaxZ; tz++ {
		job.TMinMax[tz] = g.RangeForZoom(tz)
	}
}

// planZoomDetails enumerates every tile of one zoom level in meta-block
// order: the range is walked in 3x3 blocks, rows top-down and columns
// left-to-right, so work items that share source reads sit next to each
// other in the queue.
func planZoomDetails(d *geotiff.Dataset, job *TileJob, tz int) []TileDetail {
	r := job.TMinMax[tz]
	var details []TileDetail

	// Top-down in screen terms is TMS ty descending.
	for by := r.TMaxY; by >= r.TMinY; by -= metaStride {
		for bx := r.TMinX; bx <= r.TMaxX; bx += metaStride {
			for tx := bx; tx < bx+metaStride && tx <= r.TMaxX; tx++ {
				for ty := by; ty > by-metaStride && ty >= r.TMinY; ty-- {
					details = append(details, DetailForTile(
						d, job.Profile, job.Options.TMSCompatible, job.TileSize, job.QuerySize, tz, tx, ty))
				}
			}
		}
	}
	return details
}

// metaStride groups tiles into 3x3 meta-blocks in the work list.
const metaStride = 3

// geoQuery translates a CRS envelope into a source read window and the
// matching write window on the query canvas, clipping both at the
// raster edges the way border tiles require.
func geoQuery(gt [6]float64, xsize, ysize int, ulx, uly, lrx, lry float64, querysize int) (rb, wb [4]int) {
	rx := int(math.Floor((ulx-gt[0])/gt[1] + 0.001))
	ry := int(math.Floor((uly-gt[3])/gt[5] + 0.001))
	rxsize := int((lrx-ulx)/gt[1] + 0.5)
	rysize := int((lry-uly)/gt[5] + 0.5)

	if rxsize <= 0 || rysize <= 0 {
		return [4]int{rx, ry, 0, 0}, [4]int{0, 0, 0, 0}
	}

	var wxsize, wysize int
	if querysize == 0 {
		wxsize, wysize = rxsize, rysize
	} else {
		wxsize, wysize = querysize, querysize
	}

	wx := 0
	if rx < 0 {
		rxshift := int(math.Abs(float64(rx)))
		wx = int(float64(wxsize) * (float64(rxshift) / float64(rxsize)))
		wxsize = wxsize - wx
		rxsize = rxsize - int(float64(rxsize)*(float64(rxshift)/float64(rxsize)))
		rx = 0
	}
	if rx+rxsize > xsize {
		wxsize = int(float64(wxsize) * (float64(xsize-rx) / float64(rxsize)))
		rxsize = xsize - rx
	}

	wy := 0
	if ry < 0 {
		ryshift := int(math.Abs(float64(ry)))
		wy = int(float64(wysize) * (float64(ryshift) / float64(rysize)))
		wysize = wysize - wy
		rysize = rysize - int(float64(rysize)*(float64(ryshift)/float64(rysize)))
		ry = 0
	}
	if ry+rysize > ysize {
		wysize = int(float64(wysize) * (float64(ysize-ry) / float64(rysize)))
		rysize = ysize - ry
	}

	return [4]int{rx, ry, rxsize, rysize}, [4]int{wx, wy, wxsize, wysize}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
