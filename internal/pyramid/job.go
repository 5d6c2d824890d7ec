package pyramid

import (
	"github.com/eugenever/tiler/internal/grid"
)

// TileDetail is one planned work item: the tile address plus the source
// read window and tile write window computed by the planner. Window
// fields are zero for non-raster reads that are resolved at render time.
type TileDetail struct {
	Tz, Tx, Ty                 int // Ty in TMS numbering
	Rx, Ry, RxSize, RySize     int // read window in source pixels
	Wx, Wy, WxSize, WySize     int // write window in query-canvas pixels
	QuerySize                  int
}

// OutY returns the row number in the output convention of the job.
func (d TileDetail) OutY(xyz bool) int {
	if xyz {
		return grid.FlipY(d.Tz, d.Ty)
	}
	return d.Ty
}

// TileJob is the immutable plan of one pyramid build, produced by the
// preprocessor and planner, consumed by the engine and persisted to the
// sidecar database for the serving path.
type TileJob struct {
	SrcFile   string // tiling-ready raster the workers read
	InFile    string // input stem
	InputFile string // original input path

	DataBandsCount int
	NoData         *float64
	HasAlphaBand   bool
	EncodeToRGBA   bool
	Merge          bool

	OutputFolder  string
	TileExtension string
	TileDriver    string
	TileSize      int
	QuerySize     int

	Profile Profile
	XYZ     bool

	TMinMax [grid.MaxZoomLevel + 1]grid.TileRange
	TMinZ   int
	TMaxZ   int

	InSRS           string
	OutGeoTransform [6]float64
	OriginY         float64
	Extent          grid.Extent // raster envelope in output CRS units

	PixelSelection   string
	ResamplingMethod string

	Details map[int][]TileDetail // per zoom

	Options Options
}

// AllDetails returns the work list flattened in ascending zoom order,
// each zoom keeping its meta-block order.
func (j *TileJob) AllDetails() []TileDetail {
	var all []TileDetail
	for tz := j.TMinZ; tz <= j.TMaxZ; tz++ {
		all = append(all, j.Details[tz]...)
	}
	return all
}

// TileCount returns the number of planned tiles.
func (j *TileJob) TileCount() int {
	n := 0
	for tz := j.TMinZ; tz <= j.TMaxZ; tz++ {
		n += len(j.Details[tz])
	}
	return n
}
