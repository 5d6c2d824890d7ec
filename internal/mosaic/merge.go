package mosaic

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/eugenever/tiler/internal/geotiff"
)

// Options configures one merge run.
type Options struct {
	Mosaic     string // dataset name used in artifact file names
	OutputDir  string // data/<datasource_id>
	Method     Method
	Resampling geotiff.Resampling
	NoData     float64 // sentinel of the output, MergeNoData when zero
	TileSize   int
}

// MergedRasterPath returns the artifact path a merge run produces for a
// dataset and rule.
func MergedRasterPath(outputDir, mosaic string, method Method) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s.tif", mosaic, strings.ToUpper(method.String())))
}

// IsWarpedAsset reports whether a file name looks like a per-asset
// warped raster (and not a merge artifact).
func IsWarpedAsset(path string) bool {
	lower := strings.ToLower(path)
	ext := filepath.Ext(lower)
	if ext != ".tif" && ext != ".tiff" {
		return false
	}
	if !strings.Contains(lower, "_warp_tr_ov.") {
		return false
	}
	for _, m := range []Method{First, Last, Min, Max, Mean} {
		if strings.Contains(path, "_"+strings.ToUpper(m.String())) {
			return false
		}
	}
	return true
}

// mergeGrid is the output placement shared by every artifact of a run.
type mergeGrid struct {
	ref    geotiff.GeoRef
	width  int
	height int
}

// Merge combines the warped assets into one raster under the selection
// rule and returns the merged artifact path. The mean rule additionally
// writes the SUM and COUNT rasters beside the MEAN one.
func Merge(assets []string, opt Options) (string, error) {
	if len(assets) == 0 {
		return "", fmt.Errorf("mosaic %q: no assets to merge", opt.Mosaic)
	}
	if opt.NoData == 0 {
		opt.NoData = MergeNoData
	}
	if opt.TileSize <= 0 {
		opt.TileSize = 256
	}

	datasets := make([]*geotiff.Dataset, 0, len(assets))
	defer func() {
		for _, d := range datasets {
			d.Close()
		}
	}()
	for _, asset := range assets {
		d, err := geotiff.Open(asset)
		if err != nil {
			return "", fmt.Errorf("mosaic %q: %w", opt.Mosaic, err)
		}
		datasets = append(datasets, d)
	}

	grid, err := computeGrid(datasets)
	if err != nil {
		return "", fmt.Errorf("mosaic %q: %w", opt.Mosaic, err)
	}

	n := grid.width * grid.height
	nodata := float32(opt.NoData)

	dst := make([]float32, n)
	dstMask := make([]bool, n)
	for i := range dst {
		dst[i] = nodata
	}

	var mean *meanRule
	var r rule
	if opt.Method == Mean {
		mean = &meanRule{
			sum:   make([]float32, n),
			count: make([]float32, n),
			bound: float32(len(datasets)),
		}
		r = mean
	} else {
		r = ruleFor(opt.Method)
	}

	for _, d := range datasets {
		if err := applyDataset(d, grid, r, mean, dst, dstMask, opt); err != nil {
			return "", fmt.Errorf("mosaic %q: %w", opt.Mosaic, err)
		}
	}

	out := MergedRasterPath(opt.OutputDir, opt.Mosaic, opt.Method)
	if err := os.MkdirAll(opt.OutputDir, 0o755); err != nil {
		return "", err
	}

	if opt.Method == Mean {
		// Uncovered cells are nodata in every artifact, not zero.
		for i := range mean.count {
			if mean.count[i] == 0 {
				mean.sum[i] = nodata
				mean.count[i] = nodata
			}
		}
		if err := writeArtifact(filepath.Join(opt.OutputDir, opt.Mosaic+"_SUM.tif"), grid, mean.sum, opt); err != nil {
			return "", err
		}
		if err := writeArtifact(filepath.Join(opt.OutputDir, opt.Mosaic+"_COUNT.tif"), grid, mean.count, opt); err != nil {
			return "", err
		}
		for i := range dst {
			if mean.count[i] > 0 {
				dst[i] = mean.sum[i] / mean.count[i]
			} else {
				dst[i] = nodata
			}
		}
	}

	if err := writeArtifact(out, grid, dst, opt); err != nil {
		return "", err
	}
	return out, nil
}

// computeGrid derives the union envelope at the coarsest input
// resolution, the shape guaranteed to cover every input completely.
func computeGrid(datasets []*geotiff.Dataset) (mergeGrid, error) {
	res := 0.0
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	epsg := 0

	for _, d := range datasets {
		ref := d.GeoRef()
		if !ref.Valid() {
			return mergeGrid{}, fmt.Errorf("%s: no georeference", d.Path())
		}
		if ref.PixelSizeX > res {
			res = ref.PixelSizeX
		}
		if epsg == 0 {
			epsg = ref.EPSG
		}
		e := ref.ExtentFor(d.Width(), d.Height())
		minX = math.Min(minX, e.MinX)
		minY = math.Min(minY, e.MinY)
		maxX = math.Max(maxX, e.MaxX)
		maxY = math.Max(maxY, e.MaxY)
	}
	if res <= 0 {
		return mergeGrid{}, fmt.Errorf("degenerate input resolution")
	}

	return mergeGrid{
		ref: geotiff.GeoRef{
			EPSG:       epsg,
			OriginX:    minX,
			OriginY:    maxY,
			PixelSizeX: res,
			PixelSizeY: res,
		},
		width:  int(math.Ceil((maxX - minX) / res)),
		height: int(math.Ceil((maxY - minY) / res)),
	}, nil
}

// applyDataset walks one input in block windows, translates each block
// to its destination window and applies the rule there.
func applyDataset(d *geotiff.Dataset, g mergeGrid, r rule, mean *meanRule, dst []float32, dstMask []bool, opt Options) error {
	nodata := opt.NoData
	srcND := math.NaN()
	if v, ok := d.NoData(); ok {
		srcND = v
	}
	ref := d.GeoRef()
	block := opt.TileSize

	for by := 0; by < d.Height(); by += block {
		bh := minInt(block, d.Height()-by)
		for bx := 0; bx < d.Width(); bx += block {
			bw := minInt(block, d.Width()-bx)

			// Source block bounds in CRS coordinates.
			wx0 := ref.OriginX + float64(bx)*ref.PixelSizeX
			wy0 := ref.OriginY - float64(by)*ref.PixelSizeY
			wx1 := wx0 + float64(bw)*ref.PixelSizeX
			wy1 := wy0 - float64(bh)*ref.PixelSizeY

			// Destination window, rounded from CRS coordinates.
			dx0 := int(math.Round((wx0 - g.ref.OriginX) / g.ref.PixelSizeX))
			dy0 := int(math.Round((g.ref.OriginY - wy0) / g.ref.PixelSizeY))
			dx1 := int(math.Round((wx1 - g.ref.OriginX) / g.ref.PixelSizeX))
			dy1 := int(math.Round((g.ref.OriginY - wy1) / g.ref.PixelSizeY))

			dw := clampInt(dx1, 0, g.width) - clampInt(dx0, 0, g.width)
			dh := clampInt(dy1, 0, g.height) - clampInt(dy0, 0, g.height)
			if dw <= 0 || dh <= 0 {
				continue
			}
			dx0 = clampInt(dx0, 0, g.width)
			dy0 = clampInt(dy0, 0, g.height)

			// Read the source block resampled to the destination window
			// shape when the resolutions differ.
			src, err := d.ReadFloat(bx, by, bw, bh, dw, dh, opt.Resampling)
			if err != nil {
				return fmt.Errorf("%s block (%d,%d): %w", d.Path(), bx, by, err)
			}

			srcBlock := make([]float32, dw*dh)
			srcMask := make([]bool, dw*dh)
			for i, v := range src {
				valid := !math.IsNaN(v) && v != srcND && v != nodata
				srcMask[i] = valid
				if valid {
					srcBlock[i] = float32(v)
				} else {
					srcBlock[i] = float32(nodata)
				}
			}

			// Gather the destination window, apply the rule, scatter back.
			dstBlock := make([]float32, dw*dh)
			dstBlockMask := make([]bool, dw*dh)
			for y := 0; y < dh; y++ {
				gi := (dy0+y)*g.width + dx0
				copy(dstBlock[y*dw:(y+1)*dw], dst[gi:gi+dw])
				copy(dstBlockMask[y*dw:(y+1)*dw], dstMask[gi:gi+dw])
			}

			if mean != nil {
				mean.offset = func(i int) int {
					return (dy0+i/dw)*g.width + dx0 + i%dw
				}
			}
			r.apply(dstBlock, srcBlock, dstBlockMask, srcMask)

			for y := 0; y < dh; y++ {
				gi := (dy0+y)*g.width + dx0
				copy(dst[gi:gi+dw], dstBlock[y*dw:(y+1)*dw])
				copy(dstMask[gi:gi+dw], dstBlockMask[y*dw:(y+1)*dw])
			}
		}
	}
	return nil
}

func writeArtifact(path string, g mergeGrid, pixels []float32, opt Options) error {
	nodata := opt.NoData
	cfg := geotiff.WriterConfig{
		Width:        g.width,
		Height:       g.height,
		Bands:        1,
		SampleFormat: geotiff.SampleFloat,
		TileSize:     opt.TileSize,
		Compression:  geotiff.CompressionDeflate,
		Ref:          g.ref,
		NoData:       &nodata,
		Overviews:    geotiff.OverviewFactors(g.width, g.height, opt.TileSize),
	}
	return geotiff.WriteTiled(path, cfg, geotiff.MemoryFloat32Source(pixels, cfg))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
