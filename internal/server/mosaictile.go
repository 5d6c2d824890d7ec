package server

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/mosaic"
	"github.com/eugenever/tiler/internal/pyramid"
)

// renderMosaicTile serves one tile of an unmerged mosaic (merge=false):
// the per-asset warped rasters are read directly and their overlap is
// resolved by the job's pixel-selection rule at request time.
func (s *Server) renderMosaicTile(id string, row *pyramid.JobRow, spec pyramid.RenderSpec, z, x, y int) ([]byte, error) {
	method, err := mosaic.ParseMethod(row.PixelSelection)
	if err != nil {
		return nil, err
	}

	dir := s.datasourceDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("mosaic %s: %w", id, err)
	}
	var assets []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if mosaic.IsWarpedAsset(path) {
			assets = append(assets, path)
		}
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("mosaic %s: no warped assets in %s", id, dir)
	}
	sort.Strings(assets)

	nodata := encode.DefaultNoData
	if spec.NoData != nil {
		nodata = *spec.NoData
	}

	ts := spec.TileSize
	n := ts * ts
	dst := make([]float32, n)
	dstMask := make([]bool, n)
	for i := range dst {
		dst[i] = float32(nodata)
	}
	var sum, count []float32
	if method == mosaic.Mean {
		sum = make([]float32, n)
		count = make([]float32, n)
	}

	ty := y
	if row.XYZ {
		ty = grid.FlipY(z, y)
	}

	covered := false
	for _, asset := range assets {
		d, err := geotiff.Open(asset)
		if err != nil {
			return nil, fmt.Errorf("mosaic %s asset %s: %w", id, asset, err)
		}

		det := pyramid.DetailForTile(d, pyramid.ProfileMercator, false, ts, row.QuerySize, z, x, ty)
		vals, err := pyramid.FloatTile(d, spec, det)
		d.Close()
		if errors.Is(err, pyramid.ErrEmptyTile) {
			continue
		}
		if err != nil {
			return nil, err
		}

		src := make([]float32, n)
		srcMask := make([]bool, n)
		for i, v := range vals {
			valid := !math.IsNaN(v) && v != nodata
			srcMask[i] = valid
			if valid {
				src[i] = float32(v)
				covered = true
			} else {
				src[i] = float32(nodata)
			}
		}

		if method == mosaic.Mean {
			mosaic.AccumulateMean(sum, count, src, srcMask, float32(len(assets)))
		} else {
			mosaic.Apply(method, dst, src, dstMask, srcMask)
		}
	}
	if !covered {
		return nil, pyramid.ErrEmptyTile
	}

	values := make([]float64, n)
	for i := range values {
		switch {
		case method == mosaic.Mean && count[i] > 0:
			values[i] = float64(sum[i] / count[i])
		case method == mosaic.Mean:
			values[i] = nodata
		case dstMask[i]:
			values[i] = float64(dst[i])
		default:
			values[i] = nodata
		}
	}
	return pyramid.EncodeFloatTile(values, spec)
}
