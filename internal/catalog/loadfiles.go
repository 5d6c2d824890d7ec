package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
)

// LoadResult summarizes one batch ingest from disk.
type LoadResult struct {
	LoadVectorDatasources int      `json:"load_vector_datasources"`
	LoadRasterDatasources int      `json:"load_raster_datasources"`
	Errors                []string `json:"errors"`
}

// Upserter stores datasource definitions; both the Postgres catalog
// and test doubles satisfy it.
type Upserter interface {
	Upsert(ctx context.Context, ds *DataSource) error
}

// LoadFiles scans the data directory for raster files and mosaic
// folders and upserts a raster DataSource for each: single GeoTIFFs
// become internal-file sources, directories under data/mosaics become
// mosaic sources. Per-file failures are collected, not fatal.
func LoadFiles(ctx context.Context, c Upserter, dataDir string) (*LoadResult, error) {
	result := &LoadResult{Errors: []string{}}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dataDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isRasterFile(e.Name()) {
			continue
		}
		path := filepath.Join(dataDir, e.Name())
		ds, err := rasterDataSourceFromFile(path)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err := c.Upsert(ctx, ds); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.LoadRasterDatasources++
	}

	mosaicsDir := filepath.Join(dataDir, "mosaics")
	if mosaics, err := os.ReadDir(mosaicsDir); err == nil {
		for _, m := range mosaics {
			if !m.IsDir() {
				continue
			}
			ds, err := mosaicDataSourceFromDir(filepath.Join(mosaicsDir, m.Name()), m.Name())
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if err := c.Upsert(ctx, ds); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.LoadRasterDatasources++
		}
	}

	return result, nil
}

func isRasterFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

// rasterDataSourceFromFile derives a catalog entry from a GeoTIFF's own
// georeference: lat/lon bounds, center, and the zoom span matching its
// resolution.
func rasterDataSourceFromFile(path string) (*DataSource, error) {
	d, err := geotiff.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer d.Close()

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ds := &DataSource{
		ID:      id,
		Kind:    KindRaster,
		MinZoom: 0,
		MaxZoom: grid.MaxZoomLevel,
		Store:   DataStore{Type: StoreInternal, File: filepath.Base(path)},
		Archive: true,
	}

	if ref := d.GeoRef(); ref.Valid() && ref.EPSG != 0 {
		e := ref.ExtentFor(d.Width(), d.Height())
		m := grid.NewMercator(grid.DefaultTileSize)

		var w, s, en, n float64
		switch ref.EPSG {
		case 4326:
			w, s, en, n = e.MinX, e.MinY, e.MaxX, e.MaxY
		default:
			s, w = m.MetersToLatLon(e.MinX, e.MinY)
			n, en = m.MetersToLatLon(e.MaxX, e.MaxY)
		}
		ds.Bounds = []float64{w, s, en, n}
		ds.Center = []float64{(w + en) / 2, (s + n) / 2}

		if ref.EPSG != 4326 {
			ds.MaxZoom = m.ZoomForPixelSize(ref.PixelSizeX)
			ds.MinZoom = m.ZoomForPixelSize(ref.PixelSizeX * float64(maxInt(d.Width(), d.Height())) / grid.DefaultTileSize)
		}
	}
	if d.IsFloat() {
		ds.Encoding = "f32"
	}
	return ds, nil
}

func mosaicDataSourceFromDir(dir, name string) (*DataSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load mosaic %s: %w", dir, err)
	}
	hasRaster := false
	for _, e := range entries {
		if !e.IsDir() && isRasterFile(e.Name()) {
			hasRaster = true
			break
		}
	}
	if !hasRaster {
		return nil, fmt.Errorf("load mosaic %s: no raster assets", dir)
	}
	return &DataSource{
		ID:      name,
		Kind:    KindRaster,
		MinZoom: 0,
		MaxZoom: grid.MaxZoomLevel,
		Store:   DataStore{Type: StoreInternal, Folder: dir},
		Mosaics: true,
		Archive: true,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
