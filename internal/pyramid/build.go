package pyramid

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/mosaic"
	"github.com/eugenever/tiler/internal/tilestore"
)

// Build runs the full pyramid pipeline for one input raster:
// preprocess, plan, persist the plan to the sidecar, then generate the
// tiles into the configured sink. Preprocessing errors are fatal for
// the whole job; per-tile failures only show up in the stats.
func Build(ctx context.Context, inputFile string, opt Options) (*TileJob, Stats, error) {
	start := time.Now()
	prepared, err := Preprocess(inputFile, opt)
	if err != nil {
		return nil, Stats{}, err
	}
	log.Printf("Time preprocessing %q: %s", inputFile, time.Since(start).Round(time.Millisecond))

	job, stats, err := buildFromPrepared(ctx, prepared, inputFile, "", opt)
	if err != nil {
		return job, stats, err
	}

	if opt.RemoveProcessingRasterFiles {
		CleanupProcessingFiles(opt, inputFile)
	}
	return job, stats, nil
}

// BuildMosaic prepares every raster asset of a datasource, merges them
// under the configured pixel-selection rule and builds the pyramid from
// the merged raster.
func BuildMosaic(ctx context.Context, assetsDir string, opt Options) (*TileJob, Stats, error) {
	assets, err := ListAssets(assetsDir)
	if err != nil {
		return nil, Stats{}, err
	}
	if len(assets) == 0 {
		return nil, Stats{}, fmt.Errorf("mosaic %q: no raster assets in %s", opt.DatasourceID, assetsDir)
	}

	warped := make([]string, 0, len(assets))
	for _, asset := range assets {
		w, err := PreprocessAsset(asset, opt)
		if err != nil {
			return nil, Stats{}, err
		}
		warped = append(warped, w)
	}

	merged, err := mosaic.Merge(warped, mosaic.Options{
		Mosaic:     opt.DatasourceID,
		OutputDir:  opt.OutputFolder(),
		Method:     opt.PixelSelection,
		Resampling: opt.Resampling,
		TileSize:   opt.TileSize,
	})
	if err != nil {
		return nil, Stats{}, err
	}

	mopt := opt
	mopt.MosaicMerge = true
	job, stats, err := buildFromPrepared(ctx, merged, merged, opt.DatasourceID, mopt)
	if err != nil {
		return job, stats, err
	}

	if opt.RemoveProcessingRasterFiles {
		for _, asset := range assets {
			CleanupProcessingFiles(opt, asset)
		}
	}
	return job, stats, nil
}

// ListAssets returns the raw raster assets of a mosaic directory,
// skipping the artifacts earlier runs left behind.
func ListAssets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing assets in %s: %w", dir, err)
	}
	var assets []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".tif") && !strings.HasSuffix(lower, ".tiff") {
			continue
		}
		if strings.Contains(lower, "_warp_tr_ov") || strings.Contains(lower, "_tr_ov") {
			continue
		}
		if isMergeArtifact(name) {
			continue
		}
		assets = append(assets, filepath.Join(dir, name))
	}
	sort.Strings(assets)
	return assets, nil
}

func isMergeArtifact(name string) bool {
	for _, suffix := range []string{"_FIRST", "_LAST", "_MIN", "_MAX", "_MEAN", "_SUM", "_COUNT"} {
		if strings.Contains(name, suffix) {
			return true
		}
	}
	return false
}

// buildFromPrepared plans and generates tiles from a tiling-ready
// raster into the job's sink.
func buildFromPrepared(ctx context.Context, prepared, inputFile, asset string, opt Options) (*TileJob, Stats, error) {
	d, err := geotiff.Open(prepared)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("opening prepared raster %q: %w", prepared, err)
	}
	defer d.Close()

	job, err := Plan(d, inputFile, opt)
	if err != nil {
		return nil, Stats{}, err
	}
	if opt.Verbose {
		log.Printf("Job %s: zoom %d..%d, %d tiles planned", job.InFile, job.TMinZ, job.TMaxZ, job.TileCount())
	}

	sidecar, err := CreateSidecar(opt.SidecarPath())
	if err != nil {
		return nil, Stats{}, err
	}
	defer sidecar.Close()
	if err := sidecar.SaveJob(job, asset); err != nil {
		return nil, Stats{}, err
	}

	sink, archive, err := openSink(job, opt)
	if err != nil {
		return nil, Stats{}, err
	}

	start := time.Now()
	stats, err := NewEngine(opt).Run(ctx, job, sink, sidecar)
	if cerr := closeSink(sink, archive); cerr != nil && err == nil {
		err = cerr
	}
	log.Printf("Time generation tiles %q: %s (%d generated, %d empty, %d failed, %d dropped)",
		inputFile, time.Since(start).Round(time.Millisecond),
		stats.Generated, stats.Empty, stats.Failed, stats.Dropped)
	return job, stats, err
}

func openSink(job *TileJob, opt Options) (tilestore.Sink, *tilestore.Archive, error) {
	if err := os.MkdirAll(opt.TilesFolder(), 0o755); err != nil {
		return nil, nil, err
	}
	if !opt.Archive {
		fs, err := tilestore.NewFileSink(opt.TilesFolder(), job.TileExtension)
		return fs, nil, err
	}

	path := opt.ArchivePath
	if path == "" {
		path = opt.DefaultArchivePath()
	}
	archive, err := tilestore.OpenArchive(path)
	if err != nil {
		return nil, nil, err
	}
	// A rebuild starts from a clean archive.
	if err := archive.Reset(); err != nil {
		archive.Close()
		return nil, nil, err
	}

	if err := archive.WriteMetadata(archiveMetadata(job, opt)); err != nil {
		archive.Close()
		return nil, nil, err
	}
	return archive, archive, nil
}

// closeSink compacts the archive into a single portable file before
// closing it.
func closeSink(sink tilestore.Sink, archive *tilestore.Archive) error {
	if archive != nil {
		if err := archive.Compact(); err != nil {
			archive.Close()
			return err
		}
		return archive.Close()
	}
	return sink.Close()
}

func archiveMetadata(job *TileJob, opt Options) tilestore.ArchiveMetadata {
	title := opt.Title
	if title == "" {
		title = opt.DatasourceID
	}

	bounds := ""
	if job.Profile == ProfileMercator {
		m := grid.NewMercator(job.TileSize)
		south, west := m.MetersToLatLon(job.Extent.MinX, job.Extent.MinY)
		north, east := m.MetersToLatLon(job.Extent.MaxX, job.Extent.MaxY)
		bounds = fmt.Sprintf("%g %g %g %g", south, west, north, east)
	}

	return tilestore.ArchiveMetadata{
		Name:        title,
		Description: title,
		Format:      job.TileExtension,
		MinZoom:     job.TMinZ,
		MaxZoom:     job.TMaxZ,
		Bounds:      bounds,
		Profile:     job.Profile.String(),
	}
}
