// Command pyramid builds a tile pyramid from a GeoTIFF (or a folder of
// mosaic assets) without the HTTP server: the same preprocessing,
// planning and generation pipeline the daemon launches on POST
// /pyramid.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/mosaic"
	"github.com/eugenever/tiler/internal/pyramid"
)

func main() {
	var (
		datasourceID   string
		profile        string
		format         string
		resampling     string
		warpResampling string
		pixelSelection string
		tileSize       int
		minZoom        int
		maxZoom        int
		workers        int
		dataDir        string
		tilesDir       string
		archive        bool
		warp           bool
		encodeRGBA     bool
		isMosaic       bool
		removeFiles    bool
		verbose        bool
	)

	flag.StringVar(&datasourceID, "ds", "", "datasource identifier (required)")
	flag.StringVar(&profile, "profile", "mercator", "tiling profile: mercator, geodetic, raster")
	flag.StringVar(&format, "format", "png", "tile format: png, jpeg, webp")
	flag.StringVar(&resampling, "resampling", "average", "resampling: nearest, bilinear, cubic, cubicspline, lanczos, average, min, max, med")
	flag.StringVar(&warpResampling, "resampling-warp", "average", "warp resampling method")
	flag.StringVar(&pixelSelection, "pixel-selection", "first", "mosaic pixel selection: first, last, min, max, mean")
	flag.IntVar(&tileSize, "tile-size", 256, "tile size in pixels")
	flag.IntVar(&minZoom, "min-zoom", -1, "minimum zoom level (default: auto)")
	flag.IntVar(&maxZoom, "max-zoom", -1, "maximum zoom level (default: auto from resolution)")
	flag.IntVar(&workers, "workers", runtime.NumCPU(), "number of parallel workers")
	flag.StringVar(&dataDir, "data", "data", "working directory")
	flag.StringVar(&tilesDir, "tiles", "tiles", "tile output directory")
	flag.BoolVar(&archive, "mbtiles", true, "pack tiles into a single archive database")
	flag.BoolVar(&warp, "warp", false, "force warping even when the SRS already matches")
	flag.BoolVar(&encodeRGBA, "encode-rgba", true, "encode scalar rasters to RGBA tiles")
	flag.BoolVar(&isMosaic, "mosaic", false, "treat the input as a folder of mosaic assets")
	flag.BoolVar(&removeFiles, "remove-processing-files", false, "remove warp/translate artifacts after the build")
	flag.BoolVar(&verbose, "verbose", false, "verbose progress output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pyramid [flags] <input.tif | asset-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Build a tile pyramid from a georeferenced raster.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if datasourceID == "" || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	input := flag.Arg(0)

	opt := pyramid.DefaultOptions(datasourceID)
	opt.DataDir = dataDir
	opt.TilesDir = tilesDir
	opt.TileSize = tileSize
	opt.MinZoom = minZoom
	opt.MaxZoom = maxZoom
	opt.Workers = workers
	opt.Archive = archive
	opt.Warp = warp
	opt.EncodeToRGBA = encodeRGBA
	opt.RemoveProcessingRasterFiles = removeFiles
	opt.Verbose = verbose
	opt.TileDriver = format

	var err error
	if opt.Profile, err = pyramid.ParseProfile(profile); err != nil {
		log.Fatal(err)
	}
	if opt.Resampling, err = geotiff.ParseResampling(resampling); err != nil {
		log.Fatal(err)
	}
	if opt.WarpResampling, err = geotiff.ParseResampling(warpResampling); err != nil {
		log.Fatal(err)
	}
	if opt.PixelSelection, err = mosaic.ParseMethod(pixelSelection); err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	var job *pyramid.TileJob
	var stats pyramid.Stats
	if isMosaic {
		job, stats, err = pyramid.BuildMosaic(context.Background(), input, opt)
	} else {
		job, stats, err = pyramid.Build(context.Background(), input, opt)
	}
	if err != nil {
		log.Fatalf("Pyramid build failed: %v", err)
	}

	fmt.Printf("Pyramid complete in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Zoom levels: %d..%d\n", job.TMinZ, job.TMaxZ)
	fmt.Printf("  Tiles: %d generated, %d empty, %d failed, %d dropped\n",
		stats.Generated, stats.Empty, stats.Failed, stats.Dropped)
	if archive {
		fmt.Printf("  Archive: %s\n", opt.DefaultArchivePath())
	} else {
		fmt.Printf("  Tile tree: %s\n", opt.TilesFolder())
	}
}
