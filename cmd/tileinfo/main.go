// Command tileinfo inspects the tiler's on-disk artifacts: GeoTIFF
// structure, packed tile archives, and per-dataset sidecar databases.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/pyramid"
	"github.com/eugenever/tiler/internal/tilestore"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: tileinfo <file.tif | archive.mbtiles | sidecar.db>\n")
		os.Exit(1)
	}
	path := os.Args[1]

	var err error
	switch {
	case strings.HasSuffix(path, ".mbtiles"):
		err = archiveInfo(path)
	case strings.HasSuffix(path, ".db"):
		err = sidecarInfo(path)
	default:
		err = rasterInfo(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rasterInfo(path string) error {
	d, err := geotiff.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Printf("File: %s\n", path)
	fmt.Printf("Size: %d x %d\n", d.Width(), d.Height())
	fmt.Printf("Bands: %d (%d data", d.BandCount(), d.DataBandCount())
	if d.HasAlphaBand() {
		fmt.Printf(" + alpha")
	}
	fmt.Printf(")\n")
	if d.IsFloat() {
		fmt.Printf("Samples: float\n")
	} else {
		fmt.Printf("Samples: integer\n")
	}
	if nd, ok := d.NoData(); ok {
		fmt.Printf("NoData: %g\n", nd)
	}
	fmt.Printf("Overviews: %d\n", d.OverviewCount())

	ref := d.GeoRef()
	if !ref.Valid() {
		fmt.Printf("Georeference: none\n")
		return nil
	}
	fmt.Printf("EPSG: %d\n", ref.EPSG)
	fmt.Printf("Origin: X=%f, Y=%f\n", ref.OriginX, ref.OriginY)
	fmt.Printf("Pixel size: %f x %f\n", ref.PixelSizeX, ref.PixelSizeY)
	e := ref.ExtentFor(d.Width(), d.Height())
	fmt.Printf("Bounds (CRS): X=[%f, %f], Y=[%f, %f]\n", e.MinX, e.MaxX, e.MinY, e.MaxY)
	return nil
}

func archiveInfo(path string) error {
	a, err := tilestore.OpenArchive(path)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.TileCount()
	if err != nil {
		return err
	}
	fmt.Printf("Archive: %s\n", path)
	fmt.Printf("Tiles: %d\n", n)
	return nil
}

func sidecarInfo(path string) error {
	s, err := pyramid.OpenSidecar(path)
	if err != nil {
		return err
	}
	defer s.Close()

	row, err := s.LoadJob()
	if err != nil {
		return err
	}
	if row == nil {
		fmt.Printf("Sidecar: %s (no tile job)\n", path)
		return nil
	}

	fmt.Printf("Sidecar: %s\n", path)
	fmt.Printf("Source: %s\n", row.SrcFile)
	fmt.Printf("Profile: %s, tile size %d, driver %s\n", row.Profile, row.TileSize, row.TileDriver)
	fmt.Printf("Data bands: %d", row.DataBandsCount)
	if row.HasAlphaBand {
		fmt.Printf(" + alpha")
	}
	fmt.Printf("\n")
	if row.NoData != nil {
		fmt.Printf("NoData: %g\n", *row.NoData)
	}
	fmt.Printf("Encode to RGBA: %v\n", row.EncodeToRGBA)
	fmt.Printf("Resampling: %s, querysize %d\n", row.Resampling, row.QuerySize)

	if tminz, tmaxz, err := s.ZoomRange(); err == nil {
		fmt.Printf("Zoom: %d..%d\n", tminz, tmaxz)
		for tz := tminz; tz <= tmaxz; tz++ {
			if r, err := s.RangeForZoom(tz); err == nil {
				fmt.Printf("  z%-2d x[%d..%d] y[%d..%d]\n", tz, r.TMinX, r.TMaxX, r.TMinY, r.TMaxY)
			}
		}
	}
	return nil
}
