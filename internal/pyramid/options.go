// Package pyramid builds multi-resolution tile pyramids from
// georeferenced rasters: preprocessing into a tiling-ready GeoTIFF,
// tile-index planning, and the parallel generation engine feeding a
// tile sink.
package pyramid

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/mosaic"
)

// Profile selects the tiling scheme.
type Profile int

const (
	ProfileMercator Profile = iota
	ProfileGeodetic
	ProfileRaster
)

// ParseProfile converts a profile name.
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "mercator", "":
		return ProfileMercator, nil
	case "geodetic":
		return ProfileGeodetic, nil
	case "raster":
		return ProfileRaster, nil
	default:
		return 0, fmt.Errorf("unknown profile %q", s)
	}
}

// String returns the profile name.
func (p Profile) String() string {
	switch p {
	case ProfileGeodetic:
		return "geodetic"
	case ProfileRaster:
		return "raster"
	default:
		return "mercator"
	}
}

// Options configures one pyramid build. The zero MinZoom/MaxZoom of -1
// means "derive from the raster resolution".
type Options struct {
	DatasourceID string
	Title        string
	Verbose      bool

	Profile       Profile
	Resampling    geotiff.Resampling
	TileDriver    string // png, jpg, webp
	TileSize      int
	MinZoom       int
	MaxZoom       int
	TMSCompatible bool
	XYZ           bool

	NoData          *float64
	NoDataTolerance float64

	Workers int

	Archive     bool // pack into a single archive database
	ArchivePath string

	DataDir  string // working files root (data/)
	TilesDir string // tile tree root (tiles/)

	WebPQuality  int
	WebPLossless bool

	Warp           bool
	WarpResampling geotiff.Resampling
	EncodeToRGBA   bool

	RemoveProcessingRasterFiles bool
	SaveTileDetails             bool

	MosaicMerge    bool
	PixelSelection mosaic.Method
	Merge          bool
}

// DefaultOptions returns the standard build configuration for a
// datasource.
func DefaultOptions(datasourceID string) Options {
	return Options{
		DatasourceID:    datasourceID,
		Profile:         ProfileMercator,
		Resampling:      geotiff.ResamplingAverage,
		TileDriver:      "png",
		TileSize:        256,
		MinZoom:         -1,
		MaxZoom:         -1,
		XYZ:             true,
		Workers:         runtime.NumCPU(),
		Archive:         true,
		DataDir:         "data",
		TilesDir:        "tiles",
		WarpResampling:  geotiff.ResamplingAverage,
		EncodeToRGBA:    true,
		SaveTileDetails: true,
		Merge:           true,
		NoDataTolerance: encode.DefaultNoDataTolerance,
	}
}

// OutputFolder returns data/<datasource_id>, the working directory of
// the job.
func (o *Options) OutputFolder() string {
	return filepath.Join(o.DataDir, o.DatasourceID)
}

// TilesFolder returns tiles/<datasource_id>.
func (o *Options) TilesFolder() string {
	return filepath.Join(o.TilesDir, o.DatasourceID)
}

// SidecarPath returns the per-dataset sidecar database path.
func (o *Options) SidecarPath() string {
	return filepath.Join(o.OutputFolder(), o.DatasourceID+".db")
}

// DefaultArchivePath returns tiles/<ds>/<ds>.mbtiles.
func (o *Options) DefaultArchivePath() string {
	return filepath.Join(o.TilesFolder(), o.DatasourceID+".mbtiles")
}

// TileExtension returns the tile file extension for the driver.
func (o *Options) TileExtension() string {
	switch o.TileDriver {
	case "jpg", "jpeg", "JPEG", "JPG":
		return "jpg"
	case "webp", "WEBP":
		return "webp"
	default:
		return "png"
	}
}

// Encoder builds the image encoder for the configured driver.
func (o *Options) Encoder() (encode.Encoder, error) {
	if o.TileExtension() == "webp" {
		return &encode.WebPEncoder{Quality: o.WebPQuality, Lossless: o.WebPLossless}, nil
	}
	return encode.NewEncoder(o.TileExtension(), 0)
}
