package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/eugenever/tiler/internal/catalog"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/mosaic"
	"github.com/eugenever/tiler/internal/pyramid"
)

// pyramidRequest is the POST /pyramid body.
type pyramidRequest struct {
	DatasourceID                string  `json:"datasource_id"`
	Verbose                     bool    `json:"verbose"`
	Resampling                  string  `json:"resampling"`
	TileDriver                  string  `json:"tiledriver"`
	TileSize                    int     `json:"tile_size"`
	XYZ                         *bool   `json:"xyz"`
	CountProcesses              int     `json:"count_processes"`
	Zoom                        []int   `json:"zoom"`
	Archive                     *bool   `json:"mbtiles"`
	Warp                        bool    `json:"warp"`
	ResamplingWarp              string  `json:"resampling_warp"`
	RemoveProcessingRasterFiles bool    `json:"remove_processing_raster_files"`
	EncodeToRGBA                *bool   `json:"encode_to_rgba"`
	SaveTileDetailDB            *bool   `json:"save_tile_detail_db"`
	NoDataDefault               *float64 `json:"nodata_default"`
	PixelSelectionMethod        string  `json:"pixel_selection_method"`
	Merge                       *bool   `json:"merge"`
}

// pyramidResponse is the 202 body of an accepted launch.
type pyramidResponse struct {
	PyramidID      string `json:"pyramid_id"`
	AlreadyRunning bool   `json:"already_running"`
}

// validate turns the request into build options, collecting every
// field error for the structured 400 body.
func (r *pyramidRequest) validate() (pyramid.Options, []validationError) {
	var errs []validationError
	field := func(name, message string) {
		errs = append(errs, validationError{Location: "body." + name, Message: message, Type: "value_error"})
	}

	if r.DatasourceID == "" {
		field("datasource_id", "datasource_id is required")
	}

	opt := pyramid.DefaultOptions(r.DatasourceID)

	if r.Resampling != "" {
		m, err := geotiff.ParseResampling(r.Resampling)
		if err != nil {
			field("resampling", err.Error())
		} else {
			opt.Resampling = m
		}
	}
	if r.ResamplingWarp != "" {
		m, err := geotiff.ParseResampling(r.ResamplingWarp)
		if err != nil {
			field("resampling_warp", err.Error())
		} else {
			opt.WarpResampling = m
		}
	}
	if r.TileDriver != "" {
		switch r.TileDriver {
		case "png", "PNG", "jpg", "jpeg", "JPEG", "webp", "WEBP":
			opt.TileDriver = r.TileDriver
		default:
			field("tiledriver", fmt.Sprintf("unsupported tile driver %q", r.TileDriver))
		}
	}
	if r.TileSize != 0 {
		switch r.TileSize {
		case 128, 256, 512, 1024:
			opt.TileSize = r.TileSize
		default:
			field("tile_size", "tile_size should take values [128, 256, 512, 1024]")
		}
	}
	if len(r.Zoom) > 0 {
		if len(r.Zoom) != 2 {
			field("zoom", "zoom must be [minzoom, maxzoom]")
		} else if r.Zoom[0] < 0 || r.Zoom[1] > 20 || r.Zoom[0] > r.Zoom[1] {
			field("zoom", "zoom values must be in range 0-20")
		} else {
			opt.MinZoom = r.Zoom[0]
			opt.MaxZoom = r.Zoom[1]
		}
	}
	if r.CountProcesses != 0 {
		if r.CountProcesses < 0 || r.CountProcesses > runtime.NumCPU()*2 {
			field("count_processes", fmt.Sprintf("count_processes must be in range 1-%d", runtime.NumCPU()*2))
		} else {
			opt.Workers = r.CountProcesses
		}
	}
	if r.PixelSelectionMethod != "" {
		m, err := mosaic.ParseMethod(r.PixelSelectionMethod)
		if err != nil {
			field("pixel_selection_method", err.Error())
		} else {
			opt.PixelSelection = m
		}
	}

	opt.Verbose = r.Verbose
	opt.Warp = r.Warp
	opt.RemoveProcessingRasterFiles = r.RemoveProcessingRasterFiles
	if r.XYZ != nil {
		opt.XYZ = *r.XYZ
	}
	if r.Archive != nil {
		opt.Archive = *r.Archive
	}
	if r.EncodeToRGBA != nil {
		opt.EncodeToRGBA = *r.EncodeToRGBA
	}
	if r.SaveTileDetailDB != nil {
		opt.SaveTileDetails = *r.SaveTileDetailDB
	}
	if r.Merge != nil {
		opt.Merge = *r.Merge
	}
	if r.NoDataDefault != nil {
		opt.NoData = r.NoDataDefault
	}
	return opt, errs
}

func (s *Server) handlePyramid(c echo.Context) error {
	var req pyramidRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	opt, errs := req.validate()
	if len(errs) > 0 {
		return badRequest("pyramid request validation failed", errs...)
	}

	ds, err := s.loadDatasource(c, req.DatasourceID)
	if err != nil {
		return err
	}
	if ds.Kind == catalog.KindVector && ds.Store.Type == catalog.StoreTiles {
		return badRequest(fmt.Sprintf("datasource %q: cannot build a pyramid for an external tile store", ds.ID))
	}

	dataset, err := s.resolveDataset(ds)
	if err != nil {
		return badRequest(err.Error())
	}

	opt.DataDir = s.DataDir
	opt.TilesDir = s.TilesDir
	opt.NoDataTolerance = s.App.Tiler.NoDataTolerance
	opt.MosaicMerge = ds.Mosaics

	// One running job per datasource; a duplicate launch answers with
	// the running id.
	id := uuid.NewString()
	jobID, existed, err := s.Registry.RegisterIfAbsent(id, ds.ID, dataset, paramsJSON(&req))
	if err != nil {
		return internalError(err)
	}
	resp := pyramidResponse{PyramidID: jobID, AlreadyRunning: existed}
	if existed {
		return c.JSON(http.StatusAccepted, resp)
	}

	s.metrics.pyramidsStart.Inc()
	go s.runPyramid(jobID, ds, dataset, opt)
	return c.JSON(http.StatusAccepted, resp)
}

// resolveDataset maps a datasource to the on-disk input the build
// consumes, verifying the prerequisite exists.
func (s *Server) resolveDataset(ds *catalog.DataSource) (string, error) {
	if ds.Kind == catalog.KindVector {
		return ds.ID, nil
	}
	if ds.Mosaics {
		dir := ds.Store.Folder
		if dir == "" {
			dir = filepath.Join(s.DataDir, "mosaics", ds.ID)
		}
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return "", fmt.Errorf("mosaic folder %q not found", dir)
		}
		return dir, nil
	}
	file := ds.Store.File
	if file == "" {
		file = ds.ID + ".tif"
	}
	path := filepath.Join(s.DataDir, file)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("dataset file %q not found", path)
	}
	return path, nil
}

// runPyramid executes one build in the background and finishes the
// registry row whatever the outcome.
func (s *Server) runPyramid(jobID string, ds *catalog.DataSource, dataset string, opt pyramid.Options) {
	defer func() {
		if err := s.Registry.Finish(jobID); err != nil {
			log.Printf("pyramid %s: finishing registry row: %v", jobID, err)
		}
	}()

	ctx := context.Background()
	var err error
	switch {
	case ds.Kind == catalog.KindVector:
		err = s.buildVectorPyramid(ctx, ds, opt)
	case ds.Mosaics:
		_, _, err = pyramid.BuildMosaic(ctx, dataset, opt)
	default:
		_, _, err = pyramid.Build(ctx, dataset, opt)
	}
	if err != nil {
		log.Printf("pyramid %s (%s): %v", jobID, ds.ID, err)
		return
	}
	log.Printf("pyramid %s (%s): complete", jobID, ds.ID)
}

func paramsJSON(req *pyramidRequest) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
