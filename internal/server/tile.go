package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"

	"github.com/eugenever/tiler/internal/catalog"
	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/pyramid"
	"github.com/eugenever/tiler/internal/tilestore"
	"github.com/eugenever/tiler/internal/vector"
)

// neighborOffsets is the 8-neighborhood warmed around a served tile.
var neighborOffsets = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// archives caches open archive handles per datasource.
type archivePool struct {
	mu   sync.Mutex
	open map[string]*tilestore.Archive
}

var archives = &archivePool{open: make(map[string]*tilestore.Archive)}

func (p *archivePool) get(path string) (*tilestore.Archive, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.open[path]; ok {
		return a, nil
	}
	a, err := tilestore.OpenArchive(path)
	if err != nil {
		return nil, err
	}
	p.open[path] = a
	return a, nil
}

func (s *Server) handleTile(c echo.Context) error {
	start := time.Now()
	defer func() { s.metrics.tileDuration.Observe(time.Since(start).Seconds()) }()

	id := c.Param("datasource_id")
	coord := c.Param("coord") // "<y>.<ext>"
	dot := strings.LastIndexByte(coord, '.')
	if dot < 0 {
		return badRequest("tile path must end with .<ext>")
	}
	ext := coord[dot+1:]

	z, errZ := strconv.Atoi(c.Param("z"))
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(coord[:dot])
	if errZ != nil || errX != nil || errY != nil {
		return badRequest("tile coordinates must be integers")
	}

	ds, err := s.loadDatasource(c, id)
	if err != nil {
		return err
	}

	if z < ds.MinZoom || z > ds.MaxZoom {
		return badRequest(fmt.Sprintf("Zoom should be in range %d-%d, got %d", ds.MinZoom, ds.MaxZoom, z))
	}
	if n := 1 << uint(z); x < 0 || x >= n || y < 0 || y >= n {
		s.metrics.tilesServed.WithLabelValues(string(ds.Kind), "empty").Inc()
		return c.NoContent(http.StatusNoContent)
	}

	if ds.Kind == catalog.KindVector {
		return s.serveVectorTile(c, ds, z, x, y, ext)
	}
	return s.serveRasterTile(c, ds, z, x, y, ext)
}

// serveRasterTile answers one raster tile: the packed archive first,
// then on-demand generation through the same render path the batch
// engine uses, with write-through and neighbor warming detached from
// the response.
func (s *Server) serveRasterTile(c echo.Context, ds *catalog.DataSource, z, x, y int, ext string) error {
	id := ds.ID
	contentType := encode.ContentTypeForExtension(ext)

	// Fast path: the packed archive.
	archivePath := s.archivePath(id)
	var archive *tilestore.Archive
	if tilestore.ArchiveExists(archivePath) {
		a, err := archives.get(archivePath)
		if err != nil {
			return internalError(err)
		}
		archive = a
		data, err := a.Get(z, x, y)
		if err != nil {
			return internalError(err)
		}
		if data != nil {
			s.metrics.tilesServed.WithLabelValues("raster", "archive").Inc()
			return c.Blob(http.StatusOK, contentType, data)
		}
	}

	entry, err := s.readers.get(id, s.sidecarPath(id))
	if err != nil {
		return badRequest(err.Error())
	}

	if empty, err := entry.sidecar.IsEmpty(z, x, y); err == nil && empty {
		s.metrics.tilesServed.WithLabelValues("raster", "empty").Inc()
		return c.NoContent(http.StatusNoContent)
	}

	row := entry.row
	spec, err := renderSpecFor(row, s.App.Tiler.NoDataTolerance)
	if err != nil {
		return internalError(err)
	}

	var data []byte
	if !row.Merge && row.PixelSelection != "" {
		// Unmerged mosaics resolve overlapping assets per request.
		data, err = s.renderMosaicTile(id, row, spec, z, x, y)
	} else {
		ty := y
		if row.XYZ {
			ty = grid.FlipY(z, y)
		}
		profile, _ := pyramid.ParseProfile(row.Profile)
		det := pyramid.DetailForTile(entry.dataset, profile, false, row.TileSize, row.QuerySize, z, x, ty)
		data, err = pyramid.RenderDetail(entry.dataset, spec, det)
	}
	if errors.Is(err, pyramid.ErrEmptyTile) {
		if merr := entry.sidecar.MarkEmpty(z, x, y); merr != nil {
			log.Printf("datasource %s: recording empty tile %d/%d/%d: %v", id, z, x, y, merr)
		}
		s.metrics.tilesServed.WithLabelValues("raster", "empty").Inc()
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return internalError(fmt.Errorf("datasource %s tile %d/%d/%d: %w", id, z, x, y, err))
	}

	// The requested tile plus its 8 neighbors amortize the reader open:
	// the neighborhood is generated and written through off the response
	// path, best effort.
	neighbors := s.neighborAddresses(z, x, y)
	c.Response().Header().Set("Nts", neighbors)
	entry.acquire()
	go func() {
		defer entry.release()
		s.warmTiles(id, entry, spec, row, archive, z, x, y, data)
	}()

	s.metrics.tilesServed.WithLabelValues("raster", "rendered").Inc()
	return c.Blob(http.StatusOK, contentType, data)
}

// renderSpecFor rebuilds the render parameters from a sidecar row.
func renderSpecFor(row *pyramid.JobRow, tolerance float64) (pyramid.RenderSpec, error) {
	resampling, err := geotiff.ParseResampling(row.Resampling)
	if err != nil {
		resampling = geotiff.ResamplingNearest
	}
	encoder, err := encode.ForExtension(row.TileExtension)
	if err != nil {
		return pyramid.RenderSpec{}, err
	}
	return pyramid.RenderSpec{
		TileSize:        row.TileSize,
		Resampling:      resampling,
		EncodeToRGBA:    row.EncodeToRGBA,
		NoData:          row.NoData,
		NoDataTolerance: tolerance,
		Encoder:         encoder,
	}, nil
}

// neighborAddresses lists the valid 8-neighborhood as "z/x/y" entries.
func (s *Server) neighborAddresses(z, x, y int) string {
	n := 1 << uint(z)
	var parts []string
	for _, off := range neighborOffsets {
		nx, ny := x+off[0], y+off[1]
		if nx < 0 || nx >= n || ny < 0 || ny >= n {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d/%d/%d", z, nx, ny))
	}
	return strings.Join(parts, ",")
}

// warmTiles persists the served tile and generates its in-range
// neighbors, writing everything through the sink. Every failure is
// logged and swallowed; the client already has its answer.
func (s *Server) warmTiles(id string, entry *readerEntry, spec pyramid.RenderSpec, row *pyramid.JobRow, archive *tilestore.Archive, z, x, y int, served []byte) {
	sink, err := s.sinkFor(id, row, archive)
	if err != nil {
		log.Printf("datasource %s: neighbor warm sink: %v", id, err)
		return
	}

	put := func(pz, px, py int, data []byte) {
		if err := sink.Put(pz, px, py, data); err != nil {
			log.Printf("datasource %s: saving tile %d/%d/%d: %v", id, pz, px, py, err)
		}
	}
	put(z, x, y, served)

	n := 1 << uint(z)
	profile, _ := pyramid.ParseProfile(row.Profile)
	for _, off := range neighborOffsets {
		nx, ny := x+off[0], y+off[1]
		if nx < 0 || nx >= n || ny < 0 || ny >= n {
			continue
		}
		if empty, err := entry.sidecar.IsEmpty(z, nx, ny); err == nil && empty {
			continue
		}
		ty := ny
		if row.XYZ {
			ty = grid.FlipY(z, ny)
		}
		det := pyramid.DetailForTile(entry.dataset, profile, false, row.TileSize, row.QuerySize, z, nx, ty)
		data, err := pyramid.RenderDetail(entry.dataset, spec, det)
		switch {
		case errors.Is(err, pyramid.ErrEmptyTile):
			if merr := entry.sidecar.MarkEmpty(z, nx, ny); merr != nil {
				log.Printf("datasource %s: recording empty neighbor %d/%d/%d: %v", id, z, nx, ny, merr)
			}
		case err != nil:
			log.Printf("datasource %s: neighbor %d/%d/%d: %v", id, z, nx, ny, err)
		default:
			put(z, nx, ny, data)
		}
	}
}

// sinkFor returns the write-through sink of a datasource: the archive
// when one exists, the tile tree otherwise.
func (s *Server) sinkFor(id string, row *pyramid.JobRow, archive *tilestore.Archive) (tilestore.Sink, error) {
	if archive != nil {
		return archive, nil
	}
	if tilestore.ArchiveExists(s.archivePath(id)) {
		return archives.get(s.archivePath(id))
	}
	return tilestore.NewFileSink(s.tilesDirFor(id), row.TileExtension)
}

func (s *Server) tilesDirFor(id string) string {
	return s.TilesDir + "/" + id
}

// serveVectorTile answers one vector tile from the spatial database or
// the datasource's external tile service.
func (s *Server) serveVectorTile(c echo.Context, ds *catalog.DataSource, z, x, y int, ext string) error {
	ctx := c.Request().Context()
	var mvt []byte
	var err error

	switch ds.Store.Type {
	case catalog.StoreTiles:
		mvt, err = s.upstreams.fetch(ctx, ds, z, x, y)
	default:
		if s.mvt == nil {
			return internalError(fmt.Errorf("vector datasource %q: no database configured", ds.ID))
		}
		mvt, err = s.mvt.Generate(ctx, ds.VectorLayers(), z, x, y)
	}
	if err != nil {
		return internalError(err)
	}

	if len(mvt) == 0 {
		s.metrics.tilesServed.WithLabelValues("vector", "empty").Inc()
		return c.NoContent(http.StatusNoContent)
	}

	headers := c.Response().Header()
	body := mvt
	if ds.CompressTiles {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(mvt); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			headers.Set(echo.HeaderContentEncoding, "gzip")
		}
	}

	// Only non-empty tiles are persisted.
	go s.saveVectorTile(ds, z, x, y, ext, body)

	s.metrics.tilesServed.WithLabelValues("vector", "rendered").Inc()
	return c.Blob(http.StatusOK, "application/vnd.mapbox-vector-tile", body)
}

func (s *Server) saveVectorTile(ds *catalog.DataSource, z, x, y int, ext string, data []byte) {
	if ds.Archive && tilestore.ArchiveExists(s.archivePath(ds.ID)) {
		a, err := archives.get(s.archivePath(ds.ID))
		if err == nil {
			if err := a.Put(z, x, y, data); err != nil {
				log.Printf("datasource %s: saving vector tile %d/%d/%d: %v", ds.ID, z, x, y, err)
			}
			return
		}
	}
	sink, err := tilestore.NewFileSink(s.tilesDirFor(ds.ID), ext)
	if err != nil {
		log.Printf("datasource %s: vector tile sink: %v", ds.ID, err)
		return
	}
	if err := sink.Put(z, x, y, data); err != nil {
		log.Printf("datasource %s: saving vector tile %d/%d/%d: %v", ds.ID, z, x, y, err)
	}
}

// upstreamPool keeps one key-rotating forwarder per external datasource.
type upstreamPool struct {
	mu       sync.Mutex
	coolDown int
	pools    map[string]*vector.Upstream
}

func newUpstreamPool(coolDownDays int) *upstreamPool {
	return &upstreamPool{coolDown: coolDownDays, pools: make(map[string]*vector.Upstream)}
}

func (p *upstreamPool) fetch(ctx context.Context, ds *catalog.DataSource, z, x, y int) ([]byte, error) {
	if len(ds.Store.Tiles) == 0 {
		return nil, fmt.Errorf("datasource %q: no upstream tile URL", ds.ID)
	}
	p.mu.Lock()
	up, ok := p.pools[ds.ID]
	if !ok {
		up = vector.NewUpstream(vector.NewKeyPool(ds.Store.Keys, p.coolDown))
		p.pools[ds.ID] = up
	}
	p.mu.Unlock()
	return up.Fetch(ctx, ds.Store.Tiles[0], z, x, y)
}
