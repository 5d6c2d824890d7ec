package server

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/eugenever/tiler/internal/catalog"
	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/pyramid"
	"github.com/eugenever/tiler/internal/tilestore"
)

// buildVectorPyramid pre-generates every vector tile of the datasource
// bounds across its zoom range, through the same layer queries the
// serving path uses, into the archive or tile tree.
func (s *Server) buildVectorPyramid(ctx context.Context, ds *catalog.DataSource, opt pyramid.Options) error {
	if s.mvt == nil {
		return fmt.Errorf("vector datasource %q: no database configured", ds.ID)
	}
	if len(ds.Bounds) != 4 {
		return fmt.Errorf("vector datasource %q: bounds required for a pyramid", ds.ID)
	}

	layers := ds.VectorLayers()
	m := grid.NewMercator(grid.DefaultTileSize)

	minX, minY := m.LatLonToMeters(ds.Bounds[1], ds.Bounds[0])
	maxX, maxY := m.LatLonToMeters(ds.Bounds[3], ds.Bounds[2])
	extent := grid.Extent{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}

	minzoom, maxzoom := ds.MinZoom, ds.MaxZoom
	if opt.MinZoom >= 0 {
		minzoom = opt.MinZoom
	}
	if opt.MaxZoom >= 0 {
		maxzoom = opt.MaxZoom
	}

	var sink tilestore.Sink
	if opt.Archive {
		archive, err := tilestore.OpenArchive(s.archivePath(ds.ID))
		if err != nil {
			return err
		}
		if err := archive.Reset(); err != nil {
			archive.Close()
			return err
		}
		if err := archive.WriteMetadata(tilestore.ArchiveMetadata{
			Name: ds.ID, Description: ds.Description, Format: "pbf",
			MinZoom: minzoom, MaxZoom: maxzoom, Profile: "mercator",
		}); err != nil {
			archive.Close()
			return err
		}
		defer func() {
			if err := archive.Compact(); err != nil {
				log.Printf("vector pyramid %s: compacting archive: %v", ds.ID, err)
			}
			archive.Close()
		}()
		sink = archive
	} else {
		fs, err := tilestore.NewFileSink(s.tilesDirFor(ds.ID), "pbf")
		if err != nil {
			return err
		}
		sink = fs
	}

	var generated, empty atomic.Int64
	workers := opt.Workers
	if workers < 1 {
		workers = 1
	}

	for z := maxzoom; z >= minzoom; z-- {
		r := m.RangeForExtent(extent, z)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)

		for ty := r.TMaxY; ty >= r.TMinY; ty-- {
			for tx := r.TMinX; tx <= r.TMaxX; tx++ {
				tx, ty := tx, ty
				g.Go(func() error {
					y := grid.FlipY(z, ty)
					mvt, err := s.mvt.Generate(gctx, layers, z, tx, y)
					if err != nil {
						return err
					}
					if len(mvt) == 0 {
						empty.Add(1)
						return nil
					}
					if err := sink.Put(z, tx, y, mvt); err != nil {
						return err
					}
					generated.Add(1)
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("vector pyramid %s at z%d: %w", ds.ID, z, err)
		}
	}

	log.Printf("vector pyramid %s: %d tiles generated, %d empty", ds.ID, generated.Load(), empty.Load())
	return nil
}
