// Package catalog holds the DataSource model and its persistence in the
// relational catalog. DataSources are created through the catalog API
// and never mutated by the tiling core.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/vector"
)

// Kind is the datasource data type.
type Kind string

const (
	KindRaster Kind = "raster"
	KindVector Kind = "vector"
)

// StoreType names how the raw data is reached.
type StoreType string

const (
	StoreInternal StoreType = "internal" // a file (or folder of files) under data/
	StoreTiles    StoreType = "tiles"    // an external XYZ tile URL template
	StoreArchive  StoreType = "mbtiles"  // an external packed archive
	StoreTileJSON StoreType = "tilejson"
)

// DataStore describes where the raw data of a datasource lives.
type DataStore struct {
	Type   StoreType `json:"type"`
	File   string    `json:"file,omitempty"`
	Folder string    `json:"folder,omitempty"`
	Tiles  []string  `json:"tiles,omitempty"`
	Keys   []string  `json:"keys,omitempty"`
}

// LayerQuery is the explicit-SQL variant of a vector layer.
type LayerQuery struct {
	MinZoom int    `json:"minzoom"`
	MaxZoom int    `json:"maxzoom"`
	SQL     string `json:"sql"`
}

// LayerSpec is the catalog form of one vector layer.
type LayerSpec struct {
	ID        string          `json:"id"`
	Table     string          `json:"table,omitempty"`
	GeomField string          `json:"geom_field,omitempty"`
	MinZoom   int             `json:"minzoom"`
	MaxZoom   int             `json:"maxzoom"`
	Simplify  bool            `json:"simplify,omitempty"`
	Filter    json.RawMessage `json:"filter,omitempty"`
	Fields    []string        `json:"fields,omitempty"`
	Queries   []LayerQuery    `json:"queries,omitempty"`
}

// DataSource is one catalog entry. Bounds and center are in lon/lat.
type DataSource struct {
	ID            string      `json:"id"`
	Kind          Kind        `json:"type"`
	Description   string      `json:"description,omitempty"`
	Attribution   string      `json:"attribution,omitempty"`
	MinZoom       int         `json:"minzoom"`
	MaxZoom       int         `json:"maxzoom"`
	Bounds        []float64   `json:"bounds,omitempty"` // [w, s, e, n]
	Center        []float64   `json:"center,omitempty"` // [lon, lat, zoom?]
	Store         DataStore   `json:"data_store"`
	Archive       bool        `json:"mbtiles,omitempty"`
	CompressTiles bool        `json:"compress_tiles,omitempty"`
	Mosaics       bool        `json:"mosaics,omitempty"`
	Encoding      string      `json:"encoding,omitempty"` // raster value encoding
	Layers        []LayerSpec `json:"layers,omitempty"`
	TMS           bool        `json:"tms,omitempty"` // row order of served tiles
}

// Validate checks the invariants the catalog enforces on every upsert.
func (ds *DataSource) Validate() error {
	if ds.ID == "" {
		return fmt.Errorf("datasource id is required")
	}
	if ds.Kind != KindRaster && ds.Kind != KindVector {
		return fmt.Errorf("datasource %q: unknown type %q", ds.ID, ds.Kind)
	}
	switch ds.Store.Type {
	case StoreInternal, StoreTiles, StoreArchive, StoreTileJSON:
	default:
		return fmt.Errorf("datasource %q: unknown store type %q", ds.ID, ds.Store.Type)
	}

	if ds.MinZoom < 0 || ds.MaxZoom > grid.MaxZoomLevel || ds.MinZoom > ds.MaxZoom {
		return fmt.Errorf("datasource %q: zoom range %d..%d outside 0..%d",
			ds.ID, ds.MinZoom, ds.MaxZoom, grid.MaxZoomLevel)
	}

	if len(ds.Bounds) != 0 && len(ds.Bounds) != 4 {
		return fmt.Errorf("datasource %q: bounds must have 4 values", ds.ID)
	}
	if len(ds.Center) != 0 && len(ds.Center) != 2 && len(ds.Center) != 3 {
		return fmt.Errorf("datasource %q: center must be [lon, lat] or [lon, lat, zoom]", ds.ID)
	}

	// The bounds contain the center; the center zoom sits in range.
	if len(ds.Bounds) == 4 && len(ds.Center) >= 2 {
		w, s, e, n := ds.Bounds[0], ds.Bounds[1], ds.Bounds[2], ds.Bounds[3]
		lon, lat := ds.Center[0], ds.Center[1]
		if lon < w || lon > e || lat < s || lat > n {
			return fmt.Errorf("datasource %q: center (%g, %g) outside bounds", ds.ID, lon, lat)
		}
	}
	if len(ds.Center) == 3 {
		cz := int(ds.Center[2])
		if cz < ds.MinZoom || cz > ds.MaxZoom {
			return fmt.Errorf("datasource %q: center zoom %d outside %d..%d",
				ds.ID, cz, ds.MinZoom, ds.MaxZoom)
		}
	}

	if ds.Kind == KindVector && ds.Store.Type == StoreTiles && len(ds.Store.Tiles) == 0 {
		return fmt.Errorf("datasource %q: tiles store needs at least one URL template", ds.ID)
	}
	for i := range ds.Layers {
		l := &ds.Layers[i]
		if l.ID == "" {
			return fmt.Errorf("datasource %q: layer %d has no id", ds.ID, i)
		}
		if l.Table == "" && len(l.Queries) == 0 {
			return fmt.Errorf("datasource %q: layer %q needs a table or queries", ds.ID, l.ID)
		}
		if l.MinZoom > l.MaxZoom {
			return fmt.Errorf("datasource %q: layer %q zoom range inverted", ds.ID, l.ID)
		}
	}
	return nil
}

// VectorLayers converts the catalog layer specs into builder layers.
func (ds *DataSource) VectorLayers() []vector.Layer {
	layers := make([]vector.Layer, 0, len(ds.Layers))
	for _, spec := range ds.Layers {
		l := vector.Layer{
			ID:        spec.ID,
			Table:     spec.Table,
			GeomField: spec.GeomField,
			MinZoom:   spec.MinZoom,
			MaxZoom:   spec.MaxZoom,
			Simplify:  spec.Simplify,
			Fields:    spec.Fields,
		}
		if len(spec.Filter) > 0 {
			l.Filter = string(spec.Filter)
		}
		for _, q := range spec.Queries {
			l.Queries = append(l.Queries, vector.ZoomQuery{
				MinZoom: q.MinZoom, MaxZoom: q.MaxZoom, SQL: q.SQL,
			})
		}
		layers = append(layers, l)
	}
	return layers
}
