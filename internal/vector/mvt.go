// Package vector assembles Mapbox Vector Tiles from spatial-database
// layers and forwards requests to external tile services.
package vector

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/vector/jfe"
)

const (
	// DefaultExtent is the MVT coordinate extent per tile.
	DefaultExtent = 4096
	// DefaultBuffer is the envelope margin in extent units.
	DefaultBuffer = 64
)

// Layer is one vector layer of a datasource: either an ordinary table
// select (with optional filter and field list) or explicit per-zoom SQL.
type Layer struct {
	ID        string
	Table     string
	GeomField string
	MinZoom   int
	MaxZoom   int
	Simplify  bool
	Filter    any            // raw JSON filter expression, nil when absent
	Fields    []string       // attributes to encode
	FieldMap  map[string]string
	Queries   []ZoomQuery    // explicit SQL variant, overrides Table
}

// ZoomQuery is one explicit SQL query bound to a zoom span. $zoom in
// the text is replaced with the requested zoom.
type ZoomQuery struct {
	MinZoom int
	MaxZoom int
	SQL     string
}

// ActiveAt reports whether the layer contributes at a zoom level.
func (l *Layer) ActiveAt(z int) bool {
	return z >= l.MinZoom && z <= l.MaxZoom
}

// Select returns the layer's sub-query: the geometry column, the
// requested fields, and the compiled filter.
func (l *Layer) Select() (string, error) {
	geom := l.GeomField
	if geom == "" {
		geom = "geom"
	}
	cols := []string{`"` + geom + `"`}
	for _, f := range l.Fields {
		cols = append(cols, `"`+f+`"`)
	}

	q := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(cols, ", "), l.Table)
	if l.Filter != nil {
		mapping := l.FieldMap
		if mapping == nil {
			mapping = make(map[string]string, len(l.Fields))
			for _, f := range l.Fields {
				mapping[f] = f
			}
		}
		where, err := jfe.Compile(l.Filter, mapping, geom)
		if err != nil {
			return "", fmt.Errorf("layer %q: %w", l.ID, err)
		}
		q += " WHERE " + where
	}
	return q, nil
}

// Builder produces composite MVT blobs from the layers of a vector
// datasource backed by a spatial database.
type Builder struct {
	DB     *sql.DB
	Extent int
	Buffer int
	Margin string // ", margin => ..." fragment, empty on old PostGIS
}

// NewBuilder returns a builder with the conventional extent and buffer.
func NewBuilder(db *sql.DB) *Builder {
	margin := fmt.Sprintf(", margin => %g", float64(DefaultBuffer)/float64(DefaultExtent))
	return &Builder{DB: db, Extent: DefaultExtent, Buffer: DefaultBuffer, Margin: margin}
}

var whitespace = regexp.MustCompile(`\s+`)

// Generate assembles the composite tile for (z, x, y) from every layer
// active at z. Layers are independent blob sections, so the per-layer
// results concatenate into one tile. Returns an empty slice when no
// layer intersects.
func (b *Builder) Generate(ctx context.Context, layers []Layer, z, x, y int) ([]byte, error) {
	var queries []string
	for i := range layers {
		layer := &layers[i]
		if !layer.ActiveAt(z) {
			continue
		}
		var q string
		var err error
		if len(layer.Queries) > 0 {
			q = b.layerQueryFromSQL(layer, z, x, y)
		} else {
			q, err = b.layerQuery(layer, z, x, y)
			if err != nil {
				return nil, err
			}
		}
		if q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, nil
	}

	query := whitespace.ReplaceAllString(
		fmt.Sprintf("SELECT %s AS mvt_tile", strings.Join(queries, "||")), " ")

	var mvt []byte
	if err := b.DB.QueryRowContext(ctx, query).Scan(&mvt); err != nil {
		return nil, fmt.Errorf("vector tile %d/%d/%d: %w", z, x, y, err)
	}
	return mvt, nil
}

// layerQuery builds the CTE for one ordinary layer.
func (b *Builder) layerQuery(layer *Layer, z, x, y int) (string, error) {
	sub, err := layer.Select()
	if err != nil {
		return "", err
	}
	geom := layer.GeomField
	if geom == "" {
		geom = "geom"
	}

	geomExpr := fmt.Sprintf("t.%q", geom)
	if layer.Simplify {
		geomExpr = fmt.Sprintf("ST_SimplifyPreserveTopology(%s, %g)", geomExpr, SimplifyTolerance(z, b.Extent))
	}

	var fields string
	for _, f := range layer.Fields {
		fields += fmt.Sprintf(`, t.%q`, f)
	}

	return fmt.Sprintf(`(
		WITH mvtgeom AS (
			SELECT ST_AsMVTGeom(%s, ST_TileEnvelope(%d, %d, %d)) AS geom%s
			FROM (%s) AS t WHERE t.%q IS NOT NULL
				AND t.%q && ST_TileEnvelope(%d, %d, %d%s)
		)
		SELECT ST_AsMVT(mvtgeom.*, '%s', %d, 'geom') AS mvt FROM mvtgeom
	)`, geomExpr, z, x, y, fields, sub, geom, geom, z, x, y, b.Margin, layer.ID, b.Extent), nil
}

// layerQueryFromSQL builds the CTE union for the explicit per-zoom SQL
// variant.
func (b *Builder) layerQueryFromSQL(layer *Layer, z, x, y int) string {
	var subs []string
	for _, q := range layer.Queries {
		if z < q.MinZoom || z > q.MaxZoom {
			continue
		}
		sqlText := strings.TrimSpace(q.SQL)
		sqlText = whitespace.ReplaceAllString(sqlText, " ")
		sqlText = strings.ReplaceAll(sqlText, ";", "")
		sqlText = strings.ReplaceAll(sqlText, "$zoom", fmt.Sprintf("%d", z))
		subs = append(subs, fmt.Sprintf(`
			SELECT ST_AsMVTGeom(t.geom, ST_TileEnvelope(%d, %d, %d)) AS geom,
				t.tags - 'id' AS tags
			FROM (%s) AS t WHERE t.geom IS NOT NULL
				AND t.geom && ST_TileEnvelope(%d, %d, %d%s)`,
			z, x, y, sqlText, z, x, y, b.Margin))
	}
	if len(subs) == 0 {
		return ""
	}
	return fmt.Sprintf(`(SELECT ST_AsMVT(mvtGeom.*, '%s') FROM (%s) AS mvtGeom)`,
		layer.ID, strings.Join(subs, "\nUNION ALL\n"))
}

// SimplifyTolerance returns the simplification tolerance in meters at a
// zoom level. Through zoom 11 it is the power-of-two form
// 2πR/2^(z+8); above zoom 11 it is the pixel resolution of the
// extent-wide tile. The 2.2−0.2z multiplier of the second form covers
// zooms 0..5 only, which the first form already handles, so no zoom is
// scaled by it.
func SimplifyTolerance(z, extent int) float64 {
	if z <= 11 {
		return 2 * math.Pi * grid.EarthRadius / math.Pow(2, float64(z+8))
	}
	multiplier := 1.0
	if z <= 5 {
		multiplier = 2.2 - 0.2*float64(z)
	}
	mapWidth := 2 * math.Pi * grid.EarthRadius
	return multiplier * mapWidth / (float64(extent) * math.Pow(2, float64(z)))
}
