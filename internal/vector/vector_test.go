package vector

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLayerSelect(t *testing.T) {
	l := Layer{
		ID:        "roads",
		Table:     "public.roads",
		GeomField: "geom",
		Fields:    []string{"name", "class"},
	}
	q, err := l.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := `SELECT "geom", "name", "class" FROM public.roads`
	if q != want {
		t.Errorf("Select = %s, want %s", q, want)
	}
}

func TestLayerSelectWithFilter(t *testing.T) {
	l := Layer{
		ID:        "boundaries",
		Table:     "public.boundaries",
		GeomField: "geom",
		Fields:    []string{"admin_level"},
		Filter:    `["<=", "admin_level", 4]`,
	}
	q, err := l.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !strings.Contains(q, `WHERE ("admin_level" <= 4)`) {
		t.Errorf("Select = %s, want WHERE clause", q)
	}
}

func TestLayerSelectBadFilter(t *testing.T) {
	l := Layer{
		ID:     "bad",
		Table:  "t",
		Filter: `["frobnicate", "x", 1]`,
	}
	if _, err := l.Select(); err == nil {
		t.Error("unsupported filter operator did not error")
	}
}

func TestLayerQuerySQLStructure(t *testing.T) {
	b := NewBuilder(nil)
	l := Layer{
		ID:        "roads",
		Table:     "public.roads",
		GeomField: "geom",
		MinZoom:   0,
		MaxZoom:   20,
		Simplify:  true,
		Fields:    []string{"name"},
	}
	q, err := b.layerQuery(&l, 10, 5, 7)
	if err != nil {
		t.Fatalf("layerQuery: %v", err)
	}
	for _, frag := range []string{
		"WITH mvtgeom AS",
		"ST_AsMVTGeom(ST_SimplifyPreserveTopology",
		"ST_TileEnvelope(10, 5, 7)",
		`t."geom" IS NOT NULL`,
		`ST_AsMVT(mvtgeom.*, 'roads', 4096, 'geom')`,
	} {
		if !strings.Contains(q, frag) {
			t.Errorf("layer query missing %q:\n%s", frag, q)
		}
	}
}

func TestLayerQueryFromSQLZoomSubstitution(t *testing.T) {
	b := NewBuilder(nil)
	l := Layer{
		ID: "landuse",
		Queries: []ZoomQuery{
			{MinZoom: 0, MaxZoom: 8, SQL: "SELECT geom, tags FROM landuse_low WHERE z = $zoom"},
			{MinZoom: 9, MaxZoom: 20, SQL: "SELECT geom, tags FROM landuse_high;"},
		},
	}
	q := b.layerQueryFromSQL(&l, 5, 1, 2)
	if !strings.Contains(q, "z = 5") {
		t.Errorf("zoom not substituted: %s", q)
	}
	if strings.Contains(q, "landuse_high") {
		t.Errorf("out-of-range query included: %s", q)
	}
	// Semicolons are stripped so the sub-query embeds safely.
	q = b.layerQueryFromSQL(&l, 12, 1, 2)
	if strings.Contains(q, ";") {
		t.Errorf("semicolon survived: %s", q)
	}
}

func TestGenerateNoActiveLayers(t *testing.T) {
	b := NewBuilder(nil)
	layers := []Layer{{ID: "l", Table: "t", MinZoom: 4, MaxZoom: 10}}
	mvt, err := b.Generate(context.Background(), layers, 0, 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(mvt) != 0 {
		t.Errorf("tile below layer minzoom = %d bytes, want empty", len(mvt))
	}
}

func TestSimplifyTolerance(t *testing.T) {
	// Below zoom 12 the power-of-two formula applies.
	got := SimplifyTolerance(8, DefaultExtent)
	want := 2 * math.Pi * 6378137.0 / math.Pow(2, 16)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("tolerance(8) = %v, want %v", got, want)
	}

	// Above zoom 11 the extent-based formula with multiplier 1.
	got = SimplifyTolerance(12, DefaultExtent)
	want = 40075016.685578488 / (4096 * math.Pow(2, 12))
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("tolerance(12) = %v, want %v", got, want)
	}

	// Tolerance shrinks with zoom.
	if SimplifyTolerance(14, DefaultExtent) >= SimplifyTolerance(13, DefaultExtent) {
		t.Error("tolerance not monotonically decreasing")
	}
}

func TestExpandURL(t *testing.T) {
	got := expandURL("https://tiles.example.com/{z}/{x}/{y}.pbf?key={k}", 3, 2, 1, "abc")
	want := "https://tiles.example.com/3/2/1.pbf?key=abc"
	if got != want {
		t.Errorf("expandURL = %s, want %s", got, want)
	}
}

func TestUpstreamKeyRotation(t *testing.T) {
	var served []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		served = append(served, key)
		if key != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("tile-data"))
	}))
	defer srv.Close()

	pool := NewKeyPool([]string{"bad1", "bad2", "good"}, 1)
	up := NewUpstream(pool)

	body, err := up.Fetch(context.Background(), srv.URL+"/{z}/{x}/{y}.pbf?key={k}", 1, 2, 3)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "tile-data" {
		t.Errorf("body = %q", body)
	}
	if len(served) != 3 {
		t.Errorf("served %d requests, want 3 (two rejected keys)", len(served))
	}

	// Bad keys are parked: the next fetch goes straight to the good one.
	served = nil
	if _, err := up.Fetch(context.Background(), srv.URL+"/{z}/{x}/{y}.pbf?key={k}", 1, 2, 3); err != nil {
		t.Fatal(err)
	}
	if len(served) != 1 || served[0] != "good" {
		t.Errorf("second fetch served %v, want only the good key", served)
	}
}

func TestUpstreamNoKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("direct"))
	}))
	defer srv.Close()

	up := NewUpstream(nil)
	body, err := up.Fetch(context.Background(), srv.URL+"/{z}/{x}/{y}.pbf", 0, 0, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "direct" {
		t.Errorf("body = %q", body)
	}
}
