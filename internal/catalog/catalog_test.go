package catalog

import (
	"encoding/json"
	"strings"
	"testing"
)

func validRaster() *DataSource {
	return &DataSource{
		ID:      "dem",
		Kind:    KindRaster,
		MinZoom: 0,
		MaxZoom: 14,
		Bounds:  []float64{5.9, 45.8, 10.5, 47.8},
		Center:  []float64{8.2, 46.8, 8},
		Store:   DataStore{Type: StoreInternal, File: "dem.tif"},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validRaster().Validate(); err != nil {
		t.Errorf("valid datasource rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DataSource)
		want   string
	}{
		{"missing id", func(d *DataSource) { d.ID = "" }, "id is required"},
		{"bad kind", func(d *DataSource) { d.Kind = "matrix" }, "unknown type"},
		{"bad store", func(d *DataSource) { d.Store.Type = "ftp" }, "unknown store type"},
		{"zoom too deep", func(d *DataSource) { d.MaxZoom = 22 }, "zoom range"},
		{"inverted zoom", func(d *DataSource) { d.MinZoom = 10; d.MaxZoom = 2 }, "zoom range"},
		{"center outside bounds", func(d *DataSource) { d.Center = []float64{30, 46.8} }, "outside bounds"},
		{"center zoom outside range", func(d *DataSource) { d.Center = []float64{8.2, 46.8, 19} }, "center zoom"},
		{"bounds arity", func(d *DataSource) { d.Bounds = []float64{1, 2, 3} }, "bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := validRaster()
			tt.mutate(ds)
			err := ds.Validate()
			if err == nil {
				t.Fatal("invalid datasource accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateVectorLayers(t *testing.T) {
	ds := &DataSource{
		ID:      "osm",
		Kind:    KindVector,
		MinZoom: 0,
		MaxZoom: 14,
		Store:   DataStore{Type: StoreInternal},
		Layers: []LayerSpec{
			{ID: "roads", Table: "public.roads", MinZoom: 5, MaxZoom: 14},
		},
	}
	if err := ds.Validate(); err != nil {
		t.Errorf("valid vector datasource rejected: %v", err)
	}

	ds.Layers[0].Table = ""
	if err := ds.Validate(); err == nil {
		t.Error("layer without table or queries accepted")
	}

	tiles := &DataSource{
		ID:      "ext",
		Kind:    KindVector,
		MinZoom: 0,
		MaxZoom: 14,
		Store:   DataStore{Type: StoreTiles},
	}
	if err := tiles.Validate(); err == nil {
		t.Error("tiles store without URL templates accepted")
	}
}

func TestVectorLayersConversion(t *testing.T) {
	ds := &DataSource{
		ID:   "osm",
		Kind: KindVector,
		Layers: []LayerSpec{
			{
				ID: "boundaries", Table: "public.boundaries", GeomField: "way",
				MinZoom: 0, MaxZoom: 14, Simplify: true,
				Filter: json.RawMessage(`["<=", "admin_level", 4]`),
				Fields: []string{"admin_level"},
			},
			{
				ID: "landuse", MinZoom: 0, MaxZoom: 14,
				Queries: []LayerQuery{{MinZoom: 0, MaxZoom: 8, SQL: "SELECT geom, tags FROM landuse"}},
			},
		},
	}
	layers := ds.VectorLayers()
	if len(layers) != 2 {
		t.Fatalf("converted %d layers, want 2", len(layers))
	}
	if layers[0].GeomField != "way" || !layers[0].Simplify {
		t.Errorf("layer 0 = %+v", layers[0])
	}
	if layers[0].Filter == nil {
		t.Error("filter dropped in conversion")
	}
	if len(layers[1].Queries) != 1 {
		t.Errorf("layer 1 queries = %+v", layers[1].Queries)
	}
}

func TestDataSourceJSONRoundTrip(t *testing.T) {
	ds := validRaster()
	raw, err := json.Marshal(ds)
	if err != nil {
		t.Fatal(err)
	}
	var back DataSource
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != ds.ID || back.Kind != ds.Kind || back.Store.Type != ds.Store.Type {
		t.Errorf("round trip = %+v", back)
	}
}
