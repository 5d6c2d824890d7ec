package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eugenever/tiler/internal/catalog"
	"github.com/eugenever/tiler/internal/config"
	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/pyramid"
	"github.com/eugenever/tiler/internal/tilestore"
	"github.com/eugenever/tiler/internal/vector"
)

// memCatalog is an in-memory CatalogStore for handler tests.
type memCatalog struct {
	sources map[string]*catalog.DataSource
}

func newMemCatalog(sources ...*catalog.DataSource) *memCatalog {
	m := &memCatalog{sources: make(map[string]*catalog.DataSource)}
	for _, ds := range sources {
		m.sources[ds.ID] = ds
	}
	return m
}

func (m *memCatalog) Get(_ context.Context, id string) (*catalog.DataSource, error) {
	return m.sources[id], nil
}

func (m *memCatalog) List(_ context.Context) ([]*catalog.DataSource, error) {
	var out []*catalog.DataSource
	for _, ds := range m.sources {
		out = append(out, ds)
	}
	return out, nil
}

func (m *memCatalog) Upsert(_ context.Context, ds *catalog.DataSource) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	m.sources[ds.ID] = ds
	return nil
}

func (m *memCatalog) Delete(_ context.Context, id string) error {
	delete(m.sources, id)
	return nil
}

func (m *memCatalog) DB() *sql.DB { return nil }

func newTestServer(t *testing.T, cat CatalogStore) *Server {
	t.Helper()
	dir := t.TempDir()
	reg, err := tilestore.OpenRegistry(filepath.Join(dir, "tiler.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	env := &config.Env{CheckKeysAfterDays: 1}
	app, _ := config.LoadApp(filepath.Join(dir, "missing.json"))

	s, err := New(cat, reg, env, app, filepath.Join(dir, "data"), filepath.Join(dir, "tiles"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func doRequest(s *Server, method, path string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newMemCatalog())
	rec := doRequest(s, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["worker_status"] != "running" {
		t.Errorf("health body = %v", body)
	}
}

func TestTileZoomOutOfRange(t *testing.T) {
	ds := &catalog.DataSource{
		ID: "dem", Kind: catalog.KindRaster, MinZoom: 4, MaxZoom: 10,
		Store: catalog.DataStore{Type: catalog.StoreInternal, File: "dem.tif"},
	}
	s := newTestServer(t, newMemCatalog(ds))

	rec := doRequest(s, http.MethodGet, "/api/tile/dem/2/0/0.png", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Zoom should be in range 4-10") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestTileUnknownDatasource(t *testing.T) {
	s := newTestServer(t, newMemCatalog())
	rec := doRequest(s, http.MethodGet, "/api/tile/nope/2/0/0.png", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// A vector tile below every layer's minzoom is an empty 204, without
// touching the database.
func TestVectorTileBelowLayerZoom(t *testing.T) {
	ds := &catalog.DataSource{
		ID: "osm", Kind: catalog.KindVector, MinZoom: 0, MaxZoom: 14,
		Store: catalog.DataStore{Type: catalog.StoreInternal},
		Layers: []catalog.LayerSpec{
			{ID: "roads", Table: "public.roads", MinZoom: 4, MaxZoom: 14},
		},
	}
	s := newTestServer(t, newMemCatalog(ds))
	// Force the builder present even though the DB is nil: tiles with no
	// active layers never reach it.
	s.mvt = vector.NewBuilder(nil)

	rec := doRequest(s, http.MethodGet, "/api/tile/osm/0/0/0.pbf", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body length = %d, want 0", rec.Body.Len())
	}
}

// A duplicate pyramid launch answers with the running job id.
func TestPyramidAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	ds := &catalog.DataSource{
		ID: "dem", Kind: catalog.KindRaster, MinZoom: 0, MaxZoom: 10,
		Store: catalog.DataStore{Type: catalog.StoreInternal, File: "dem.tif"},
	}
	s := newTestServer(t, newMemCatalog(ds))
	s.DataDir = dir

	// The dataset file must exist for validation to pass.
	input := filepath.Join(dir, "dem.tif")
	writeQuadRaster(t, input)

	// Simulate an in-flight job.
	jobID, existed, err := s.Registry.RegisterIfAbsent("job-X", "dem", input, "{}")
	if err != nil || existed {
		t.Fatalf("seed register = (%q, %v, %v)", jobID, existed, err)
	}

	rec := doRequest(s, http.MethodPost, "/api/pyramid", `{"datasource_id": "dem"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	var resp pyramidResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.AlreadyRunning || resp.PyramidID != "job-X" {
		t.Errorf("response = %+v, want already running job-X", resp)
	}
}

func TestPyramidValidation(t *testing.T) {
	s := newTestServer(t, newMemCatalog())
	rec := doRequest(s, http.MethodPost, "/api/pyramid",
		`{"datasource_id": "dem", "tile_size": 300, "zoom": [5]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Message string `json:"message"`
		Errors  []struct {
			Location string `json:"location"`
		} `json:"errors"`
	}
	// echo writes a non-string HTTPError message as the whole body.
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Message == "" {
		t.Fatalf("unexpected error shape: %s", rec.Body.String())
	}
	if len(body.Errors) < 2 {
		t.Errorf("validation errors = %+v, want tile_size and zoom entries", body.Errors)
	}
}

// writeQuadRaster writes the NW-quadrant float raster used by the
// serving tests.
func writeQuadRaster(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	nodata := encode.DefaultNoData
	cfg := geotiff.WriterConfig{
		Width: 64, Height: 64, Bands: 1,
		SampleFormat: geotiff.SampleFloat,
		TileSize:     64,
		Compression:  geotiff.CompressionDeflate,
		Ref: geotiff.GeoRef{
			EPSG:       3857,
			OriginX:    -grid.OriginShift,
			OriginY:    grid.OriginShift,
			PixelSizeX: grid.OriginShift / 64,
			PixelSizeY: grid.OriginShift / 64,
		},
		NoData: &nodata,
	}
	pixels := make([]float32, 64*64)
	for i := range pixels {
		pixels[i] = 55
	}
	if err := geotiff.WriteTiled(path, cfg, geotiff.MemoryFloat32Source(pixels, cfg)); err != nil {
		t.Fatal(err)
	}
}

// End to end: build a pyramid, then serve from the archive, generate a
// missing coordinate on demand, and answer 204 for empty space.
func TestServeRasterTile(t *testing.T) {
	ds := &catalog.DataSource{
		ID: "quad", Kind: catalog.KindRaster, MinZoom: 0, MaxZoom: 1,
		Store: catalog.DataStore{Type: catalog.StoreInternal, File: "quad.tif"},
	}
	s := newTestServer(t, newMemCatalog(ds))

	input := filepath.Join(s.DataDir, "quad.tif")
	writeQuadRaster(t, input)

	opt := pyramid.DefaultOptions("quad")
	opt.DataDir = s.DataDir
	opt.TilesDir = s.TilesDir
	opt.TileSize = 64
	opt.Workers = 2
	opt.Resampling = geotiff.ResamplingNearest
	opt.MinZoom = 0
	opt.MaxZoom = 1
	if _, _, err := pyramid.Build(context.Background(), input, opt); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Served straight from the archive.
	rec := doRequest(s, http.MethodGet, "/api/tile/quad/1/0/0.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("archive tile status = %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("archive tile empty body")
	}

	// A coordinate the pyramid never produced: generated on demand with
	// the neighbor list announced.
	rec = doRequest(s, http.MethodGet, "/api/tile/quad/1/1/1.png", "")
	switch rec.Code {
	case http.StatusOK:
		if rec.Header().Get("Nts") == "" {
			t.Error("rendered tile missing Nts header")
		}
	case http.StatusNoContent:
		// The SE quadrant holds no data; 204 is the correct answer.
	default:
		t.Fatalf("on-demand tile status = %d (%s)", rec.Code, rec.Body.String())
	}

	// Give detached neighbor warming a moment; it must not crash.
	time.Sleep(50 * time.Millisecond)
}

func TestDatasourceCRUD(t *testing.T) {
	s := newTestServer(t, newMemCatalog())

	body := `{"id": "dem", "type": "raster", "minzoom": 0, "maxzoom": 10,
		"data_store": {"type": "internal", "file": "dem.tif"}}`
	rec := doRequest(s, http.MethodPost, "/api/datasources", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodGet, "/api/datasources/dem", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/datasources", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"dem"`) {
		t.Fatalf("list status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodDelete, "/api/datasources?id=dem", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(s, http.MethodGet, "/api/datasources/dem", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", rec.Code)
	}

	// Invalid definitions are rejected with 400.
	rec = doRequest(s, http.MethodPost, "/api/datasources",
		`{"id": "bad", "type": "raster", "minzoom": 5, "maxzoom": 2,
		  "data_store": {"type": "internal"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid upsert status = %d", rec.Code)
	}
}

func TestNeighborAddresses(t *testing.T) {
	s := newTestServer(t, newMemCatalog())

	// A corner tile has only three in-range neighbors.
	nts := s.neighborAddresses(1, 0, 0)
	if strings.Count(nts, ",") != 2 {
		t.Errorf("corner neighbors = %q, want 3 entries", nts)
	}
	// An interior tile has all eight.
	nts = s.neighborAddresses(5, 10, 10)
	if strings.Count(nts, ",") != 7 {
		t.Errorf("interior neighbors = %q, want 8 entries", nts)
	}
}
