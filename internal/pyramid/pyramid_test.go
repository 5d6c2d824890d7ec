package pyramid

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/tilestore"
)

// writeFloatInput writes a float32 test raster.
func writeFloatInput(t *testing.T, path string, w, h int, originX, originY, pixel float64, fill func(x, y int) float32) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	nodata := encode.DefaultNoData
	cfg := geotiff.WriterConfig{
		Width: w, Height: h, Bands: 1,
		SampleFormat: geotiff.SampleFloat,
		TileSize:     64,
		Compression:  geotiff.CompressionDeflate,
		Ref: geotiff.GeoRef{
			EPSG:       3857,
			OriginX:    originX,
			OriginY:    originY,
			PixelSizeX: pixel,
			PixelSizeY: pixel,
		},
		NoData: &nodata,
	}
	pixels := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels[y*w+x] = fill(x, y)
		}
	}
	if err := geotiff.WriteTiled(path, cfg, geotiff.MemoryFloat32Source(pixels, cfg)); err != nil {
		t.Fatalf("WriteTiled: %v", err)
	}
}

func testOptions(t *testing.T, ds string) Options {
	t.Helper()
	dir := t.TempDir()
	opt := DefaultOptions(ds)
	opt.DataDir = filepath.Join(dir, "data")
	opt.TilesDir = filepath.Join(dir, "tiles")
	opt.TileSize = 64
	opt.Workers = 2
	opt.Resampling = geotiff.ResamplingNearest
	return opt
}

// A raster with bounds (-1,-1,1,1) meters over zoom 0..1 plans exactly
// the root tile and the four zoom-1 tiles, in meta-block order.
func TestPlannerSmallExtentOrder(t *testing.T) {
	opt := testOptions(t, "s1")
	input := filepath.Join(opt.DataDir, "s1", "tiny.tif")
	writeFloatInput(t, input, 2, 2, -1, 1, 1, func(x, y int) float32 { return 1 })

	d, err := geotiff.Open(input)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	opt.MinZoom = 0
	opt.MaxZoom = 1
	job, err := Plan(d, input, opt)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	all := job.AllDetails()
	if len(all) != 5 {
		t.Fatalf("planned %d tiles, want 5", len(all))
	}
	type addr struct{ z, x, y int }
	var got []addr
	for _, det := range all {
		got = append(got, addr{det.Tz, det.Tx, det.OutY(true)})
	}
	want := []addr{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {1, 1, 1}}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("detail %d = %+v, want %+v (all: %+v)", i, got[i], want[i], got)
		}
	}

	// Planner invariant: every emitted address is in range and its
	// envelope intersects the source envelope.
	m := grid.NewMercator(opt.TileSize)
	for _, det := range all {
		n := 1 << uint(det.Tz)
		if det.Tx < 0 || det.Tx >= n || det.Ty < 0 || det.Ty >= n {
			t.Errorf("detail %+v out of range at z%d", det, det.Tz)
		}
		if !m.TileBounds(det.Tx, det.Ty, det.Tz).Intersects(job.Extent) {
			t.Errorf("detail %+v does not intersect the raster", det)
		}
	}
}

func TestGeoQueryClipping(t *testing.T) {
	// A unit-pixel raster 100x100 at origin (0, 100).
	gt := [6]float64{0, 1, 0, 100, 0, -1}

	// Fully inside.
	rb, wb := geoQuery(gt, 100, 100, 10, 90, 20, 80, 40)
	if rb != [4]int{10, 10, 10, 10} {
		t.Errorf("inside read window = %v", rb)
	}
	if wb != [4]int{0, 0, 40, 40} {
		t.Errorf("inside write window = %v", wb)
	}

	// Extending past the left edge shifts the write window.
	rb, wb = geoQuery(gt, 100, 100, -10, 90, 10, 70, 40)
	if rb[0] != 0 {
		t.Errorf("clipped read x = %d, want 0", rb[0])
	}
	if wb[0] != 20 {
		t.Errorf("write shift = %d, want 20", wb[0])
	}

	// Fully outside produces an empty window.
	rb, _ = geoQuery(gt, 100, 100, 200, 90, 220, 70, 40)
	if rb[2] > 0 {
		t.Errorf("outside read width = %d, want <= 0", rb[2])
	}
}

// quadrantInput writes a raster covering the north-west quadrant tile
// at zoom 1 into the options' data folder and returns its path.
func quadrantInput(t *testing.T, opt *Options, value float32) string {
	input := filepath.Join(opt.DataDir, opt.DatasourceID, "quad.tif")
	pixel := grid.OriginShift / 64
	writeFloatInput(t, input, 64, 64, -grid.OriginShift, grid.OriginShift, pixel,
		func(x, y int) float32 { return value })
	return input
}

func TestBuildArchivePyramid(t *testing.T) {
	opt := testOptions(t, "quad")
	opt.MinZoom = 0
	opt.MaxZoom = 1
	input := quadrantInput(t, &opt, 100)

	job, stats, err := Build(context.Background(), input, opt)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stats.Failed != 0 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v, want no failures", stats)
	}
	if stats.Generated < 2 {
		t.Fatalf("generated %d tiles, want >= 2", stats.Generated)
	}

	archive, err := tilestore.OpenArchive(opt.DefaultArchivePath())
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer archive.Close()

	// The root tile and the NW quadrant tile (XYZ 1/0/0) exist.
	for _, a := range []struct{ z, x, y int }{{0, 0, 0}, {1, 0, 0}} {
		data, err := archive.Get(a.z, a.x, a.y)
		if err != nil {
			t.Fatalf("Get %v: %v", a, err)
		}
		if data == nil {
			t.Fatalf("tile %d/%d/%d missing from archive", a.z, a.x, a.y)
		}
	}
	// The empty south-east quadrant was never persisted.
	if data, _ := archive.Get(1, 1, 1); data != nil {
		t.Error("all-nodata tile 1/1/1 present in archive")
	}

	// The encoded tile decodes back to the raster value.
	data, _ := archive.Get(1, 0, 0)
	img, err := encode.DecodeImage(data, "png")
	if err != nil {
		t.Fatalf("decoding tile: %v", err)
	}
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		b := img.Bounds()
		nrgba = image.NewNRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				nrgba.Set(x, y, img.At(x, y))
			}
		}
	}
	codec := encode.NewFloatRGBA(encode.DefaultNoData, 0)
	off := nrgba.PixOffset(32, 32)
	v, okPix := codec.DecodePixel(nrgba.Pix[off], nrgba.Pix[off+1], nrgba.Pix[off+2], nrgba.Pix[off+3])
	if !okPix {
		t.Fatal("center pixel decoded as nodata")
	}
	if math.Abs(v-100) > 100*math.Pow(2, -22) {
		t.Errorf("center pixel decodes to %v, want 100", v)
	}

	// Sidecar carries the persisted plan.
	sc, err := OpenSidecar(opt.SidecarPath())
	if err != nil {
		t.Fatalf("OpenSidecar: %v", err)
	}
	defer sc.Close()
	row, err := sc.LoadJob()
	if err != nil || row == nil {
		t.Fatalf("LoadJob: %v %v", row, err)
	}
	if !row.EncodeToRGBA || row.TileSize != 64 || row.Profile != "mercator" {
		t.Errorf("job row = %+v", row)
	}
	tminz, tmaxz, err := sc.ZoomRange()
	if err != nil || tminz != job.TMinZ || tmaxz != job.TMaxZ {
		t.Errorf("zoom range = (%d,%d), want (%d,%d)", tminz, tmaxz, job.TMinZ, job.TMaxZ)
	}

	// The planned boundary tile below the raster rendered empty and was
	// recorded for the serving path.
	empty, err := sc.IsEmpty(1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Error("tile 1/0/1 not recorded as empty")
	}
}

func TestBuildFileSinkPyramid(t *testing.T) {
	opt := testOptions(t, "quadfs")
	opt.MinZoom = 1
	opt.MaxZoom = 1
	opt.Archive = false
	input := quadrantInput(t, &opt, 42)

	_, stats, err := Build(context.Background(), input, opt)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stats.Generated < 1 {
		t.Fatalf("generated %d tiles, want >= 1", stats.Generated)
	}

	fs, err := tilestore.NewFileSink(opt.TilesFolder(), "png")
	if err != nil {
		t.Fatal(err)
	}
	data, err := fs.Get(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Error("tile 1/0/0 missing from file sink")
	}
}

func TestBuildReusesPreprocessedRaster(t *testing.T) {
	opt := testOptions(t, "reuse")
	opt.MinZoom = 1
	opt.MaxZoom = 1
	input := quadrantInput(t, &opt, 7)

	prepared1, err := Preprocess(input, opt)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	prepared2, err := Preprocess(input, opt)
	if err != nil {
		t.Fatalf("second Preprocess: %v", err)
	}
	if prepared1 != prepared2 {
		t.Errorf("preprocess paths differ: %q vs %q", prepared1, prepared2)
	}
}

func TestRenderDetailEmpty(t *testing.T) {
	opt := testOptions(t, "empty")
	input := filepath.Join(opt.DataDir, "empty", "nd.tif")
	writeFloatInput(t, input, 64, 64, -grid.OriginShift, grid.OriginShift, grid.OriginShift/64,
		func(x, y int) float32 { return float32(encode.DefaultNoData) })

	d, err := geotiff.Open(input)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	enc, _ := encode.NewEncoder("png", 0)
	nd := encode.DefaultNoData
	spec := RenderSpec{
		TileSize:     64,
		Resampling:   geotiff.ResamplingNearest,
		EncodeToRGBA: true,
		NoData:       &nd,
		Encoder:      enc,
	}
	det := DetailForTile(d, ProfileMercator, false, 64, 64, 1, 0, 1)
	if _, err := RenderDetail(d, spec, det); err != ErrEmptyTile {
		t.Errorf("all-nodata tile error = %v, want ErrEmptyTile", err)
	}
}

func TestDetailForTileMatchesPlanner(t *testing.T) {
	opt := testOptions(t, "match")
	opt.MinZoom = 1
	opt.MaxZoom = 1
	input := quadrantInput(t, &opt, 3)

	d, err := geotiff.Open(input)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	job, err := Plan(d, input, opt)
	if err != nil {
		t.Fatal(err)
	}
	for _, det := range job.Details[1] {
		adhoc := DetailForTile(d, ProfileMercator, false, job.TileSize, job.QuerySize, det.Tz, det.Tx, det.Ty)
		if adhoc != det {
			t.Errorf("ad hoc detail %+v differs from planned %+v", adhoc, det)
		}
	}
}
