package mosaic

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/eugenever/tiler/internal/geotiff"
)

// writeAsset writes a single-band float raster with constant value over
// a given placement.
func writeAsset(t *testing.T, path string, w, h int, originX, originY float64, value float32) {
	t.Helper()
	nodata := MergeNoData
	cfg := geotiff.WriterConfig{
		Width: w, Height: h, Bands: 1,
		SampleFormat: geotiff.SampleFloat,
		TileSize:     64,
		Compression:  geotiff.CompressionDeflate,
		Ref: geotiff.GeoRef{
			EPSG:       3857,
			OriginX:    originX,
			OriginY:    originY,
			PixelSizeX: 1,
			PixelSizeY: 1,
		},
		NoData: &nodata,
	}
	pixels := make([]float32, w*h)
	for i := range pixels {
		pixels[i] = value
	}
	if err := geotiff.WriteTiled(path, cfg, geotiff.MemoryFloat32Source(pixels, cfg)); err != nil {
		t.Fatalf("WriteTiled %s: %v", path, err)
	}
}

func readAll(t *testing.T, path string) (*geotiff.Dataset, []float64) {
	t.Helper()
	d, err := geotiff.Open(path)
	if err != nil {
		t.Fatalf("Open %s: %v", path, err)
	}
	vals, err := d.ReadFloat(0, 0, d.Width(), d.Height(), d.Width(), d.Height(), geotiff.ResamplingNearest)
	if err != nil {
		t.Fatalf("ReadFloat %s: %v", path, err)
	}
	return d, vals
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
	}{
		{"first", First},
		{"FirstMethod", First},
		{"last", Last},
		{"min", Min},
		{"LowestMethod", Min},
		{"max", Max},
		{"HighestMethod", Max},
		{"mean", Mean},
		{"MeanMethod", Mean},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if err != nil {
			t.Errorf("ParseMethod(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMethod(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseMethod("median"); err == nil {
		t.Error("unknown method did not error")
	}
}

// Merging a single raster under any rule reproduces the input.
func TestMergeNeutrality(t *testing.T) {
	for _, method := range []Method{First, Last, Min, Max, Mean} {
		t.Run(method.String(), func(t *testing.T) {
			dir := t.TempDir()
			asset := filepath.Join(dir, "a_warp_tr_ov.tif")
			writeAsset(t, asset, 40, 30, 0, 30, 7)

			out, err := Merge([]string{asset}, Options{
				Mosaic:     "single",
				OutputDir:  dir,
				Method:     method,
				Resampling: geotiff.ResamplingNearest,
			})
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}

			d, vals := readAll(t, out)
			defer d.Close()
			if d.Width() != 40 || d.Height() != 30 {
				t.Fatalf("merged size = %dx%d, want 40x30", d.Width(), d.Height())
			}
			for i, v := range vals {
				if math.Abs(v-7) > 1e-6 {
					t.Fatalf("pixel %d = %v, want 7", i, v)
				}
			}
		})
	}
}

// Two overlapping rasters A (value 1) and B (value 2) under max: the
// overlap and B-only area read 2, the A-only area reads 1, everything
// else is nodata.
func TestMergeMaxOverlap(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a_warp_tr_ov.tif")
	b := filepath.Join(dir, "b_warp_tr_ov.tif")
	// A covers x [0,20), B covers x [10,30); both y [0,10).
	writeAsset(t, a, 20, 10, 0, 10, 1)
	writeAsset(t, b, 20, 10, 10, 10, 2)

	out, err := Merge([]string{a, b}, Options{
		Mosaic:     "pair",
		OutputDir:  dir,
		Method:     Max,
		Resampling: geotiff.ResamplingNearest,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	d, vals := readAll(t, out)
	defer d.Close()
	if d.Width() != 30 || d.Height() != 10 {
		t.Fatalf("merged size = %dx%d, want 30x10", d.Width(), d.Height())
	}
	for y := 0; y < 10; y++ {
		for x := 0; x < 30; x++ {
			v := vals[y*30+x]
			var want float64
			switch {
			case x < 10:
				want = 1
			default:
				want = 2
			}
			if math.Abs(v-want) > 1e-6 {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, v, want)
			}
		}
	}
}

func TestMergeFirstKeepsEarlierInput(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a_warp_tr_ov.tif")
	b := filepath.Join(dir, "b_warp_tr_ov.tif")
	writeAsset(t, a, 20, 10, 0, 10, 1)
	writeAsset(t, b, 20, 10, 10, 10, 2)

	out, err := Merge([]string{a, b}, Options{
		Mosaic:     "pair",
		OutputDir:  dir,
		Method:     First,
		Resampling: geotiff.ResamplingNearest,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	d, vals := readAll(t, out)
	defer d.Close()

	// Overlap x [10,20) keeps A's value.
	for _, x := range []int{10, 15, 19} {
		if vals[5*30+x] != 1 {
			t.Errorf("overlap pixel x=%d = %v, want 1 (first)", x, vals[5*30+x])
		}
	}
	for _, x := range []int{20, 29} {
		if vals[5*30+x] != 2 {
			t.Errorf("B-only pixel x=%d = %v, want 2", x, vals[5*30+x])
		}
	}
}

func TestMergeMeanAveragesOverlap(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a_warp_tr_ov.tif")
	b := filepath.Join(dir, "b_warp_tr_ov.tif")
	writeAsset(t, a, 20, 10, 0, 10, 1)
	writeAsset(t, b, 20, 10, 10, 10, 3)

	out, err := Merge([]string{a, b}, Options{
		Mosaic:     "pair",
		OutputDir:  dir,
		Method:     Mean,
		Resampling: geotiff.ResamplingNearest,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	d, vals := readAll(t, out)
	defer d.Close()

	if vals[5*30+5] != 1 {
		t.Errorf("A-only pixel = %v, want 1", vals[5*30+5])
	}
	if vals[5*30+15] != 2 {
		t.Errorf("overlap pixel = %v, want mean 2", vals[5*30+15])
	}
	if vals[5*30+25] != 3 {
		t.Errorf("B-only pixel = %v, want 3", vals[5*30+25])
	}

	// SUM and COUNT artifacts exist alongside the MEAN raster.
	for _, name := range []string{"pair_SUM.tif", "pair_COUNT.tif"} {
		d, err := geotiff.Open(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
			continue
		}
		d.Close()
	}
}

func TestMergeUncoveredIsNoData(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a_warp_tr_ov.tif")
	b := filepath.Join(dir, "b_warp_tr_ov.tif")
	// Disjoint placements leave a gap between x=10 and x=20.
	writeAsset(t, a, 10, 10, 0, 10, 1)
	writeAsset(t, b, 10, 10, 20, 10, 2)

	out, err := Merge([]string{a, b}, Options{
		Mosaic:     "gap",
		OutputDir:  dir,
		Method:     Last,
		Resampling: geotiff.ResamplingNearest,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	d, vals := readAll(t, out)
	defer d.Close()

	if vals[5*30+15] != MergeNoData {
		t.Errorf("gap pixel = %v, want nodata %v", vals[5*30+15], MergeNoData)
	}
}

func TestIsWarpedAsset(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"data/ds/a_warp_tr_ov.tif", true},
		{"data/ds/a_warp_tr_ov.tiff", true},
		{"data/ds/a.tif", false},
		{"data/ds/a_warp_tr_ov.ovr", false},
		{"data/ds/mosaic_MAX.tif", false},
		{"data/ds/mosaic_MEAN_warp_tr_ov.tif", false},
	}
	for _, tt := range tests {
		if got := IsWarpedAsset(tt.path); got != tt.want {
			t.Errorf("IsWarpedAsset(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
