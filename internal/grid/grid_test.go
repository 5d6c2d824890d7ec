package grid

import (
	"math"
	"testing"
)

func TestMercatorResolution(t *testing.T) {
	m := NewMercator(256)
	if got := m.Resolution(0); math.Abs(got-156543.03392804062) > 1e-6 {
		t.Errorf("Resolution(0) = %v, want 156543.03392804062", got)
	}
	if got := m.Resolution(1); math.Abs(got-156543.03392804062/2) > 1e-6 {
		t.Errorf("Resolution(1) = %v, want half of zoom 0", got)
	}
	// Doubling the tile size halves the resolution.
	m512 := NewMercator(512)
	if got := m512.Resolution(0); math.Abs(got-156543.03392804062/2) > 1e-6 {
		t.Errorf("512px Resolution(0) = %v, want 78271.52", got)
	}
}

func TestMercatorLatLonMetersRoundTrip(t *testing.T) {
	m := NewMercator(256)
	tests := []struct {
		name     string
		lat, lon float64
	}{
		{"origin", 0, 0},
		{"zurich", 47.3769, 8.5417},
		{"nyc", 40.7128, -74.0060},
		{"south", -33.8688, 151.2093},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mx, my := m.LatLonToMeters(tt.lat, tt.lon)
			lat, lon := m.MetersToLatLon(mx, my)
			if math.Abs(lat-tt.lat) > 1e-9 || math.Abs(lon-tt.lon) > 1e-9 {
				t.Errorf("round trip = (%v, %v), want (%v, %v)", lat, lon, tt.lat, tt.lon)
			}
		})
	}
}

func TestMercatorMetersToLatLonClamped(t *testing.T) {
	m := NewMercator(256)
	lat, _ := m.MetersToLatLon(0, OriginShift*1.5)
	if lat > MercatorLatLimit {
		t.Errorf("lat = %v, want clamped to %v", lat, MercatorLatLimit)
	}
}

func TestMercatorMetersToTile(t *testing.T) {
	m := NewMercator(256)
	tests := []struct {
		name   string
		mx, my float64
		zoom   int
		wantX  int
		wantY  int
	}{
		{"world z0", 0, 0, 0, 0, 0},
		{"ne quadrant z1", 1, 1, 1, 1, 1},
		{"sw quadrant z1", -1, -1, 1, 0, 0},
		{"west edge z1", -OriginShift + 1, 1, 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := m.MetersToTile(tt.mx, tt.my, tt.zoom)
			if x != tt.wantX || y != tt.wantY {
				t.Errorf("MetersToTile(%v, %v, %d) = (%d, %d), want (%d, %d)",
					tt.mx, tt.my, tt.zoom, x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestMercatorTileBounds(t *testing.T) {
	m := NewMercator(256)
	b := m.TileBounds(0, 0, 0)
	if math.Abs(b.MinX+OriginShift) > 1e-6 || math.Abs(b.MaxX-OriginShift) > 1e-6 {
		t.Errorf("z0 tile x bounds = [%v, %v], want [-%v, %v]", b.MinX, b.MaxX, OriginShift, OriginShift)
	}
	// Adjacent tiles share an edge exactly.
	b0 := m.TileBounds(0, 0, 2)
	b1 := m.TileBounds(1, 0, 2)
	if math.Abs(b0.MaxX-b1.MinX) > 1e-9 {
		t.Errorf("adjacent tile edges: %v vs %v", b0.MaxX, b1.MinX)
	}
}

func TestMercatorZoomForPixelSize(t *testing.T) {
	m := NewMercator(256)
	tests := []struct {
		px   float64
		want int
	}{
		{200000, 0},
		{156543.03392804062, 0},
		{100000, 0},
		{70000, 1},
		{1000, 7},
		{10, 13},
		{0.1, 20},
	}
	for _, tt := range tests {
		if got := m.ZoomForPixelSize(tt.px); got != tt.want {
			t.Errorf("ZoomForPixelSize(%v) = %d, want %d", tt.px, got, tt.want)
		}
	}
	// The returned zoom never has a finer resolution than the pixel size.
	for _, px := range []float64{500, 35, 2.5, 0.33} {
		z := m.ZoomForPixelSize(px)
		if m.Resolution(z) < px {
			t.Errorf("Resolution(%d) = %v finer than pixel size %v", z, m.Resolution(z), px)
		}
	}
}

func TestMercatorRangeForExtentSmall(t *testing.T) {
	m := NewMercator(256)
	e := Extent{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1}

	r0 := m.RangeForExtent(e, 0)
	if r0 != (TileRange{0, 0, 0, 0}) {
		t.Errorf("z0 range = %+v, want single tile", r0)
	}
	r1 := m.RangeForExtent(e, 1)
	if r1 != (TileRange{0, 0, 1, 1}) {
		t.Errorf("z1 range = %+v, want all four tiles", r1)
	}
	if r1.Count() != 4 {
		t.Errorf("z1 count = %d, want 4", r1.Count())
	}
}

func TestMercatorRangeForExtentClipped(t *testing.T) {
	m := NewMercator(256)
	// Envelope pushed past the world edge must clip to valid tiles.
	e := Extent{MinX: -OriginShift * 2, MinY: -OriginShift * 2, MaxX: OriginShift * 2, MaxY: OriginShift * 2}
	r := m.RangeForExtent(e, 3)
	if r.TMinX != 0 || r.TMinY != 0 || r.TMaxX != 7 || r.TMaxY != 7 {
		t.Errorf("clipped range = %+v, want full 8x8 grid", r)
	}
}

func TestFlipY(t *testing.T) {
	tests := []struct {
		z, y, want int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{1, 1, 0},
		{5, 0, 31},
		{5, 31, 0},
		{10, 300, 723},
	}
	for _, tt := range tests {
		if got := FlipY(tt.z, tt.y); got != tt.want {
			t.Errorf("FlipY(%d, %d) = %d, want %d", tt.z, tt.y, got, tt.want)
		}
		// Round trip is the identity.
		if got := FlipY(tt.z, FlipY(tt.z, tt.y)); got != tt.y {
			t.Errorf("FlipY round trip for (%d, %d) = %d", tt.z, tt.y, got)
		}
	}
}

func TestGeodeticTileBounds(t *testing.T) {
	g := NewGeodetic(true, 256)
	b := g.TileBounds(0, 0, 0)
	if math.Abs(b.MinX+180) > 1e-9 || math.Abs(b.MinY+90) > 1e-9 {
		t.Errorf("z0 tile (0,0) min = (%v, %v), want (-180, -90)", b.MinX, b.MinY)
	}
	b1 := g.TileBounds(1, 0, 0)
	if math.Abs(b1.MaxX-180) > 1e-9 {
		t.Errorf("z0 tile (1,0) maxLon = %v, want 180", b1.MaxX)
	}
}

func TestGeodeticRangeForExtent(t *testing.T) {
	g := NewGeodetic(true, 256)
	world := Extent{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	r := g.RangeForExtent(world, 0)
	if r.TMinX != 0 || r.TMaxX != 1 || r.TMinY != 0 || r.TMaxY != 0 {
		t.Errorf("z0 world range = %+v, want 2x1", r)
	}
	r2 := g.RangeForExtent(world, 2)
	if r2.TMaxX != 7 || r2.TMaxY != 3 {
		t.Errorf("z2 world range = %+v, want 8x4", r2)
	}
}

func TestRasterGridNativeZoom(t *testing.T) {
	tests := []struct {
		xsize, ysize int
		want         int
	}{
		{256, 256, 0},
		{257, 256, 1},
		{512, 512, 1},
		{1024, 300, 2},
		{5000, 5000, 5},
		{100, 100, 0},
	}
	for _, tt := range tests {
		g := NewRasterGrid(tt.xsize, tt.ysize, 256)
		if got := g.NativeZoom(); got != tt.want {
			t.Errorf("NativeZoom(%dx%d) = %d, want %d", tt.xsize, tt.ysize, got, tt.want)
		}
	}
}

func TestRasterGridRangeForZoom(t *testing.T) {
	g := NewRasterGrid(1000, 600, 256)
	if g.NativeZoom() != 2 {
		t.Fatalf("NativeZoom = %d, want 2", g.NativeZoom())
	}
	r := g.RangeForZoom(2)
	if r.TMaxX != 3 || r.TMaxY != 2 {
		t.Errorf("native range = %+v, want 4x3 tiles", r)
	}
	r0 := g.RangeForZoom(0)
	if r0.TMaxX != 0 || r0.TMaxY != 0 {
		t.Errorf("z0 range = %+v, want single tile", r0)
	}
}

func TestExtentIntersects(t *testing.T) {
	a := Extent{0, 0, 10, 10}
	if !a.Intersects(Extent{5, 5, 15, 15}) {
		t.Error("overlapping extents reported disjoint")
	}
	if a.Intersects(Extent{11, 11, 20, 20}) {
		t.Error("disjoint extents reported overlapping")
	}
	if !a.Intersects(Extent{10, 10, 20, 20}) {
		t.Error("edge-touching extents reported disjoint")
	}
}
