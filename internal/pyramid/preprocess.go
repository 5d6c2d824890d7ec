package pyramid

import (
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/eugenever/tiler/internal/encode"
	"github.com/eugenever/tiler/internal/geotiff"
)

// bigTIFFThreshold is 4 GiB minus headroom; inputs past it (or inputs
// that already are BigTIFF) translate into BigTIFF output.
const bigTIFFThreshold = 4*1024*1024*1024 - 300*1024*1024

// rasterView is the read surface the translate step consumes: either
// the opened dataset itself or its virtual warped view.
type rasterView interface {
	Width() int
	Height() int
	GeoRef() geotiff.GeoRef
	ReadRGBA(rx, ry, rw, rh, outW, outH int, m geotiff.Resampling) (*image.NRGBA, error)
	ReadFloat(rx, ry, rw, rh, outW, outH int, m geotiff.Resampling) ([]float64, error)
}

// Preprocess turns a raw input raster into the tiling-ready artifact:
// reprojected when needed, internally tiled at the tile size, with
// overview levels down to the single-tile depth and a uniform band
// shape (scalar float band, or RGBA with a synthesized alpha mask).
// The artifact is reused when it already exists on disk.
func Preprocess(inputFile string, opt Options) (string, error) {
	folder := opt.OutputFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", folder, err)
	}

	ext := filepath.Ext(inputFile)
	stem := strings.TrimSuffix(filepath.Base(inputFile), ext)

	src, err := geotiff.Open(inputFile)
	if err != nil {
		return "", fmt.Errorf("opening input %q: %w", inputFile, err)
	}
	defer src.Close()
	if src.BandCount() == 0 {
		return "", fmt.Errorf("input %q has no raster band", inputFile)
	}

	targetEPSG := 0
	switch opt.Profile {
	case ProfileMercator:
		targetEPSG = 3857
	case ProfileGeodetic:
		targetEPSG = 4326
	}

	needWarp := false
	if opt.Profile != ProfileRaster {
		if !src.GeoRef().Valid() {
			return "", fmt.Errorf("input %q has no georeference", inputFile)
		}
		if src.EPSG() == 0 {
			return "", fmt.Errorf("input %q has unknown SRS", inputFile)
		}
		needWarp = opt.Warp || src.EPSG() != targetEPSG
	}

	name := stem + "_TR_OV" + ext
	if needWarp {
		name = stem + "_WARP_TR_OV" + ext
	}
	output := filepath.Join(folder, name)
	if err := preprocessInto(src, inputFile, output, needWarp, targetEPSG, opt); err != nil {
		return "", err
	}
	return output, nil
}

// PreprocessAsset prepares one mosaic asset: always warped to the
// Web-Mercator merge grid and translated into the lowercase
// <stem>_warp_tr_ov artifact the merge step and the serving path look
// for.
func PreprocessAsset(inputFile string, opt Options) (string, error) {
	folder := opt.OutputFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", folder, err)
	}

	ext := filepath.Ext(inputFile)
	stem := strings.TrimSuffix(filepath.Base(inputFile), ext)
	output := filepath.Join(folder, stem+"_warp_tr_ov"+ext)

	src, err := geotiff.Open(inputFile)
	if err != nil {
		return "", fmt.Errorf("opening asset %q: %w", inputFile, err)
	}
	defer src.Close()
	if !src.GeoRef().Valid() || src.EPSG() == 0 {
		return "", fmt.Errorf("asset %q has unknown SRS", inputFile)
	}

	needWarp := src.EPSG() != 3857
	if err := preprocessInto(src, inputFile, output, needWarp, 3857, opt); err != nil {
		return "", err
	}
	return output, nil
}

// preprocessInto runs the warp and translate steps for an already
// opened source, reusing an existing artifact when present.
func preprocessInto(src *geotiff.Dataset, inputFile, output string, needWarp bool, targetEPSG int, opt Options) error {
	// An existing artifact means a previous run already preprocessed
	// this input; reuse it as-is.
	if fi, err := os.Stat(output); err == nil && fi.Size() > 0 {
		if opt.Verbose {
			log.Printf("Reusing preprocessed raster %q", output)
		}
		return nil
	}

	var view rasterView = src
	if needWarp {
		log.Printf("Warping %q to EPSG:%d", inputFile, targetEPSG)
		warped, err := geotiff.Warp(src, targetEPSG, opt.WarpResampling)
		if err != nil {
			return fmt.Errorf("warping %q: %w", inputFile, err)
		}
		view = warped
	}

	if err := translate(view, src, output, opt); err != nil {
		// Partial intermediates stay on disk for diagnosis.
		return fmt.Errorf("translating %q: %w", inputFile, err)
	}
	log.Printf("Preprocessed %q -> %q", inputFile, output)
	return nil
}

// translate writes the internally tiled artifact with embedded overview
// levels. Scalar inputs keep one float band; image inputs become RGBA
// with the mask folded into the alpha band.
func translate(view rasterView, src *geotiff.Dataset, output string, opt Options) error {
	w := view.Width()
	h := view.Height()
	ts := opt.TileSize

	bigTIFF := false
	if fi, err := os.Stat(src.Path()); err == nil && fi.Size() > bigTIFFThreshold {
		bigTIFF = true
	}
	if f, err := os.Open(src.Path()); err == nil {
		// Magic 43 in either byte order marks a BigTIFF header.
		var hdr [4]byte
		if _, err := f.ReadAt(hdr[:], 0); err == nil && (hdr[2] == 43 || hdr[3] == 43) {
			bigTIFF = true
		}
		f.Close()
	}
	compression := geotiff.CompressionPackBits
	if bigTIFF {
		compression = geotiff.CompressionDeflate
	}

	var nodata *float64
	if opt.NoData != nil {
		nodata = opt.NoData
	} else if v, ok := src.NoData(); ok {
		nodata = &v
	}

	cfg := geotiff.WriterConfig{
		Width:       w,
		Height:      h,
		TileSize:    ts,
		Compression: compression,
		BigTIFF:     bigTIFF,
		Ref:         view.GeoRef(),
		NoData:      nodata,
		Overviews:   geotiff.OverviewFactors(w, h, ts),
	}

	if src.IsFloat() {
		cfg.Bands = 1
		cfg.SampleFormat = geotiff.SampleFloat
		if cfg.NoData == nil {
			// The RGBA encoding needs a sentinel to mask against.
			nd := encode.DefaultNoData
			cfg.NoData = &nd
		}
		return geotiff.WriteTiled(output, cfg, floatBlockSource(view, cfg))
	}

	cfg.Bands = 4
	cfg.SampleFormat = geotiff.SampleUint
	cfg.HasAlpha = true
	return geotiff.WriteTiled(output, cfg, rgbaBlockSource(view, cfg))
}

// floatBlockSource reads tile-sized windows of the scalar band, nearest
// for the base level and averaged for overview levels.
func floatBlockSource(view rasterView, cfg geotiff.WriterConfig) geotiff.BlockSource {
	ts := cfg.TileSize
	fill := math.NaN()
	if cfg.NoData != nil {
		fill = *cfg.NoData
	}

	return func(level, band, col, row int) ([]byte, error) {
		factor := 1
		if level > 0 {
			factor = cfg.Overviews[level-1]
		}
		lw := (cfg.Width + factor - 1) / factor
		lh := (cfg.Height + factor - 1) / factor

		lx0 := col * ts
		ly0 := row * ts
		outW := minInt(ts, lw-lx0)
		outH := minInt(ts, lh-ly0)

		method := geotiff.ResamplingNearest
		if level > 0 {
			method = geotiff.ResamplingAverage
		}

		buf := make([]byte, ts*ts*4)
		for i := 0; i < ts*ts; i++ {
			putFloat32(buf, i, float32(fill))
		}
		if outW <= 0 || outH <= 0 {
			return buf, nil
		}

		sx := lx0 * factor
		sy := ly0 * factor
		sw := minInt(ts*factor, cfg.Width-sx)
		sh := minInt(ts*factor, cfg.Height-sy)

		vals, err := view.ReadFloat(sx, sy, sw, sh, outW, outH, method)
		if err != nil {
			return nil, err
		}
		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				putFloat32(buf, y*ts+x, float32(vals[y*outW+x]))
			}
		}
		return buf, nil
	}
}

// rgbaBlockSource reads RGBA windows and hands the writer one band at a
// time; the most recent window is kept so the four band passes of a
// block cost one read.
func rgbaBlockSource(view rasterView, cfg geotiff.WriterConfig) geotiff.BlockSource {
	ts := cfg.TileSize
	type key struct{ level, col, row int }
	var lastKey key
	var lastImg *image.NRGBA

	return func(level, band, col, row int) ([]byte, error) {
		factor := 1
		if level > 0 {
			factor = cfg.Overviews[level-1]
		}
		lw := (cfg.Width + factor - 1) / factor
		lh := (cfg.Height + factor - 1) / factor

		lx0 := col * ts
		ly0 := row * ts
		outW := minInt(ts, lw-lx0)
		outH := minInt(ts, lh-ly0)

		buf := make([]byte, ts*ts)
		if outW <= 0 || outH <= 0 {
			return buf, nil
		}

		k := key{level, col, row}
		img := lastImg
		if img == nil || lastKey != k {
			method := geotiff.ResamplingNearest
			if level > 0 {
				method = geotiff.ResamplingAverage
			}
			sx := lx0 * factor
			sy := ly0 * factor
			sw := minInt(ts*factor, cfg.Width-sx)
			sh := minInt(ts*factor, cfg.Height-sy)

			var err error
			img, err = view.ReadRGBA(sx, sy, sw, sh, outW, outH, method)
			if err != nil {
				return nil, err
			}
			lastKey = k
			lastImg = img
		}

		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				buf[y*ts+x] = img.Pix[img.PixOffset(x, y)+band]
			}
		}
		return buf, nil
	}
}

func putFloat32(buf []byte, idx int, v float32) {
	bits := math.Float32bits(v)
	buf[idx*4+0] = byte(bits)
	buf[idx*4+1] = byte(bits >> 8)
	buf[idx*4+2] = byte(bits >> 16)
	buf[idx*4+3] = byte(bits >> 24)
}

// CleanupProcessingFiles removes the warp/translate/overview artifacts
// of a job; called after tile generation when the options ask for it.
func CleanupProcessingFiles(opt Options, inputFile string) {
	ext := filepath.Ext(inputFile)
	stem := strings.TrimSuffix(filepath.Base(inputFile), ext)
	folder := opt.OutputFolder()
	for _, name := range []string{
		stem + "_TR_OV" + ext,
		stem + "_WARP_TR_OV" + ext,
		stem + "_WARP" + ext,
		stem + ".vrt",
	} {
		path := filepath.Join(folder, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Cleanup %q: %v", path, err)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
