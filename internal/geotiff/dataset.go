package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
)

// Dataset provides windowed access to a GeoTIFF raster. The file is
// memory-mapped, so concurrent reads need no locking; the optional block
// cache is the only shared mutable state and is safe for concurrent use.
type Dataset struct {
	data   []byte
	bo     binary.ByteOrder
	ifds   []IFD
	ref    GeoRef
	path   string
	nodata *float64
	cache  *BlockCache

	strip *stripLayout // non-nil when the base level is strip-organized
}

// stripLayout keeps the original strip layout of a non-tiled TIFF so that
// virtual tiles can be assembled from several strips at read time.
type stripLayout struct {
	offsets       []uint64
	byteCounts    []uint64
	rowsPerStrip  uint32
	stripsPerTile int
}

// Open memory-maps a GeoTIFF and parses its directory structure. Strip
// TIFFs are promoted to a virtual tile layout; a world-file sidecar is
// consulted when GeoTIFF tags are missing.
func Open(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}

	data, err := mmapFile(f.Fd(), int(fi.Size()))
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	ifds, bo, err := parseTIFF(bytes.NewReader(data))
	if err != nil {
		munmapFile(data)
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(ifds) == 0 {
		munmapFile(data)
		return nil, fmt.Errorf("%s: no IFDs found", path)
	}

	first := &ifds[0]

	var sl *stripLayout
	if first.TileWidth == 0 || first.TileHeight == 0 {
		if len(first.StripOffsets) > 0 {
			sl = promoteStripsToTiles(first)
		} else {
			munmapFile(data)
			return nil, fmt.Errorf("%s: no tile or strip layout found", path)
		}
	}

	switch first.Compression {
	case CompressionNone, CompressionLZW, CompressionDeflate, CompressionPackBits, compressionDeflateOld:
	default:
		munmapFile(data)
		return nil, fmt.Errorf("%s: unsupported compression type %d", path, first.Compression)
	}

	ref := parseGeoRef(first)
	if !ref.Valid() {
		if wfPath := findWorldFile(path); wfPath != "" {
			wf, err := parseWorldFile(wfPath)
			if err != nil {
				munmapFile(data)
				return nil, err
			}
			ref = wf.toGeoRef()
		}
	}
	if ref.EPSG == 0 && ref.Valid() {
		ref.EPSG = inferEPSG(ref, first.Width, first.Height)
	}

	d := &Dataset{data: data, bo: bo, ifds: ifds, ref: ref, path: path, strip: sl}
	if v, ok := parseNoData(first.NoDataASCII); ok {
		d.nodata = &v
	}
	return d, nil
}

// promoteStripsToTiles converts a strip IFD into a virtual tile layout.
// Small strips are grouped so a virtual tile spans at least 256 rows.
func promoteStripsToTiles(ifd *IFD) *stripLayout {
	rps := ifd.RowsPerStrip
	if rps == 0 {
		rps = ifd.Height
	}

	const minTileHeight = 256
	stripsPerTile := 1
	if rps < minTileHeight {
		stripsPerTile = int((minTileHeight + rps - 1) / rps)
	}
	virtualTileH := rps * uint32(stripsPerTile)

	totalStrips := len(ifd.StripOffsets)
	numVirtual := (totalStrips + stripsPerTile - 1) / stripsPerTile

	offsets := make([]uint64, numVirtual)
	counts := make([]uint64, numVirtual)
	for i := 0; i < numVirtual; i++ {
		start := i * stripsPerTile
		offsets[i] = ifd.StripOffsets[start]
		end := start + stripsPerTile
		if end > totalStrips {
			end = totalStrips
		}
		var total uint64
		for s := start; s < end; s++ {
			total += ifd.StripByteCounts[s]
		}
		counts[i] = total
	}

	sl := &stripLayout{
		offsets:       ifd.StripOffsets,
		byteCounts:    ifd.StripByteCounts,
		rowsPerStrip:  rps,
		stripsPerTile: stripsPerTile,
	}

	ifd.TileWidth = ifd.Width
	ifd.TileHeight = virtualTileH
	ifd.TileOffsets = offsets
	ifd.TileByteCounts = counts
	return sl
}

// Close unmaps the file.
func (d *Dataset) Close() error {
	if d.data != nil {
		err := munmapFile(d.data)
		d.data = nil
		return err
	}
	return nil
}

// SetBlockCache attaches a decoded-block cache. Workers attach their own
// partition so the process-wide budget stays divided between them.
func (d *Dataset) SetBlockCache(c *BlockCache) { d.cache = c }

// Path returns the file path.
func (d *Dataset) Path() string { return d.path }

// Width returns the full-resolution raster width in pixels.
func (d *Dataset) Width() int { return int(d.ifds[0].Width) }

// Height returns the full-resolution raster height in pixels.
func (d *Dataset) Height() int { return int(d.ifds[0].Height) }

// BandCount returns the number of stored bands including alpha.
func (d *Dataset) BandCount() int { return int(d.ifds[0].SamplesPerPixel) }

// HasAlphaBand reports whether the last band is an alpha channel.
func (d *Dataset) HasAlphaBand() bool {
	ifd := &d.ifds[0]
	if len(ifd.ExtraSamples) > 0 {
		for _, es := range ifd.ExtraSamples {
			if es == 1 || es == 2 {
				return true
			}
		}
	}
	// 2- and 4-band uint rasters conventionally carry gray+alpha / RGBA.
	if ifd.SampleFormat == SampleUint && (ifd.SamplesPerPixel == 2 || ifd.SamplesPerPixel == 4) {
		return true
	}
	return false
}

// DataBandCount returns the number of bands excluding alpha.
func (d *Dataset) DataBandCount() int {
	if d.HasAlphaBand() {
		return d.BandCount() - 1
	}
	return d.BandCount()
}

// IsFloat reports whether samples are floating point.
func (d *Dataset) IsFloat() bool { return d.ifds[0].SampleFormat == SampleFloat }

// NoData returns the nodata sentinel and whether one is declared.
func (d *Dataset) NoData() (float64, bool) {
	if d.nodata == nil {
		return 0, false
	}
	return *d.nodata, true
}

// SetNoData overrides the nodata sentinel (options may force one).
func (d *Dataset) SetNoData(v float64) { d.nodata = &v }

// GeoRef returns the georeference.
func (d *Dataset) GeoRef() GeoRef { return d.ref }

// EPSG returns the detected coordinate system, zero when unknown.
func (d *Dataset) EPSG() int { return d.ref.EPSG }

// OverviewCount returns the number of reduced-resolution levels.
func (d *Dataset) OverviewCount() int { return len(d.ifds) - 1 }

// levelFor returns the coarsest IFD level whose decimation factor does not
// exceed the requested one.
func (d *Dataset) levelFor(decim float64) int {
	best := 0
	for i := 1; i < len(d.ifds); i++ {
		factor := float64(d.ifds[0].Width) / float64(d.ifds[i].Width)
		if factor <= decim+1e-9 {
			best = i
		} else {
			break
		}
	}
	return best
}

// blockBytes reads and decompresses the raw bytes of one block.
func (d *Dataset) blockBytes(level, band, col, row int) ([]byte, error) {
	if level < 0 || level >= len(d.ifds) {
		return nil, fmt.Errorf("invalid IFD level %d (have %d)", level, len(d.ifds))
	}
	ifd := &d.ifds[level]

	across := ifd.TilesAcross()
	down := ifd.TilesDown()
	if col < 0 || col >= across || row < 0 || row >= down {
		return nil, fmt.Errorf("block (%d,%d) out of range (%dx%d)", col, row, across, down)
	}

	idx := row*across + col
	if ifd.PlanarConfig == 2 {
		idx += band * across * down
	}

	if d.strip != nil && level == 0 {
		return d.stripBlockBytes(ifd, row)
	}

	if idx >= len(ifd.TileOffsets) || idx >= len(ifd.TileByteCounts) {
		return nil, fmt.Errorf("block index %d out of range", idx)
	}
	offset := ifd.TileOffsets[idx]
	size := ifd.TileByteCounts[idx]
	if size == 0 {
		return nil, nil // sparse block
	}
	end := offset + size
	if end > uint64(len(d.data)) {
		return nil, fmt.Errorf("block data [%d:%d] exceeds file size %d", offset, end, len(d.data))
	}

	decompressed, err := decompressBlock(d.data[offset:end], ifd.Compression)
	if err != nil {
		return nil, err
	}
	if ifd.Predictor == 2 {
		samples := int(ifd.SamplesPerPixel)
		if ifd.PlanarConfig == 2 {
			samples = 1
		}
		undoHorizontalDifferencing(decompressed, int(ifd.TileWidth), samples*ifd.BytesPerSample())
	}
	return decompressed, nil
}

// stripBlockBytes concatenates the strips composing one virtual tile row.
func (d *Dataset) stripBlockBytes(ifd *IFD, tileRow int) ([]byte, error) {
	sl := d.strip
	start := tileRow * sl.stripsPerTile
	end := start + sl.stripsPerTile
	if end > len(sl.offsets) {
		end = len(sl.offsets)
	}

	var combined []byte
	for s := start; s < end; s++ {
		offset := sl.offsets[s]
		size := sl.byteCounts[s]
		if size == 0 {
			continue
		}
		to := offset + size
		if to > uint64(len(d.data)) {
			return nil, fmt.Errorf("strip %d data [%d:%d] exceeds file size %d", s, offset, to, len(d.data))
		}
		dec, err := decompressBlock(d.data[offset:to], ifd.Compression)
		if err != nil {
			return nil, fmt.Errorf("strip %d: %w", s, err)
		}
		combined = append(combined, dec...)
	}
	if len(combined) == 0 {
		return nil, nil
	}
	if ifd.Predictor == 2 {
		undoHorizontalDifferencing(combined, int(ifd.Width), int(ifd.SamplesPerPixel)*ifd.BytesPerSample())
	}
	return combined, nil
}

func decompressBlock(data []byte, compression uint16) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionLZW:
		return decompressLZW(data)
	case CompressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate block: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionPackBits:
		return decompressPackBits(data)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", compression)
	}
}

// undoHorizontalDifferencing reverses TIFF predictor 2 in place.
func undoHorizontalDifferencing(data []byte, width, bytesPerPixel int) {
	rowBytes := width * bytesPerPixel
	for off := 0; off+rowBytes <= len(data); off += rowBytes {
		row := data[off : off+rowBytes]
		for x := bytesPerPixel; x < rowBytes; x++ {
			row[x] += row[x-bytesPerPixel]
		}
	}
}

// cachedBlock returns the decoded bytes of a block, consulting the cache.
func (d *Dataset) cachedBlock(level, band, col, row int) ([]byte, error) {
	if d.cache != nil {
		if b, ok := d.cache.Get(d.path, level, band, col, row); ok {
			return b, nil
		}
	}
	b, err := d.blockBytes(level, band, col, row)
	if err != nil {
		return nil, err
	}
	if d.cache != nil && b != nil {
		d.cache.Put(d.path, level, band, col, row, b)
	}
	return b, nil
}

// sampleAt reads one sample as float64 from the decoded block bytes.
func (ifd *IFD) sampleAt(block []byte, bo binary.ByteOrder, x, y, band int) float64 {
	samples := int(ifd.SamplesPerPixel)
	if ifd.PlanarConfig == 2 {
		samples = 1
		band = 0
	}
	bps := ifd.BytesPerSample()
	idx := (y*int(ifd.TileWidth)+x)*samples + band
	off := idx * bps
	if off+bps > len(block) {
		return 0
	}
	switch {
	case ifd.SampleFormat == SampleFloat && bps == 4:
		return float64(math.Float32frombits(bo.Uint32(block[off : off+4])))
	case ifd.SampleFormat == SampleFloat && bps == 8:
		return math.Float64frombits(bo.Uint64(block[off : off+8]))
	case ifd.SampleFormat == SampleInt && bps == 2:
		return float64(int16(bo.Uint16(block[off : off+2])))
	case ifd.SampleFormat == SampleInt && bps == 4:
		return float64(int32(bo.Uint32(block[off : off+4])))
	case bps == 2:
		return float64(bo.Uint16(block[off : off+2]))
	case bps == 4:
		return float64(bo.Uint32(block[off : off+4]))
	default:
		return float64(block[off])
	}
}

// clipWindow clips a read window to the raster, returning the clipped
// window or an error when nothing remains.
func clipWindow(rx, ry, rw, rh, width, height int) (int, int, int, int, error) {
	if rx < 0 {
		rw += rx
		rx = 0
	}
	if ry < 0 {
		rh += ry
		ry = 0
	}
	if rx+rw > width {
		rw = width - rx
	}
	if ry+rh > height {
		rh = height - ry
	}
	if rw <= 0 || rh <= 0 {
		return 0, 0, 0, 0, ErrWindowOutsideRaster
	}
	return rx, ry, rw, rh, nil
}

// ReadRGBA reads a source window and returns it resampled to outW x outH.
// Gray, gray+alpha, RGB and RGBA band layouts are normalized to NRGBA;
// rasters without an alpha band become fully opaque except where the
// nodata sentinel matches every data band.
func (d *Dataset) ReadRGBA(rx, ry, rw, rh, outW, outH int, method Resampling) (*image.NRGBA, error) {
	rx, ry, rw, rh, err := clipWindow(rx, ry, rw, rh, d.Width(), d.Height())
	if err != nil {
		return nil, err
	}

	decim := math.Min(float64(rw)/float64(outW), float64(rh)/float64(outH))
	if decim < 1 {
		decim = 1
	}
	level := d.levelFor(decim)
	factor := float64(d.ifds[0].Width) / float64(d.ifds[level].Width)

	lrx := int(float64(rx) / factor)
	lry := int(float64(ry) / factor)
	lrw := int(math.Max(1, math.Round(float64(rw)/factor)))
	lrh := int(math.Max(1, math.Round(float64(rh)/factor)))

	ifd := &d.ifds[level]
	if lrx+lrw > int(ifd.Width) {
		lrw = int(ifd.Width) - lrx
	}
	if lry+lrh > int(ifd.Height) {
		lrh = int(ifd.Height) - lry
	}
	if lrw <= 0 || lrh <= 0 {
		return nil, ErrWindowOutsideRaster
	}

	img := image.NewNRGBA(image.Rect(0, 0, lrw, lrh))
	bands := int(ifd.SamplesPerPixel)
	hasAlpha := d.HasAlphaBand()
	nodata, hasNodata := d.NoData()

	tw := int(ifd.TileWidth)
	th := int(ifd.TileHeight)

	colStart := lrx / tw
	colEnd := (lrx + lrw - 1) / tw
	rowStart := lry / th
	rowEnd := (lry + lrh - 1) / th

	planar := ifd.PlanarConfig == 2

	for brow := rowStart; brow <= rowEnd; brow++ {
		for bcol := colStart; bcol <= colEnd; bcol++ {
			var blocks [][]byte
			if planar {
				blocks = make([][]byte, bands)
				for b := 0; b < bands; b++ {
					blk, err := d.cachedBlock(level, b, bcol, brow)
					if err != nil {
						return nil, err
					}
					blocks[b] = blk
				}
			} else {
				blk, err := d.cachedBlock(level, 0, bcol, brow)
				if err != nil {
					return nil, err
				}
				blocks = [][]byte{blk}
			}

			x0 := maxInt(lrx, bcol*tw)
			x1 := minInt(lrx+lrw, (bcol+1)*tw)
			y0 := maxInt(lry, brow*th)
			y1 := minInt(lry+lrh, (brow+1)*th)

			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					px := x - bcol*tw
					py := y - brow*th
					var vals [4]float64
					for b := 0; b < bands && b < 4; b++ {
						blk := blocks[0]
						if planar {
							blk = blocks[b]
						}
						if blk == nil {
							continue
						}
						vals[b] = ifd.sampleAt(blk, d.bo, px, py, b)
					}
					r8, g8, b8, a8 := bandsToRGBA(vals, bands, hasAlpha, nodata, hasNodata, ifd)
					off := img.PixOffset(x-lrx, y-lry)
					img.Pix[off+0] = r8
					img.Pix[off+1] = g8
					img.Pix[off+2] = b8
					img.Pix[off+3] = a8
				}
			}
		}
	}

	return resizeNRGBA(img, outW, outH, method), nil
}

// bandsToRGBA maps raw band values onto an 8-bit RGBA pixel.
func bandsToRGBA(vals [4]float64, bands int, hasAlpha bool, nodata float64, hasNodata bool, ifd *IFD) (r, g, b, a uint8) {
	scale := 1.0
	if len(ifd.BitsPerSample) > 0 && ifd.BitsPerSample[0] == 16 && ifd.SampleFormat == SampleUint {
		scale = 1.0 / 257.0
	}
	to8 := func(v float64) uint8 {
		v *= scale
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return uint8(v)
	}

	switch {
	case bands == 1:
		v := to8(vals[0])
		r, g, b = v, v, v
		a = 255
		if hasNodata && vals[0] == nodata {
			a = 0
		}
	case bands == 2 && hasAlpha:
		v := to8(vals[0])
		r, g, b = v, v, v
		a = to8(vals[1])
	case bands == 3:
		r, g, b = to8(vals[0]), to8(vals[1]), to8(vals[2])
		a = 255
		if hasNodata && vals[0] == nodata && vals[1] == nodata && vals[2] == nodata {
			a = 0
		}
	default:
		r, g, b = to8(vals[0]), to8(vals[1]), to8(vals[2])
		if hasAlpha {
			a = to8(vals[3])
		} else {
			a = 255
		}
	}
	return
}

// ReadFloat reads a single-band float window resampled to outW x outH.
// The window is first clipped to the raster and the clipped part is
// resampled to the full output size; a window with no overlap returns
// ErrWindowOutsideRaster. Sparse blocks are filled with the nodata
// sentinel (or NaN when none is declared).
func (d *Dataset) ReadFloat(rx, ry, rw, rh, outW, outH int, method Resampling) ([]float64, error) {
	fill := math.NaN()
	if nd, ok := d.NoData(); ok {
		fill = nd
	}

	crx, cry, crw, crh, err := clipWindow(rx, ry, rw, rh, d.Width(), d.Height())
	if err != nil {
		return nil, err
	}

	decim := math.Min(float64(crw)/float64(outW), float64(crh)/float64(outH))
	if decim < 1 {
		decim = 1
	}
	level := d.levelFor(decim)
	factor := float64(d.ifds[0].Width) / float64(d.ifds[level].Width)

	lrx := int(float64(crx) / factor)
	lry := int(float64(cry) / factor)
	lrw := int(math.Max(1, math.Round(float64(crw)/factor)))
	lrh := int(math.Max(1, math.Round(float64(crh)/factor)))

	ifd := &d.ifds[level]
	if lrx+lrw > int(ifd.Width) {
		lrw = int(ifd.Width) - lrx
	}
	if lry+lrh > int(ifd.Height) {
		lrh = int(ifd.Height) - lry
	}
	if lrw <= 0 || lrh <= 0 {
		return nil, ErrWindowOutsideRaster
	}

	win := make([]float64, lrw*lrh)
	for i := range win {
		win[i] = fill
	}

	tw := int(ifd.TileWidth)
	th := int(ifd.TileHeight)
	colStart := lrx / tw
	colEnd := (lrx + lrw - 1) / tw
	rowStart := lry / th
	rowEnd := (lry + lrh - 1) / th

	for brow := rowStart; brow <= rowEnd; brow++ {
		for bcol := colStart; bcol <= colEnd; bcol++ {
			blk, err := d.cachedBlock(level, 0, bcol, brow)
			if err != nil {
				return nil, err
			}
			if blk == nil {
				continue
			}
			x0 := maxInt(lrx, bcol*tw)
			x1 := minInt(lrx+lrw, (bcol+1)*tw)
			y0 := maxInt(lry, brow*th)
			y1 := minInt(lry+lrh, (brow+1)*th)
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					win[(y-lry)*lrw+(x-lrx)] = ifd.sampleAt(blk, d.bo, x-bcol*tw, y-brow*th, 0)
				}
			}
		}
	}

	return resizeFloat(win, lrw, lrh, outW, outH, method, fill), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
