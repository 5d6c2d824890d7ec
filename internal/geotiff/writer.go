package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
)

const tagNewSubfileType = 254

// OverviewFactors returns the decimation factors 2..2^L with
// L = ceil(log2(max(width/tileSize, height/tileSize))), the sizes divided
// in integers; a raster less than twice the tile size on both sides gets
// no overview.
func OverviewFactors(width, height, tileSize int) []int {
	l := int(math.Ceil(math.Log2(math.Max(
		math.Max(float64(width/tileSize), float64(height/tileSize)), 1))))
	factors := make([]int, 0, l)
	for i := 1; i <= l; i++ {
		factors = append(factors, 1<<uint(i))
	}
	return factors
}

// WriterConfig describes the raster a Writer produces: an internally
// tiled GeoTIFF, band-interleaved for multi-band output, with optional
// reduced-resolution overview IFDs chained after the base image.
type WriterConfig struct {
	Width        int
	Height       int
	Bands        int
	SampleFormat uint16 // SampleUint (8-bit) or SampleFloat (float32)
	TileSize     int
	Compression  uint16 // CompressionPackBits, CompressionDeflate or CompressionNone
	BigTIFF      bool
	Ref          GeoRef
	NoData       *float64
	HasAlpha     bool  // mark the last band as an alpha channel
	Overviews    []int // decimation factors, e.g. 2, 4, 8
}

func (cfg *WriterConfig) bytesPerSample() int {
	if cfg.SampleFormat == SampleFloat {
		return 4
	}
	return 1
}

func (cfg *WriterConfig) levelDims(level int) (int, int) {
	if level == 0 {
		return cfg.Width, cfg.Height
	}
	f := cfg.Overviews[level-1]
	return (cfg.Width + f - 1) / f, (cfg.Height + f - 1) / f
}

// BlockSource supplies the raw samples of one tile-sized block: level 0
// is the base image, levels 1..len(Overviews) the reduced ones. Samples
// are row-major, one band per call, padded to TileSize x TileSize.
type BlockSource func(level, band, col, row int) ([]byte, error)

// WriteTiled streams a tiled GeoTIFF to path. Block data is written
// first, level by level and band by band; the IFD chain follows, so the
// whole file is produced in one pass over the source.
func WriteTiled(path string, cfg WriterConfig, src BlockSource) error {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.Bands <= 0 {
		cfg.Bands = 1
	}
	if cfg.Compression == 0 {
		cfg.Compression = CompressionPackBits
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	bo := binary.LittleEndian

	// Header with a first-IFD offset placeholder, patched at the end.
	var pos uint64
	if cfg.BigTIFF {
		header := make([]byte, 16)
		copy(header, "II")
		bo.PutUint16(header[2:4], 43)
		bo.PutUint16(header[4:6], 8)
		if _, err := f.Write(header); err != nil {
			return err
		}
		pos = 16
	} else {
		header := make([]byte, 8)
		copy(header, "II")
		bo.PutUint16(header[2:4], 42)
		if _, err := f.Write(header); err != nil {
			return err
		}
		pos = 8
	}

	levels := 1 + len(cfg.Overviews)
	type levelLayout struct {
		width, height  int
		across, down   int
		tileOffsets    []uint64
		tileByteCounts []uint64
	}
	layouts := make([]levelLayout, levels)

	ts := cfg.TileSize
	for level := 0; level < levels; level++ {
		lw, lh := cfg.levelDims(level)
		across := (lw + ts - 1) / ts
		down := (lh + ts - 1) / ts
		n := across * down * cfg.Bands
		layouts[level] = levelLayout{
			width: lw, height: lh, across: across, down: down,
			tileOffsets:    make([]uint64, n),
			tileByteCounts: make([]uint64, n),
		}

		for band := 0; band < cfg.Bands; band++ {
			for row := 0; row < down; row++ {
				for col := 0; col < across; col++ {
					samples, err := src(level, band, col, row)
					if err != nil {
						return fmt.Errorf("reading block l%d b%d (%d,%d): %w", level, band, col, row, err)
					}
					compressed, err := compressBlock(samples, cfg.Compression)
					if err != nil {
						return err
					}
					idx := band*across*down + row*across + col
					layouts[level].tileOffsets[idx] = pos
					layouts[level].tileByteCounts[idx] = uint64(len(compressed))
					if _, err := f.Write(compressed); err != nil {
						return err
					}
					pos += uint64(len(compressed))
				}
			}
		}
	}

	// Word-align the IFD chain.
	if pos%2 == 1 {
		if _, err := f.Write([]byte{0}); err != nil {
			return err
		}
		pos++
	}

	firstIFD := pos
	for level := 0; level < levels; level++ {
		lay := &layouts[level]
		entries := buildWriterEntries(&cfg, level, lay.width, lay.height, lay.tileOffsets, lay.tileByteCounts, bo)
		buf, size := serializeIFD(entries, pos, cfg.BigTIFF, bo, level < levels-1)
		if _, err := f.Write(buf); err != nil {
			return err
		}
		pos += size
	}

	// Patch the first IFD offset in the header.
	if cfg.BigTIFF {
		var b [8]byte
		bo.PutUint64(b[:], firstIFD)
		if _, err := f.WriteAt(b[:], 8); err != nil {
			return err
		}
	} else {
		if firstIFD > math.MaxUint32 {
			return fmt.Errorf("%s: file exceeds 4 GiB, BigTIFF required", path)
		}
		var b [4]byte
		bo.PutUint32(b[:], uint32(firstIFD))
		if _, err := f.WriteAt(b[:], 4); err != nil {
			return err
		}
	}

	return f.Sync()
}

func compressBlock(samples []byte, compression uint16) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return samples, nil
	case CompressionPackBits:
		return compressPackBits(samples), nil
	case CompressionDeflate:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(samples); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("writer: unsupported compression %d", compression)
	}
}

// writerEntry is a tag prepared for serialization.
type writerEntry struct {
	tag      uint16
	dataType uint16
	count    uint64
	payload  []byte
}

func buildWriterEntries(cfg *WriterConfig, level, width, height int, offsets, counts []uint64, bo binary.ByteOrder) []writerEntry {
	var entries []writerEntry
	add := func(tag, dt uint16, count uint64, payload []byte) {
		entries = append(entries, writerEntry{tag, dt, count, payload})
	}
	shortVal := func(v uint16) []byte {
		b := make([]byte, 2)
		bo.PutUint16(b, v)
		return b
	}
	longVal := func(v uint32) []byte {
		b := make([]byte, 4)
		bo.PutUint32(b, v)
		return b
	}
	shorts := func(vs []uint16) []byte {
		b := make([]byte, 2*len(vs))
		for i, v := range vs {
			bo.PutUint16(b[i*2:], v)
		}
		return b
	}
	doubles := func(vs []float64) []byte {
		b := make([]byte, 8*len(vs))
		for i, v := range vs {
			bo.PutUint64(b[i*8:], math.Float64bits(v))
		}
		return b
	}

	if level > 0 {
		add(tagNewSubfileType, dtLong, 1, longVal(1))
	}
	add(tagImageWidth, dtLong, 1, longVal(uint32(width)))
	add(tagImageLength, dtLong, 1, longVal(uint32(height)))

	bits := make([]uint16, cfg.Bands)
	formats := make([]uint16, cfg.Bands)
	for i := range bits {
		bits[i] = uint16(cfg.bytesPerSample() * 8)
		formats[i] = cfg.SampleFormat
	}
	add(tagBitsPerSample, dtShort, uint64(cfg.Bands), shorts(bits))
	add(tagCompression, dtShort, 1, shortVal(cfg.Compression))

	photometric := uint16(1) // BlackIsZero
	if cfg.Bands >= 3 {
		photometric = 2 // RGB
	}
	add(tagPhotometric, dtShort, 1, shortVal(photometric))
	add(tagSamplesPerPixel, dtShort, 1, shortVal(uint16(cfg.Bands)))

	planar := uint16(1)
	if cfg.Bands > 1 {
		planar = 2
	}
	add(tagPlanarConfig, dtShort, 1, shortVal(planar))
	add(tagTileWidth, dtLong, 1, longVal(uint32(cfg.TileSize)))
	add(tagTileLength, dtLong, 1, longVal(uint32(cfg.TileSize)))

	if cfg.BigTIFF {
		b := make([]byte, 8*len(offsets))
		for i, v := range offsets {
			bo.PutUint64(b[i*8:], v)
		}
		add(tagTileOffsets, dtLong8, uint64(len(offsets)), b)
		c := make([]byte, 8*len(counts))
		for i, v := range counts {
			bo.PutUint64(c[i*8:], v)
		}
		add(tagTileByteCounts, dtLong8, uint64(len(counts)), c)
	} else {
		b := make([]byte, 4*len(offsets))
		for i, v := range offsets {
			bo.PutUint32(b[i*4:], uint32(v))
		}
		add(tagTileOffsets, dtLong, uint64(len(offsets)), b)
		c := make([]byte, 4*len(counts))
		for i, v := range counts {
			bo.PutUint32(c[i*4:], uint32(v))
		}
		add(tagTileByteCounts, dtLong, uint64(len(counts)), c)
	}

	if cfg.HasAlpha {
		add(tagExtraSamples, dtShort, 1, shortVal(2)) // unassociated alpha
	}
	add(tagSampleFormat, dtShort, uint64(cfg.Bands), shorts(formats))

	// Georeference only on the base image.
	if level == 0 && cfg.Ref.Valid() {
		add(tagModelPixelScaleTag, dtDouble, 3, doubles([]float64{cfg.Ref.PixelSizeX, cfg.Ref.PixelSizeY, 0}))
		add(tagModelTiepointTag, dtDouble, 6, doubles([]float64{0, 0, 0, cfg.Ref.OriginX, cfg.Ref.OriginY, 0}))
		if cfg.Ref.EPSG != 0 {
			keys := geoKeyDirectory(cfg.Ref.EPSG)
			add(tagGeoKeyDirectoryTag, dtShort, uint64(len(keys)), shorts(keys))
		}
	}
	if level == 0 && cfg.NoData != nil {
		s := strconv.FormatFloat(*cfg.NoData, 'g', -1, 64)
		payload := append([]byte(s), 0)
		add(tagGDALNoData, dtASCII, uint64(len(payload)), payload)
	}

	return entries
}

// geoKeyDirectory builds a minimal GeoKey directory declaring the model
// type and coordinate system of the raster.
func geoKeyDirectory(epsg int) []uint16 {
	geographic := epsg == 4326
	if geographic {
		return []uint16{
			1, 1, 0, 3,
			gkModelTypeGeoKey, 0, 1, 2, // geographic
			gkRasterTypeGeoKey, 0, 1, 1, // pixel-is-area
			gkGeographicTypeGeoKey, 0, 1, uint16(epsg),
		}
	}
	return []uint16{
		1, 1, 0, 3,
		gkModelTypeGeoKey, 0, 1, 1, // projected
		gkRasterTypeGeoKey, 0, 1, 1,
		gkProjectedCSTypeGeoKey, 0, 1, uint16(epsg),
	}
}

// serializeIFD lays out one IFD at the given absolute offset: the entry
// table, the next-IFD pointer, then the external payloads that did not
// fit inline. Returns the serialized bytes and their size.
func serializeIFD(entries []writerEntry, base uint64, bigTIFF bool, bo binary.ByteOrder, hasNext bool) ([]byte, uint64) {
	entrySize := 12
	countSize := 2
	ptrSize := 4
	inline := 4
	if bigTIFF {
		entrySize = 20
		countSize = 8
		ptrSize = 8
		inline = 8
	}

	tableSize := uint64(countSize + len(entries)*entrySize + ptrSize)

	// Assign external offsets after the table.
	extOffset := base + tableSize
	type placed struct {
		entry  writerEntry
		offset uint64 // zero when inline
	}
	placedEntries := make([]placed, len(entries))
	var extSize uint64
	for i, e := range entries {
		p := placed{entry: e}
		if len(e.payload) > inline {
			if extOffset%2 == 1 {
				extOffset++
				extSize++
			}
			p.offset = extOffset
			extOffset += uint64(len(e.payload))
			extSize += uint64(len(e.payload))
		}
		placedEntries[i] = p
	}

	total := tableSize + extSize
	buf := make([]byte, total)

	// Entry count.
	if bigTIFF {
		bo.PutUint64(buf[0:8], uint64(len(entries)))
	} else {
		bo.PutUint16(buf[0:2], uint16(len(entries)))
	}

	for i, p := range placedEntries {
		off := countSize + i*entrySize
		bo.PutUint16(buf[off:], p.entry.tag)
		bo.PutUint16(buf[off+2:], p.entry.dataType)
		if bigTIFF {
			bo.PutUint64(buf[off+4:], p.entry.count)
			if p.offset != 0 {
				bo.PutUint64(buf[off+12:], p.offset)
			} else {
				copy(buf[off+12:off+20], p.entry.payload)
			}
		} else {
			bo.PutUint32(buf[off+4:], uint32(p.entry.count))
			if p.offset != 0 {
				bo.PutUint32(buf[off+8:], uint32(p.offset))
			} else {
				copy(buf[off+8:off+12], p.entry.payload)
			}
		}
	}

	// Next-IFD pointer: the following IFD starts right after this one.
	ptrOff := countSize + len(entries)*entrySize
	if hasNext {
		next := base + total
		if bigTIFF {
			bo.PutUint64(buf[ptrOff:], next)
		} else {
			bo.PutUint32(buf[ptrOff:], uint32(next))
		}
	}

	// External payloads.
	for _, p := range placedEntries {
		if p.offset != 0 {
			copy(buf[p.offset-base:], p.entry.payload)
		}
	}

	return buf, total
}

// MemoryFloat32Source adapts an in-memory float32 raster to a
// BlockSource, averaging the f x f source block behind each overview
// pixel (f the level's decimation factor) and propagating the nodata
// sentinel.
func MemoryFloat32Source(pixels []float32, cfg WriterConfig) BlockSource {
	ts := cfg.TileSize
	bo := binary.LittleEndian

	sampleAt := func(level, x, y int) float32 {
		if level == 0 {
			return pixels[y*cfg.Width+x]
		}
		f := cfg.Overviews[level-1]
		x0, y0 := x*f, y*f
		var sum float64
		var n int
		var nd float64
		hasND := cfg.NoData != nil
		if hasND {
			nd = *cfg.NoData
		}
		for dy := 0; dy < f; dy++ {
			for dx := 0; dx < f; dx++ {
				sx, sy := x0+dx, y0+dy
				if sx >= cfg.Width || sy >= cfg.Height {
					continue
				}
				v := float64(pixels[sy*cfg.Width+sx])
				if hasND && v == nd {
					continue
				}
				if math.IsNaN(v) {
					continue
				}
				sum += v
				n++
			}
		}
		if n == 0 {
			if hasND {
				return float32(nd)
			}
			return float32(math.NaN())
		}
		return float32(sum / float64(n))
	}

	return func(level, band, col, row int) ([]byte, error) {
		lw, lh := cfg.levelDims(level)
		out := make([]byte, ts*ts*4)
		fill := float32(math.NaN())
		if cfg.NoData != nil {
			fill = float32(*cfg.NoData)
		}
		for y := 0; y < ts; y++ {
			for x := 0; x < ts; x++ {
				sx := col*ts + x
				sy := row*ts + y
				v := fill
				if sx < lw && sy < lh {
					v = sampleAt(level, sx, sy)
				}
				bo.PutUint32(out[(y*ts+x)*4:], math.Float32bits(v))
			}
		}
		return out, nil
	}
}
