package pyramid

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/eugenever/tiler/internal/grid"
	"github.com/eugenever/tiler/internal/tilestore"
)

// Sidecar is the per-dataset database holding the tile job parameters,
// per-zoom ranges, tile details and known-empty tiles. The serving path
// reads it to render single tiles with the same windows the batch run
// used; its modification time doubles as the cache-invalidation signal.
type Sidecar struct {
	db   *sql.DB
	path string
}

const sidecarSchema = `
CREATE TABLE IF NOT EXISTS tiles_detail (
	tz integer NOT NULL,
	tx integer NOT NULL,
	ty integer NOT NULL,
	rx integer,
	ry integer,
	rxsize integer,
	rysize integer,
	wx integer,
	wy integer,
	wxsize integer,
	wysize integer,
	querysize integer,
	PRIMARY KEY(tz, tx, ty)
);
CREATE TABLE IF NOT EXISTS tile_job (
	data_bands_count integer NOT NULL,
	nodata real,
	src_file text NOT NULL,
	tile_extension text NOT NULL,
	tile_size integer NOT NULL,
	tile_driver text NOT NULL,
	profile text NOT NULL,
	querysize integer NOT NULL,
	xyz integer NOT NULL,
	in_file text NOT NULL,
	input_file text NOT NULL,
	encode_to_rgba integer,
	has_alpha_band integer,
	pixel_selection_method text,
	resampling_method text,
	merge integer
);
CREATE TABLE IF NOT EXISTS tminmax (
	id integer PRIMARY KEY AUTOINCREMENT,
	tz integer NOT NULL,
	tminx integer NOT NULL,
	tmaxx integer NOT NULL,
	tminy integer NOT NULL,
	tmaxy integer NOT NULL,
	asset text
);
CREATE TABLE IF NOT EXISTS tminz_tmaxz (
	id integer PRIMARY KEY AUTOINCREMENT,
	tminz integer NOT NULL,
	tmaxz integer NOT NULL,
	asset text
);
CREATE TABLE IF NOT EXISTS empty_tiles (
	id integer PRIMARY KEY AUTOINCREMENT,
	x integer NOT NULL,
	y integer NOT NULL,
	z integer NOT NULL,
	UNIQUE(x, y, z)
);
CREATE TABLE IF NOT EXISTS assets (
	id integer PRIMARY KEY AUTOINCREMENT,
	asset text
);
`

// CreateSidecar removes any stale sidecar and creates a fresh one.
func CreateSidecar(path string) (*Sidecar, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale sidecar %s: %w", path, err)
	}
	return OpenSidecar(path)
}

// OpenSidecar opens (creating if needed) a sidecar database.
func OpenSidecar(path string) (*Sidecar, error) {
	db, err := tilestore.Connect(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sidecarSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sidecar schema %s: %w", path, err)
	}
	return &Sidecar{db: db, path: path}, nil
}

// Path returns the sidecar file path.
func (s *Sidecar) Path() string { return s.path }

// Close closes the handle.
func (s *Sidecar) Close() error { return s.db.Close() }

// SaveJob persists the job parameters, ranges and (optionally) the full
// tile detail list.
func (s *Sidecar) SaveJob(job *TileJob, asset string) error {
	var nodata any
	if job.NoData != nil {
		nodata = *job.NoData
	}
	xyz := 0
	if job.XYZ {
		xyz = 1
	}
	merge := 0
	if job.Merge {
		merge = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO tile_job (data_bands_count, nodata, src_file, tile_extension, tile_size, tile_driver,
		 profile, querysize, xyz, in_file, input_file, encode_to_rgba, has_alpha_band,
		 pixel_selection_method, resampling_method, merge)
		 values (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		job.DataBandsCount, nodata, job.SrcFile, job.TileExtension, job.TileSize, job.TileDriver,
		job.Profile.String(), job.QuerySize, xyz, job.InFile, job.InputFile,
		boolToInt(job.EncodeToRGBA), boolToInt(job.HasAlphaBand),
		job.PixelSelection, job.ResamplingMethod, merge)
	if err != nil {
		return fmt.Errorf("saving tile job: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for tz := 0; tz <= grid.MaxZoomLevel; tz++ {
		r := job.TMinMax[tz]
		if _, err := tx.Exec(
			`INSERT INTO tminmax (tz, tminx, tmaxx, tminy, tmaxy, asset) values (?,?,?,?,?,?)`,
			tz, r.TMinX, r.TMaxX, r.TMinY, r.TMaxY, asset); err != nil {
			tx.Rollback()
			return fmt.Errorf("saving tminmax: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO tminz_tmaxz (tminz, tmaxz, asset) values (?,?,?)`,
		job.TMinZ, job.TMaxZ, asset); err != nil {
		tx.Rollback()
		return fmt.Errorf("saving zoom range: %w", err)
	}
	if asset != "" {
		if _, err := tx.Exec(`INSERT INTO assets (asset) values (?)`, asset); err != nil {
			tx.Rollback()
			return fmt.Errorf("saving asset: %w", err)
		}
	}

	if job.Options.SaveTileDetails {
		for tz := job.TMaxZ; tz >= job.TMinZ; tz-- {
			for _, d := range job.Details[tz] {
				if _, err := tx.Exec(
					`INSERT OR IGNORE INTO tiles_detail
					 (tz, tx, ty, rx, ry, rxsize, rysize, wx, wy, wxsize, wysize, querysize)
					 values (?,?,?,?,?,?,?,?,?,?,?,?)`,
					d.Tz, d.Tx, d.Ty, d.Rx, d.Ry, d.RxSize, d.RySize,
					d.Wx, d.Wy, d.WxSize, d.WySize, d.QuerySize); err != nil {
					tx.Rollback()
					return fmt.Errorf("saving tile detail %d/%d/%d: %w", d.Tz, d.Tx, d.Ty, err)
				}
			}
		}
	}
	return tx.Commit()
}

// JobRow is the persisted tile-job parameter set.
type JobRow struct {
	DataBandsCount int
	NoData         *float64
	SrcFile        string
	TileExtension  string
	TileSize       int
	TileDriver     string
	Profile        string
	QuerySize      int
	XYZ            bool
	InFile         string
	InputFile      string
	EncodeToRGBA   bool
	HasAlphaBand   bool
	PixelSelection string
	Resampling     string
	Merge          bool
}

// LoadJob reads the persisted job parameters, or nil when absent.
func (s *Sidecar) LoadJob() (*JobRow, error) {
	var row JobRow
	var nodata sql.NullFloat64
	var xyz, rgba, alpha, merge sql.NullInt64
	var psm, rm sql.NullString
	err := s.db.QueryRow(
		`SELECT data_bands_count, nodata, src_file, tile_extension, tile_size, tile_driver, profile,
		 querysize, xyz, in_file, input_file, encode_to_rgba, has_alpha_band,
		 pixel_selection_method, resampling_method, merge FROM tile_job;`).
		Scan(&row.DataBandsCount, &nodata, &row.SrcFile, &row.TileExtension, &row.TileSize,
			&row.TileDriver, &row.Profile, &row.QuerySize, &xyz, &row.InFile, &row.InputFile,
			&rgba, &alpha, &psm, &rm, &merge)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading tile job from %s: %w", s.path, err)
	}
	if nodata.Valid {
		row.NoData = &nodata.Float64
	}
	row.XYZ = xyz.Int64 == 1
	row.EncodeToRGBA = rgba.Int64 == 1
	row.HasAlphaBand = alpha.Int64 == 1
	row.Merge = merge.Int64 == 1
	row.PixelSelection = psm.String
	row.Resampling = rm.String
	return &row, nil
}

// ZoomRange returns the persisted tminz/tmaxz.
func (s *Sidecar) ZoomRange() (int, int, error) {
	var tminz, tmaxz int
	err := s.db.QueryRow(`SELECT tminz, tmaxz FROM tminz_tmaxz LIMIT 1;`).Scan(&tminz, &tmaxz)
	if err != nil {
		return 0, 0, fmt.Errorf("loading zoom range from %s: %w", s.path, err)
	}
	return tminz, tmaxz, nil
}

// RangeForZoom returns the persisted tile range at one zoom.
func (s *Sidecar) RangeForZoom(tz int) (grid.TileRange, error) {
	var r grid.TileRange
	err := s.db.QueryRow(
		`SELECT tminx, tmaxx, tminy, tmaxy FROM tminmax WHERE tz = ? LIMIT 1;`, tz).
		Scan(&r.TMinX, &r.TMaxX, &r.TMinY, &r.TMaxY)
	if err != nil {
		return r, fmt.Errorf("loading tminmax for z%d from %s: %w", tz, s.path, err)
	}
	return r, nil
}

// MarkEmpty records a known-empty tile address.
func (s *Sidecar) MarkEmpty(z, x, y int) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO empty_tiles (x, y, z) values (?,?,?)`, x, y, z)
	return err
}

// IsEmpty reports whether an address was recorded empty.
func (s *Sidecar) IsEmpty(z, x, y int) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM empty_tiles WHERE x = ? AND y = ? AND z = ?`, x, y, z).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
