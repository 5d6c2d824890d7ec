package tilestore

import (
	"database/sql"
	"fmt"
	"os"
)

// ArchiveMetadata is written into the archive's metadata table when a
// pyramid job starts.
type ArchiveMetadata struct {
	Name        string
	Description string
	Format      string // tile extension
	MinZoom     int
	MaxZoom     int
	Bounds      string // "south west north east"
	Profile     string
}

// Archive is a packed single-file tile database with the conventional
// tiles/metadata schema. One process owns the file for writing during a
// job; readers may share it concurrently under WAL.
type Archive struct {
	db   *sql.DB
	path string
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level integer NOT NULL,
	tile_column integer NOT NULL,
	tile_row integer NOT NULL,
	tile_data blob,
	PRIMARY KEY(zoom_level, tile_column, tile_row)
);
CREATE TABLE IF NOT EXISTS metadata (name text, value text);
`

// OpenArchive opens (creating if needed) an archive database.
func OpenArchive(path string) (*Archive, error) {
	db, err := Connect(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating archive schema %s: %w", path, err)
	}
	return &Archive{db: db, path: path}, nil
}

// ArchiveExists reports whether an archive file is present on disk.
func ArchiveExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// Path returns the archive file path.
func (a *Archive) Path() string { return a.path }

// Put inserts one tile; the INSERT OR IGNORE keeps duplicate addresses
// harmless. Transient lock contention is retried with backoff.
func (a *Archive) Put(z, x, y int, data []byte) error {
	err := execWithRetry(a.db,
		`INSERT OR IGNORE INTO tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);`,
		z, x, y, data)
	if err != nil {
		return fmt.Errorf("saving tile %d/%d/%d in %s: %w", z, x, y, a.path, err)
	}
	return nil
}

// Get returns a tile's bytes, or (nil, nil) when the address is absent.
func (a *Archive) Get(z, x, y int) ([]byte, error) {
	var data []byte
	err := a.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?;`,
		z, x, y).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tile %d/%d/%d from %s: %w", z, x, y, a.path, err)
	}
	return data, nil
}

// TileCount returns the number of stored tiles.
func (a *Archive) TileCount() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM tiles;`).Scan(&n)
	return n, err
}

// WriteMetadata replaces the metadata table contents.
func (a *Archive) WriteMetadata(md ArchiveMetadata) error {
	if _, err := a.db.Exec(`DELETE FROM metadata;`); err != nil {
		return err
	}
	rows := [][2]string{
		{"name", md.Name},
		{"description", md.Description},
		{"version", "1.0.0"},
		{"attribution", ""},
		{"type", "overlay"},
		{"format", md.Format},
		{"minzoom", fmt.Sprintf("%d", md.MinZoom)},
		{"maxzoom", fmt.Sprintf("%d", md.MaxZoom)},
		{"bounds", md.Bounds},
		{"scale", "1"},
		{"profile", md.Profile},
	}
	for _, r := range rows {
		if _, err := a.db.Exec(`INSERT INTO metadata (name, value) values (?, ?);`, r[0], r[1]); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears tiles and metadata before a rebuild.
func (a *Archive) Reset() error {
	for _, q := range []string{`DELETE FROM tiles;`, `DELETE FROM metadata;`, `VACUUM;`} {
		if _, err := a.db.Exec(q); err != nil {
			return fmt.Errorf("resetting archive %s: %w", a.path, err)
		}
	}
	return nil
}

// Compact folds the WAL back into the main file so the archive becomes a
// single portable file. Called once after a job completes.
func (a *Archive) Compact() error {
	if _, err := a.db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		return fmt.Errorf("compacting archive %s: %w", a.path, err)
	}
	return nil
}

// Close closes the database handle.
func (a *Archive) Close() error { return a.db.Close() }

var _ Sink = (*Archive)(nil)
