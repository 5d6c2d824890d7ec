// Package tilestore persists tiles — as a file tree or a packed MBTiles
// archive — and tracks pyramid jobs in the on-disk registry.
package tilestore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyRetries    = 10
	busyRetryDelay = 200 * time.Millisecond
)

// Connect opens a local SQLite database with the pragmas every tiler
// database runs under: WAL journaling, relaxed sync and a long busy
// timeout so that sink and serving-path writers back off instead of
// failing.
func Connect(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite %s: %w", path, err)
	}
	return db, nil
}

func optimizeConnection(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=240000;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=1;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// execWithRetry retries an exec through transient "database is locked"
// errors with a short fixed backoff.
func execWithRetry(db *sql.DB, query string, args ...any) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		if _, err = db.Exec(query, args...); err == nil {
			return nil
		}
		time.Sleep(busyRetryDelay)
	}
	return err
}
