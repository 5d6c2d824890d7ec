package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// Catalog persists DataSource definitions in the relational catalog.
type Catalog struct {
	db *sql.DB
}

// DSN builds the Postgres connection string from the environment
// settings.
func DSN(user, pass, host, port, dbname string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, dbname)
}

// Open connects to the catalog database and sizes the pool.
func Open(dsn string, poolSize int) (*Catalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize / 2)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// NewCatalog wraps an existing connection (used by tests).
func NewCatalog(db *sql.DB) *Catalog { return &Catalog{db: db} }

// DB exposes the underlying pool for the vector tile builder, which
// queries the same database.
func (c *Catalog) DB() *sql.DB { return c.db }

// Close closes the pool.
func (c *Catalog) Close() error { return c.db.Close() }

const catalogSchema = `
CREATE TABLE IF NOT EXISTS datasource (
	identifier text PRIMARY KEY,
	data_type text NOT NULL,
	store_type text NOT NULL,
	description text,
	minzoom integer,
	maxzoom integer,
	data jsonb NOT NULL
);
`

// EnsureSchema creates the datasource table when missing.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, catalogSchema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// Get loads one datasource, or nil when absent.
func (c *Catalog) Get(ctx context.Context, id string) (*DataSource, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM datasource WHERE identifier = $1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading datasource %q: %w", id, err)
	}
	var ds DataSource
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("decoding datasource %q: %w", id, err)
	}
	return &ds, nil
}

// List loads every datasource.
func (c *Catalog) List(ctx context.Context) ([]*DataSource, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT data FROM datasource ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("listing datasources: %w", err)
	}
	defer rows.Close()

	var out []*DataSource
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ds DataSource
		if err := json.Unmarshal(raw, &ds); err != nil {
			return nil, fmt.Errorf("decoding datasource: %w", err)
		}
		out = append(out, &ds)
	}
	return out, rows.Err()
}

// Upsert validates and stores a datasource definition.
func (c *Catalog) Upsert(ctx context.Context, ds *DataSource) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("encoding datasource %q: %w", ds.ID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO datasource (identifier, data_type, store_type, description, minzoom, maxzoom, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identifier) DO UPDATE SET
			data_type = EXCLUDED.data_type,
			store_type = EXCLUDED.store_type,
			description = EXCLUDED.description,
			minzoom = EXCLUDED.minzoom,
			maxzoom = EXCLUDED.maxzoom,
			data = EXCLUDED.data`,
		ds.ID, string(ds.Kind), string(ds.Store.Type), ds.Description, ds.MinZoom, ds.MaxZoom, raw)
	if err != nil {
		return fmt.Errorf("upserting datasource %q: %w", ds.ID, err)
	}
	return nil
}

// Delete removes a datasource by id.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM datasource WHERE identifier = $1`, id); err != nil {
		return fmt.Errorf("deleting datasource %q: %w", id, err)
	}
	return nil
}
