package tilestore

import (
	"database/sql"
	"fmt"
	"time"
)

// Registry is the persistent pyramid-job table in data/tiler.db. It
// enforces the one-running-job-per-datasource rule and reconciles rows
// orphaned by a crashed process at startup.
type Registry struct {
	db *sql.DB
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS pyramids (
	id text NOT NULL,
	dataset text NOT NULL,
	datasource_id text,
	start_time timestamp,
	finish_time timestamp,
	params text NOT NULL,
	running integer,
	complete integer,
	PRIMARY KEY(id)
);
`

// OpenRegistry opens (creating if needed) the job registry. The
// connection takes the write lock at BEGIN so the check-then-insert in
// RegisterIfAbsent serializes across callers.
func OpenRegistry(path string) (*Registry, error) {
	db, err := Connect(path + "?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry schema %s: %w", path, err)
	}
	return &Registry{db: db}, nil
}

// Close closes the registry handle.
func (r *Registry) Close() error { return r.db.Close() }

// RegisterIfAbsent inserts a new running job unless the datasource
// already has one. Returns the effective job id and whether a running
// job pre-existed. The whole check-and-insert runs in one immediate
// transaction, so two concurrent launches cannot both insert.
func (r *Registry) RegisterIfAbsent(id, datasourceID, dataset, params string) (string, bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return "", false, err
	}

	var existing string
	err = tx.QueryRow(
		`SELECT id FROM pyramids WHERE dataset = ? AND datasource_id = ? AND running = 1 AND complete = 0
		 ORDER BY start_time DESC LIMIT 1`,
		dataset, datasourceID).Scan(&existing)
	switch {
	case err == nil:
		tx.Rollback()
		return existing, true, nil
	case err != sql.ErrNoRows:
		tx.Rollback()
		return "", false, fmt.Errorf("checking running pyramid for %s: %w", datasourceID, err)
	}

	_, err = tx.Exec(
		`INSERT INTO pyramids (id, dataset, datasource_id, start_time, params, running, complete) values (?,?,?,?,?,?,?)`,
		id, dataset, datasourceID, time.Now().UTC(), params, 1, 0)
	if err != nil {
		tx.Rollback()
		return "", false, fmt.Errorf("registering pyramid %s: %w", id, err)
	}
	return id, false, tx.Commit()
}

// Finish marks a job complete and stamps its finish time.
func (r *Registry) Finish(id string) error {
	err := execWithRetry(r.db,
		`UPDATE pyramids SET finish_time = ?, running = 0, complete = 1 WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing pyramid %s: %w", id, err)
	}
	return nil
}

// RunningFor returns the most recent running job id for a datasource,
// or "" when none is running.
func (r *Registry) RunningFor(datasourceID, dataset string) (string, error) {
	var id string
	err := r.db.QueryRow(
		`SELECT id FROM pyramids WHERE dataset = ? AND datasource_id = ? AND running = 1 AND complete = 0
		 ORDER BY start_time DESC LIMIT 1`,
		dataset, datasourceID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("selecting running pyramid for %s: %w", datasourceID, err)
	}
	return id, nil
}

// ReconcileStartup closes jobs left running by a crashed process.
func (r *Registry) ReconcileStartup() error {
	_, err := r.db.Exec(
		`UPDATE pyramids SET running = 0, complete = 1 WHERE running = 1 AND finish_time IS NULL`)
	if err != nil {
		return fmt.Errorf("reconciling registry: %w", err)
	}
	return nil
}

// Job is one registry row.
type Job struct {
	ID           string
	Dataset      string
	DatasourceID string
	StartTime    time.Time
	FinishTime   *time.Time
	Params       string
	Running      bool
	Complete     bool
}

// Get returns one job row, or nil when absent.
func (r *Registry) Get(id string) (*Job, error) {
	var j Job
	var running, complete int
	var finish sql.NullTime
	err := r.db.QueryRow(
		`SELECT id, dataset, datasource_id, start_time, finish_time, params, running, complete
		 FROM pyramids WHERE id = ?`, id).
		Scan(&j.ID, &j.Dataset, &j.DatasourceID, &j.StartTime, &finish, &j.Params, &running, &complete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if finish.Valid {
		j.FinishTime = &finish.Time
	}
	j.Running = running == 1
	j.Complete = complete == 1
	return &j, nil
}
