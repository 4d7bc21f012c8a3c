// Package mysql persists the node's lifecycle journal in MySQL for nodes
// that report into a shared fleet database.
package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/journal"
)

const schema = `CREATE TABLE IF NOT EXISTS node_events (
	id VARCHAR(36) NOT NULL PRIMARY KEY,
	kind VARCHAR(16) NOT NULL,
	plugin VARCHAR(128) NOT NULL DEFAULT '',
	instance VARCHAR(36) NOT NULL DEFAULT '',
	event VARCHAR(32) NOT NULL,
	detail TEXT,
	exit_code INT NOT NULL DEFAULT 0,
	restarts INT NOT NULL DEFAULT 0,
	occurred_at BIGINT NOT NULL,
	INDEX idx_node_events_occurred (occurred_at),
	INDEX idx_node_events_plugin (plugin)
)`

// Journal is the MySQL-backed journal store.
type Journal struct {
	db *sql.DB
}

// NewJournal opens the database, ensures the schema, and returns the store.
func NewJournal(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open journal database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ensure node_events table")
	}
	return &Journal{db: db}, nil
}

// Append inserts one entry.
func (j *Journal) Append(ctx context.Context, entry journal.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO node_events (id, kind, plugin, instance, event, detail, exit_code, restarts, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), entry.Plugin, entry.Instance, entry.Event,
		entry.Detail, entry.ExitCode, entry.Restarts, entry.At.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append journal entry")
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, plugin, instance, event, detail, exit_code, restarts, occurred_at
		 FROM node_events ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query journal entries")
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var entry journal.Entry
		var kind string
		var detail sql.NullString
		var occurred int64
		if err := rows.Scan(&entry.ID, &kind, &entry.Plugin, &entry.Instance,
			&entry.Event, &detail, &entry.ExitCode, &entry.Restarts, &occurred); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan journal entry")
		}
		entry.Kind = journal.Kind(kind)
		entry.Detail = detail.String
		entry.At = time.UnixMilli(occurred)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate journal entries")
	}
	return entries, nil
}

// Prune removes entries older than the cutoff.
func (j *Journal) Prune(ctx context.Context, olderThan time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM node_events WHERE occurred_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "prune journal entries")
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

var _ journal.Store = (*Journal)(nil)
