/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package store persists runs, workspace installations and channel
// bindings in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = runs.ErrNotFound

const schema = `
CREATE TABLE IF NOT EXISTS installations (
    id TEXT PRIMARY KEY,
    team_id TEXT NOT NULL UNIQUE,
    team_name TEXT NOT NULL DEFAULT '',
    bot_token TEXT NOT NULL DEFAULT '',
    agent_api_key TEXT NOT NULL DEFAULT '',
    installed_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_configs (
    id TEXT PRIMARY KEY,
    installation_id TEXT NOT NULL REFERENCES installations(id),
    channel_id TEXT NOT NULL,
    repo TEXT NOT NULL,
    default_branch TEXT NOT NULL DEFAULT 'main',
    model TEXT NOT NULL DEFAULT '',
    dry_run_default BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE (installation_id, channel_id)
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    channel_config_id TEXT NOT NULL REFERENCES channel_configs(id),
    thread_ts TEXT NOT NULL DEFAULT '',
    triggered_by TEXT NOT NULL DEFAULT '',
    repo TEXT NOT NULL,
    branch TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL,
    dry_run BOOLEAN NOT NULL DEFAULT FALSE,
    agent_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    pr_url TEXT NOT NULL DEFAULT '',
    target_branch TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    started_at DATETIME,
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_agent_id ON runs(agent_id);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(channel_config_id, thread_ts);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Store is a SQLite-backed store.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

var _ runs.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for record timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// New opens the database at path, creating the schema if needed.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers, and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing database: %w", err)
		}
	}

	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
