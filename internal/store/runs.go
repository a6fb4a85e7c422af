/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
)

const runColumns = `id, channel_config_id, thread_ts, triggered_by, repo, branch, model, prompt, dry_run,
	agent_id, status, summary, pr_url, target_branch, error, created_at, started_at, completed_at`

func scanRun(row scanner) (*runs.Run, error) {
	var (
		r                      runs.Run
		status                 string
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(
		&r.ID, &r.ChannelConfigID, &r.ThreadTS, &r.TriggeredBy, &r.Repo, &r.Branch, &r.Model, &r.Prompt, &r.DryRun,
		&r.AgentID, &status, &r.Summary, &r.PRURL, &r.TargetBranch, &r.Error, &r.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	r.Status = runs.Status(status)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

// CreateRun inserts r, assigning its ID, status and creation time when unset.
func (s *Store) CreateRun(ctx context.Context, r *runs.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = runs.StatusCreating
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChannelConfigID, r.ThreadTS, r.TriggeredBy, r.Repo, r.Branch, r.Model, r.Prompt, r.DryRun,
		r.AgentID, string(r.Status), r.Summary, r.PRURL, r.TargetBranch, r.Error,
		r.CreatedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt),
	); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *Store) getRun(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, where string, arg any) (*runs.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	} else if err != nil {
		return nil, fmt.Errorf("reading run: %w", err)
	}
	return r, nil
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (*runs.Run, error) {
	return s.getRun(ctx, s.db, "id = ?", id)
}

// GetRunByAgentID returns the run tracking the given remote agent.
func (s *Store) GetRunByAgentID(ctx context.Context, agentID string) (*runs.Run, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrNotFound)
	}
	return s.getRun(ctx, s.db, "agent_id = ? ORDER BY created_at DESC LIMIT 1", agentID)
}

// UpdateRun applies u to the run with the given ID in one transaction and
// returns the resulting run and whether anything changed.
func (s *Store) UpdateRun(ctx context.Context, id string, u runs.Update) (*runs.Run, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := s.getRun(ctx, tx, "id = ?", id)
	if err != nil {
		return nil, false, err
	}
	changed, err := r.Apply(u, s.now())
	if err != nil {
		return r, false, err
	}
	if !changed {
		return r, false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET
		agent_id = ?, status = ?, summary = ?, pr_url = ?, target_branch = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		r.AgentID, string(r.Status), r.Summary, r.PRURL, r.TargetBranch, r.Error,
		nullTime(r.StartedAt), nullTime(r.CompletedAt), r.ID,
	); err != nil {
		return nil, false, fmt.Errorf("updating run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing run update: %w", err)
	}
	return r, true, nil
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	ChannelConfigID string
	Status          runs.Status
	Limit           int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*runs.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if f.ChannelConfigID != "" {
		query += " AND channel_config_id = ?"
		args = append(args, f.ChannelConfigID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*runs.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("reading run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunByThread returns the most recent run started from a thread.
func (s *Store) LatestRunByThread(ctx context.Context, channelConfigID, threadTS string) (*runs.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE channel_config_id = ? AND thread_ts = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, channelConfigID, threadTS))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no run in thread %s", ErrNotFound, threadTS)
	} else if err != nil {
		return nil, fmt.Errorf("reading run: %w", err)
	}
	return r, nil
}
