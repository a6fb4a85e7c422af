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
	"time"

	"github.com/google/uuid"
)

// DefaultBranch is used when a channel binding names no branch.
const DefaultBranch = "main"

// ChannelConfig binds a channel to a repository.
type ChannelConfig struct {
	ID             string
	InstallationID string
	ChannelID      string
	Repo           string
	DefaultBranch  string
	Model          string
	DryRunDefault  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const channelColumns = `id, installation_id, channel_id, repo, default_branch, model, dry_run_default, created_at, updated_at`

func scanChannelConfig(row scanner) (*ChannelConfig, error) {
	var c ChannelConfig
	if err := row.Scan(&c.ID, &c.InstallationID, &c.ChannelID, &c.Repo, &c.DefaultBranch, &c.Model, &c.DryRunDefault, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertChannelConfig creates or replaces the binding for
// (InstallationID, ChannelID).
func (s *Store) UpsertChannelConfig(ctx context.Context, in *ChannelConfig) (*ChannelConfig, error) {
	if in.Repo == "" {
		return nil, errors.New("channel config requires a repository")
	}
	branch := in.DefaultBranch
	if branch == "" {
		branch = DefaultBranch
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(installation_id, channel_id) DO UPDATE SET
			repo = excluded.repo,
			default_branch = excluded.default_branch,
			model = excluded.model,
			dry_run_default = excluded.dry_run_default,
			updated_at = excluded.updated_at
	`,
		uuid.NewString(), in.InstallationID, in.ChannelID, in.Repo, branch, in.Model, in.DryRunDefault, now, now,
	); err != nil {
		return nil, fmt.Errorf("upserting channel config: %w", err)
	}
	return s.ChannelConfig(ctx, in.InstallationID, in.ChannelID)
}

// ChannelConfig returns the binding for a channel.
func (s *Store) ChannelConfig(ctx context.Context, installationID, channelID string) (*ChannelConfig, error) {
	c, err := scanChannelConfig(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channel_configs
		WHERE installation_id = ? AND channel_id = ?`, installationID, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	} else if err != nil {
		return nil, fmt.Errorf("reading channel config: %w", err)
	}
	return c, nil
}

// ChannelConfigByID returns a binding by its ID.
func (s *Store) ChannelConfigByID(ctx context.Context, id string) (*ChannelConfig, error) {
	c, err := scanChannelConfig(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channel_configs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel config %s", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("reading channel config: %w", err)
	}
	return c, nil
}
