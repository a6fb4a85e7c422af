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
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Installation is a chat workspace the bot is installed in. An empty
// AgentAPIKey means the workspace has not connected an agent account.
type Installation struct {
	ID          string
	TeamID      string
	TeamName    string
	BotToken    string
	AgentAPIKey string
	InstalledBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LogValue implements slog.LogValuer and keeps credentials out of logs.
func (i *Installation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", i.ID),
		slog.String("team_id", i.TeamID),
		slog.Bool("has_bot_token", i.BotToken != ""),
		slog.Bool("has_api_key", i.AgentAPIKey != ""),
	)
}

const installationColumns = `id, team_id, team_name, bot_token, agent_api_key, installed_by, created_at, updated_at`

func scanInstallation(row scanner) (*Installation, error) {
	var i Installation
	if err := row.Scan(&i.ID, &i.TeamID, &i.TeamName, &i.BotToken, &i.AgentAPIKey, &i.InstalledBy, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	return &i, nil
}

// UpsertInstallation creates or updates the installation for in.TeamID.
// Empty credentials in the input do not clear stored ones.
func (s *Store) UpsertInstallation(ctx context.Context, in *Installation) (*Installation, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO installations (`+installationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(team_id) DO UPDATE SET
			team_name = CASE WHEN excluded.team_name = '' THEN team_name ELSE excluded.team_name END,
			bot_token = CASE WHEN excluded.bot_token = '' THEN bot_token ELSE excluded.bot_token END,
			agent_api_key = CASE WHEN excluded.agent_api_key = '' THEN agent_api_key ELSE excluded.agent_api_key END,
			installed_by = CASE WHEN excluded.installed_by = '' THEN installed_by ELSE excluded.installed_by END,
			updated_at = excluded.updated_at
	`,
		uuid.NewString(), in.TeamID, in.TeamName, in.BotToken, in.AgentAPIKey, in.InstalledBy, now, now,
	); err != nil {
		return nil, fmt.Errorf("upserting installation: %w", err)
	}
	return s.InstallationByTeam(ctx, in.TeamID)
}

func (s *Store) installation(ctx context.Context, where string, arg any) (*Installation, error) {
	i, err := scanInstallation(s.db.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: installation %v", ErrNotFound, arg)
	} else if err != nil {
		return nil, fmt.Errorf("reading installation: %w", err)
	}
	return i, nil
}

// InstallationByTeam returns the installation for a workspace.
func (s *Store) InstallationByTeam(ctx context.Context, teamID string) (*Installation, error) {
	return s.installation(ctx, "team_id = ?", teamID)
}

// InstallationByID returns an installation by its ID.
func (s *Store) InstallationByID(ctx context.Context, id string) (*Installation, error) {
	return s.installation(ctx, "id = ?", id)
}

// ListInstallations returns all installations ordered by team.
func (s *Store) ListInstallations(ctx context.Context) ([]*Installation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations ORDER BY team_id`)
	if err != nil {
		return nil, fmt.Errorf("listing installations: %w", err)
	}
	defer rows.Close()

	var out []*Installation
	for rows.Next() {
		i, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("reading installation: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SetAgentAPIKey stores the agent credential for an installation. An empty
// key disconnects it.
func (s *Store) SetAgentAPIKey(ctx context.Context, installationID, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE installations SET agent_api_key = ?, updated_at = ? WHERE id = ?`,
		key, s.now(), installationID)
	if err != nil {
		return fmt.Errorf("setting api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: installation %s", ErrNotFound, installationID)
	}
	return nil
}
