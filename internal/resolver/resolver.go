/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package resolver turns a workspace and channel into everything needed to
// launch an agent there.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/agent-bridge/internal/store"
)

// Error codes.
const (
	CodeNoInstallation = "NO_INSTALLATION"
	CodeNoAPIKey       = "NO_API_KEY"
	CodeNoConfig       = "NO_CONFIG"
)

// Error is a resolution failure. Message is written for the end user.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Overrides are per-message settings that beat the channel binding.
type Overrides struct {
	Branch string
	Model  string
	DryRun bool
}

var (
	branchRE = regexp.MustCompile(`(?i)--branch[=\s]+(\S+)`)
	modelRE  = regexp.MustCompile(`(?i)--model[=\s]+(\S+)`)
	dryRunRE = regexp.MustCompile(`(?i)--dry-run`)
	spaceRE  = regexp.MustCompile(`\s+`)
)

// ParseOverrides extracts --branch, --model and --dry-run from text and
// returns the remaining text with whitespace collapsed. Only the first
// occurrence of each flag is used.
func ParseOverrides(text string) (string, Overrides) {
	var o Overrides
	clean := text

	if m := branchRE.FindStringSubmatch(text); m != nil {
		o.Branch = m[1]
		clean = strings.Replace(clean, m[0], "", 1)
	}
	if m := modelRE.FindStringSubmatch(text); m != nil {
		o.Model = m[1]
		clean = strings.Replace(clean, m[0], "", 1)
	}
	if loc := dryRunRE.FindStringIndex(clean); loc != nil {
		o.DryRun = true
		clean = clean[:loc[0]] + clean[loc[1]:]
	}

	return strings.TrimSpace(spaceRE.ReplaceAllString(clean, " ")), o
}

// Context is a resolved launch context.
type Context struct {
	InstallationID  string
	ChannelConfigID string
	APIKey          string
	Repo            string
	Branch          string
	Model           string
	DryRun          bool
}

// LogValue implements slog.LogValuer.
func (c *Context) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("installation_id", c.InstallationID),
		slog.String("channel_config_id", c.ChannelConfigID),
		slog.String("api_key", "[REDACTED]"),
		slog.String("repo", c.Repo),
		slog.String("branch", c.Branch),
		slog.String("model", c.Model),
		slog.Bool("dry_run", c.DryRun),
	)
}

// Store is the subset of the store the Resolver reads.
type Store interface {
	InstallationByTeam(ctx context.Context, teamID string) (*store.Installation, error)
	ChannelConfig(ctx context.Context, installationID, channelID string) (*store.ChannelConfig, error)
}

// Resolver resolves launch contexts.
type Resolver struct {
	store Store
}

// New creates a Resolver reading from s.
func New(s Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve looks up the installation for teamID and the binding for
// channelID and applies o on top. Missing pieces are reported as *Error.
func (r *Resolver) Resolve(ctx context.Context, teamID, channelID string, o Overrides) (*Context, error) {
	inst, err := r.store.InstallationByTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Code: CodeNoInstallation, Message: "The bot is not installed in this workspace."}
	} else if err != nil {
		return nil, fmt.Errorf("looking up installation: %w", err)
	}
	if inst.AgentAPIKey == "" {
		return nil, &Error{Code: CodeNoAPIKey, Message: "No Cursor API key configured. Run `/computer connect` first."}
	}

	cfg, err := r.store.ChannelConfig(ctx, inst.ID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Code: CodeNoConfig, Message: "This channel is not configured. Run `/computer settings` first."}
	} else if err != nil {
		return nil, fmt.Errorf("looking up channel config: %w", err)
	}

	rc := &Context{
		InstallationID:  inst.ID,
		ChannelConfigID: cfg.ID,
		APIKey:          inst.AgentAPIKey,
		Repo:            cfg.Repo,
		Branch:          cfg.DefaultBranch,
		Model:           cfg.Model,
		DryRun:          cfg.DryRunDefault || o.DryRun,
	}
	if o.Branch != "" {
		rc.Branch = o.Branch
	}
	if o.Model != "" {
		rc.Model = o.Model
	}

	clog.FromContext(ctx).With("team_id", teamID, "channel_id", channelID, "resolved", rc).Debug("Context resolved")
	return rc, nil
}
