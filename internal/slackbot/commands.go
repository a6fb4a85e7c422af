/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package slackbot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/slack-go/slack"

	"github.com/chainguard-dev/agent-bridge/internal/render"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
)

const (
	helpCommand = "*Computer Commands:*\n" +
		"• `/computer connect` - Set your Cursor API key\n" +
		"• `/computer settings` - Configure this channel\n" +
		"• `/computer status` - View channel status"
	notInstalled = "❌ Computer is not installed in this workspace. Please reinstall."
	noAPIKey     = "❌ No Cursor API key configured. Run `/computer connect` first."
	openFailed   = "❌ Failed to open settings. Please try again."
	genericError = "❌ Something went wrong. Please try again."
)

// Commands serves the /computer slash command.
func (b *Bot) Commands(w http.ResponseWriter, r *http.Request) {
	body, ok := b.readVerified(w, r)
	if !ok {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := clog.FromContext(ctx).With("team_id", cmd.TeamID, "channel", cmd.ChannelID, "user", cmd.UserID, "text", cmd.Text)
	ctx = clog.WithLogger(ctx, log)

	m, err := b.messengers(ctx, cmd.TeamID)
	if err != nil {
		log.Errorf("no Slack client: %v", err)
		http.Error(w, "workspace not available", http.StatusInternalServerError)
		return
	}

	switch strings.ToLower(strings.TrimSpace(cmd.Text)) {
	case "connect":
		b.connect(ctx, m, cmd)
	case "settings":
		b.settings(ctx, m, cmd)
	case "status":
		b.status(ctx, m, cmd)
	default:
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(helpCommand, false))
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Bot) ephemeral(ctx context.Context, m Messenger, cmd slack.SlashCommand, opts ...slack.MsgOption) {
	if _, err := m.PostEphemeralContext(ctx, cmd.ChannelID, cmd.UserID, opts...); err != nil {
		clog.FromContext(ctx).Errorf("failed to post ephemeral: %v", err)
	}
}

func (b *Bot) openView(ctx context.Context, m Messenger, cmd slack.SlashCommand, view slack.ModalViewRequest) {
	if _, err := m.OpenViewContext(ctx, cmd.TriggerID, view); err != nil {
		clog.FromContext(ctx).Errorf("failed to open %s: %v", view.CallbackID, err)
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(openFailed, false))
	}
}

// installation returns nil and tells the user when there is none.
func (b *Bot) installation(ctx context.Context, m Messenger, cmd slack.SlashCommand) *store.Installation {
	inst, err := b.store.InstallationByTeam(ctx, cmd.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(notInstalled, false))
		return nil
	} else if err != nil {
		clog.FromContext(ctx).Errorf("failed to look up installation: %v", err)
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(genericError, false))
		return nil
	}
	return inst
}

func (b *Bot) connect(ctx context.Context, m Messenger, cmd slack.SlashCommand) {
	hasKey := false
	inst, err := b.store.InstallationByTeam(ctx, cmd.TeamID)
	switch {
	case err == nil:
		hasKey = inst.AgentAPIKey != ""
	case !errors.Is(err, store.ErrNotFound):
		clog.FromContext(ctx).Warnf("failed to look up installation: %v", err)
	}
	b.openView(ctx, m, cmd, render.ConnectModal(hasKey))
}

func (b *Bot) settings(ctx context.Context, m Messenger, cmd slack.SlashCommand) {
	inst := b.installation(ctx, m, cmd)
	if inst == nil {
		return
	}
	if inst.AgentAPIKey == "" {
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(noAPIKey, false))
		return
	}
	cfg, err := b.store.ChannelConfig(ctx, inst.ID, cmd.ChannelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		clog.FromContext(ctx).Errorf("failed to look up channel config: %v", err)
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(genericError, false))
		return
	}
	b.openView(ctx, m, cmd, render.SettingsModal(cmd.ChannelID, cfg))
}

func (b *Bot) status(ctx context.Context, m Messenger, cmd slack.SlashCommand) {
	inst := b.installation(ctx, m, cmd)
	if inst == nil {
		return
	}
	log := clog.FromContext(ctx)

	cfg, err := b.store.ChannelConfig(ctx, inst.ID, cmd.ChannelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cfg = nil
	case err != nil:
		log.Errorf("failed to look up channel config: %v", err)
		b.ephemeral(ctx, m, cmd, slack.MsgOptionText(genericError, false))
		return
	}

	var recent []*runs.Run
	if cfg != nil {
		recent, err = b.store.ListRuns(ctx, store.RunFilter{ChannelConfigID: cfg.ID, Limit: render.RecentRunLimit})
		if err != nil {
			log.Warnf("failed to list runs: %v", err)
		}
	}
	blocks := render.StatusBlocks(cfg, recent, inst.AgentAPIKey != "")
	b.ephemeral(ctx, m, cmd, slack.MsgOptionBlocks(blocks...), slack.MsgOptionText("Channel status", false))
}
