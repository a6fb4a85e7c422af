/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package slackbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/slack-go/slack"

	"github.com/chainguard-dev/agent-bridge/internal/render"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
	"github.com/chainguard-dev/agent-bridge/internal/watch"
)

const (
	apiKeySaved  = "✅ Cursor API key saved! You can now use `/computer settings` in any channel to bind it to a repo."
	invalidRepo  = "Please enter a valid repository (e.g., owner/repo)"
	missingKey   = "Please enter an API key"
	saveFailed   = "Failed to save. Please try again."
	settingsDone = "✅ Channel configured!\n• *Repository:* `%s`\n• *Branch:* `%s`\n• *Model:* `%s`\n\nMention `@Computer` with your request to get started."
)

var repoRE = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)

// Interactions serves button clicks and modal submissions.
func (b *Bot) Interactions(w http.ResponseWriter, r *http.Request) {
	body, ok := b.readVerified(w, r)
	if !ok {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(r.PostForm.Get("payload")), &cb); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := clog.FromContext(ctx).With("team_id", cb.Team.ID, "user", cb.User.ID, "type", cb.Type)
	ctx = clog.WithLogger(ctx, log)

	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		for _, action := range cb.ActionCallback.BlockActions {
			switch action.ActionID {
			case render.ActionCancelRun, render.ActionRetryRun:
				action := *action
				b.spawn(ctx, func(ctx context.Context) { b.runControl(ctx, cb, action) })
			}
		}
		w.WriteHeader(http.StatusOK)

	case slack.InteractionTypeViewSubmission:
		var errs map[string]string
		switch cb.View.CallbackID {
		case render.CallbackConnect:
			errs = b.submitConnect(ctx, cb)
		case render.CallbackSettings:
			errs = b.submitSettings(ctx, cb)
		}
		if len(errs) == 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(slack.NewErrorsViewSubmissionResponse(errs)); err != nil {
			log.Warnf("failed to write view errors: %v", err)
		}

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// runControl handles the cancel and retry buttons on a run message.
func (b *Bot) runControl(ctx context.Context, cb slack.InteractionCallback, action slack.BlockAction) {
	runID := action.Value
	log := clog.FromContext(ctx).With("run_id", runID, "action", action.ActionID)
	if runID == "" {
		log.Error("missing run id in action")
		return
	}

	channelID, messageTS := cb.Container.ChannelID, cb.Container.MessageTs
	if channelID == "" {
		channelID = cb.Channel.ID
	}
	if messageTS == "" {
		messageTS = cb.Message.Timestamp
	}

	var (
		r   *runs.Run
		err error
	)
	switch action.ActionID {
	case render.ActionCancelRun:
		r, err = b.orch.Cancel(ctx, runID)
	case render.ActionRetryRun:
		r, err = b.orch.Retry(ctx, runID)
	}
	if r == nil {
		log.Errorf("run control failed: %v", err)
		return
	}
	if err != nil {
		// A retry whose launch failed still has a run to show.
		log.Warnf("run control failed: %v", err)
	}

	m, merr := b.messengers(ctx, cb.Team.ID)
	if merr != nil {
		log.Errorf("no Slack client: %v", merr)
		return
	}
	// One immediate render for the clicker. Later renders of this message
	// come from the watch loop only.
	if _, _, _, err := m.UpdateMessageContext(ctx, channelID, messageTS,
		slack.MsgOptionBlocks(render.RunMessage(render.RunMessageOptions{Run: r})...),
		slack.MsgOptionText(render.FallbackText(r), false)); err != nil {
		log.Errorf("failed to update run message: %v", err)
	}
	log.With("new_run_id", r.ID, "status", r.Status).Info("Run control applied")

	if action.ActionID == render.ActionRetryRun && !r.Status.Terminal() {
		b.track(ctx, r.ID, watch.Destination{
			TeamID:    cb.Team.ID,
			ChannelID: channelID,
			MessageTS: messageTS,
		})
	}
}

func inputValue(cb slack.InteractionCallback, blockID, actionID string) slack.BlockAction {
	if cb.View.State == nil {
		return slack.BlockAction{}
	}
	return cb.View.State.Values[blockID][actionID]
}

func (b *Bot) submitConnect(ctx context.Context, cb slack.InteractionCallback) map[string]string {
	log := clog.FromContext(ctx)
	key := strings.TrimSpace(inputValue(cb, render.BlockAPIKey, render.ActionAPIKey).Value)
	if key == "" {
		return map[string]string{render.BlockAPIKey: missingKey}
	}
	if _, err := b.store.UpsertInstallation(ctx, &store.Installation{
		TeamID:      cb.Team.ID,
		TeamName:    cb.Team.Name,
		AgentAPIKey: key,
		InstalledBy: cb.User.ID,
	}); err != nil {
		log.Errorf("failed to save API key: %v", err)
		return map[string]string{render.BlockAPIKey: saveFailed}
	}
	log.Info("Cursor API key saved")
	b.notify(ctx, cb.Team.ID, cb.User.ID, apiKeySaved)
	return nil
}

func (b *Bot) submitSettings(ctx context.Context, cb slack.InteractionCallback) map[string]string {
	log := clog.FromContext(ctx)
	channelID := cb.View.PrivateMetadata
	if channelID == "" {
		log.Error("settings submission without channel")
		return map[string]string{render.BlockRepo: saveFailed}
	}

	repo := strings.TrimSpace(inputValue(cb, render.BlockRepo, render.ActionRepo).Value)
	if !repoRE.MatchString(repo) {
		return map[string]string{render.BlockRepo: invalidRepo}
	}
	branch := strings.TrimSpace(inputValue(cb, render.BlockBranch, render.ActionBranch).Value)
	if branch == "" {
		branch = store.DefaultBranch
	}
	model := strings.TrimSpace(inputValue(cb, render.BlockModel, render.ActionModel).Value)
	if model == "auto" {
		model = ""
	}
	dryRun := false
	for _, o := range inputValue(cb, render.BlockDryRun, render.ActionDryRun).SelectedOptions {
		if o.Value == render.OptionDryRun {
			dryRun = true
		}
	}

	inst, err := b.store.InstallationByTeam(ctx, cb.Team.ID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]string{render.BlockRepo: "Computer is not installed in this workspace."}
	} else if err != nil {
		log.Errorf("failed to look up installation: %v", err)
		return map[string]string{render.BlockRepo: saveFailed}
	}
	cfg, err := b.store.UpsertChannelConfig(ctx, &store.ChannelConfig{
		InstallationID: inst.ID,
		ChannelID:      channelID,
		Repo:           repo,
		DefaultBranch:  branch,
		Model:          model,
		DryRunDefault:  dryRun,
	})
	if err != nil {
		log.Errorf("failed to save channel config: %v", err)
		return map[string]string{render.BlockRepo: saveFailed}
	}
	log.With("channel", channelID, "repo", repo).Info("Channel config saved")

	shown := cfg.Model
	if shown == "" {
		shown = "auto"
	}
	b.notify(ctx, cb.Team.ID, channelID, fmt.Sprintf(settingsDone, cfg.Repo, cfg.DefaultBranch, shown))
	return nil
}

// notify posts text to a channel or user, logging failures.
func (b *Bot) notify(ctx context.Context, teamID, channelID, text string) {
	log := clog.FromContext(ctx)
	m, err := b.messengers(ctx, teamID)
	if err != nil {
		log.Errorf("no Slack client: %v", err)
		return
	}
	if _, _, err := m.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false)); err != nil {
		log.Errorf("failed to post message: %v", err)
	}
}
