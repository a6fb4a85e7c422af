/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package slackbot

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/slack-go/slack"

	"github.com/chainguard-dev/agent-bridge/internal/render"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/watch"
)

var doneReactions = map[runs.Status]string{
	runs.StatusCompleted: "white_check_mark",
	runs.StatusFailed:    "x",
	runs.StatusCancelled: "no_entry_sign",
}

// Notifier renders run updates into the run's thread message.
type Notifier struct {
	messengers Messengers
}

var _ watch.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier.
func NewNotifier(m Messengers) *Notifier {
	return &Notifier{messengers: m}
}

// RunUpdated updates the run message in place. The first terminal update
// also replaces the working reaction on the mention.
func (n *Notifier) RunUpdated(ctx context.Context, dest watch.Destination, r *runs.Run, deploymentURL string) error {
	m, err := n.messengers(ctx, dest.TeamID)
	if err != nil {
		return err
	}
	if _, _, _, err := m.UpdateMessageContext(ctx, dest.ChannelID, dest.MessageTS,
		slack.MsgOptionBlocks(render.RunMessage(render.RunMessageOptions{Run: r, DeploymentURL: deploymentURL})...),
		slack.MsgOptionText(render.FallbackText(r), false)); err != nil {
		return fmt.Errorf("updating message %s: %w", dest.MessageTS, err)
	}

	if dest.MentionTS == "" || deploymentURL != "" || !r.Status.Terminal() {
		return nil
	}
	log := clog.FromContext(ctx).With("run_id", r.ID)
	ref := slack.NewRefToMessage(dest.ChannelID, dest.MentionTS)
	if err := m.RemoveReactionContext(ctx, reactionWorking, ref); err != nil {
		log.Warnf("failed to remove reaction: %v", err)
	}
	if err := m.AddReactionContext(ctx, doneReactions[r.Status], ref); err != nil {
		log.Warnf("failed to add reaction: %v", err)
	}
	return nil
}
