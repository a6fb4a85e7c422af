/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package slackbot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/chainguard-dev/agent-bridge/internal/render"
	"github.com/chainguard-dev/agent-bridge/internal/resolver"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/watch"
)

const (
	helpMention = "Hi! Tell me what you'd like me to do. For example:\n> @Computer add a health check endpoint to the API"
	emptyTask   = "I didn't catch what you wanted me to do. Please describe the task."
	ackText     = "🔄 Working on it..."
	followupAck = "📨 Sent your message to the running agent."

	reactionWorking = "eyes"
)

var mentionRE = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Events serves the Slack Events API.
func (b *Bot) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	body, ok := b.readVerified(w, r)
	if !ok {
		return
	}
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		log.Warnf("invalid event: %v", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			http.Error(w, "invalid challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		if _, err := w.Write([]byte(cr.Challenge)); err != nil {
			log.Warnf("failed to write challenge: %v", err)
		}

	case slackevents.CallbackEvent:
		// The first delivery already started the work.
		if n := r.Header.Get("X-Slack-Retry-Num"); n != "" {
			log.With("retry_num", n, "reason", r.Header.Get("X-Slack-Retry-Reason")).Info("Dropping retried event")
			w.WriteHeader(http.StatusOK)
			return
		}
		if mention, ok := ev.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			teamID := ev.TeamID
			b.spawn(ctx, func(ctx context.Context) { b.HandleMention(ctx, teamID, mention) })
		}
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// HandleMention turns a mention into a run, or into a follow-up when the
// thread's latest run is still running.
func (b *Bot) HandleMention(ctx context.Context, teamID string, ev *slackevents.AppMentionEvent) {
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	log := clog.FromContext(ctx).With("team_id", teamID, "channel", ev.Channel, "thread_ts", threadTS, "user", ev.User)
	ctx = clog.WithLogger(ctx, log)

	m, err := b.messengers(ctx, teamID)
	if err != nil {
		log.Errorf("no Slack client: %v", err)
		return
	}
	reply := func(text string) {
		if _, _, err := m.PostMessageContext(ctx, ev.Channel, slack.MsgOptionText(text, false), slack.MsgOptionTS(threadTS)); err != nil {
			log.Errorf("failed to reply: %v", err)
		}
	}

	text := strings.TrimSpace(mentionRE.ReplaceAllString(ev.Text, ""))
	if text == "" {
		reply(helpMention)
		return
	}
	prompt, overrides := resolver.ParseOverrides(text)
	if prompt == "" {
		reply(emptyTask)
		return
	}

	if err := m.AddReactionContext(ctx, reactionWorking, slack.NewRefToMessage(ev.Channel, ev.TimeStamp)); err != nil {
		log.Warnf("failed to add reaction: %v", err)
	}
	_, ackTS, err := m.PostMessageContext(ctx, ev.Channel, slack.MsgOptionText(ackText, false), slack.MsgOptionTS(threadTS))
	if err != nil {
		log.Errorf("failed to post acknowledgement: %v", err)
		return
	}
	fail := func(text string) {
		if _, _, _, err := m.UpdateMessageContext(ctx, ev.Channel, ackTS, slack.MsgOptionText(text, false)); err != nil {
			log.Errorf("failed to update acknowledgement: %v", err)
		}
	}

	rc, err := b.resolver.Resolve(ctx, teamID, ev.Channel, overrides)
	if err != nil {
		var rerr *resolver.Error
		if errors.As(err, &rerr) {
			fail("❌ " + rerr.Message)
			return
		}
		log.Errorf("failed to resolve context: %v", err)
		fail("❌ Something went wrong. Please try again.")
		return
	}

	if ev.ThreadTimeStamp != "" && b.followup(ctx, rc.ChannelConfigID, threadTS, prompt) {
		fail(followupAck)
		return
	}

	r, err := b.orch.Launch(ctx, rc, prompt, ev.User, threadTS)
	if err != nil {
		fail("❌ Failed to start: " + err.Error())
		return
	}
	if _, _, _, err := m.UpdateMessageContext(ctx, ev.Channel, ackTS,
		slack.MsgOptionBlocks(render.RunMessage(render.RunMessageOptions{Run: r})...),
		slack.MsgOptionText(render.FallbackText(r), false)); err != nil {
		log.Errorf("failed to render run: %v", err)
	}

	b.track(ctx, r.ID, watch.Destination{
		TeamID:    teamID,
		ChannelID: ev.Channel,
		MessageTS: ackTS,
		MentionTS: ev.TimeStamp,
	})
}

// followup sends text to the thread's running agent, reporting whether
// it did.
func (b *Bot) followup(ctx context.Context, channelConfigID, threadTS, text string) bool {
	log := clog.FromContext(ctx)
	latest, err := b.store.LatestRunByThread(ctx, channelConfigID, threadTS)
	if errors.Is(err, runs.ErrNotFound) {
		return false
	} else if err != nil {
		log.Warnf("failed to look up thread run: %v", err)
		return false
	}
	if latest.Status != runs.StatusRunning {
		return false
	}
	if err := b.orch.Followup(ctx, latest.ID, text); err != nil {
		log.With("run_id", latest.ID).Warnf("follow-up failed, launching a new run: %v", err)
		return false
	}
	return true
}
