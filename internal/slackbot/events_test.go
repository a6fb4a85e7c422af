/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package slackbot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/slack-go/slack/slackevents"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/watch"
)

const mentionEvent = `{
	"type": "event_callback",
	"team_id": "T1",
	"api_app_id": "A1",
	"event": {
		"type": "app_mention",
		"user": "U1",
		"text": "<@UBOT> add a health check --branch dev",
		"ts": "1000.1",
		"channel": "C1",
		"event_ts": "1000.1"
	}
}`

func TestEventsURLVerification(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.bot.Events(rec, signedRequest(t, "/slack/events", "application/json",
		`{"token":"t","type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("body = %q", got)
	}
}

func TestEventsRejectsUnsigned(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(mentionEvent))
	rec := httptest.NewRecorder()
	f.bot.Events(rec, req)
	f.bot.Wait()

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(f.orch.launches) != 0 {
		t.Errorf("launched %v", f.orch.launches)
	}
}

func TestEventsMention(t *testing.T) {
	f := newFixture(t)
	f.configure(t)

	rec := httptest.NewRecorder()
	f.bot.Events(rec, signedRequest(t, "/slack/events", "application/json", mentionEvent))
	f.bot.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if diff := cmp.Diff([]string{"add a health check"}, f.orch.launches); diff != "" {
		t.Errorf("launches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"run-1"}, f.orch.polls); diff != "" {
		t.Errorf("polls (-want +got):\n%s", diff)
	}
	want := watch.Destination{TeamID: "T1", ChannelID: "C1", MessageTS: "2000.1", MentionTS: "1000.1"}
	if diff := cmp.Diff(want, f.watcher.dests["run-1"]); diff != "" {
		t.Errorf("watch destination (-want +got):\n%s", diff)
	}
}

func TestEventsDropsRetries(t *testing.T) {
	f := newFixture(t)
	f.configure(t)

	req := signedRequest(t, "/slack/events", "application/json", mentionEvent)
	req.Header.Set("X-Slack-Retry-Num", "1")
	req.Header.Set("X-Slack-Retry-Reason", "http_timeout")
	rec := httptest.NewRecorder()
	f.bot.Events(rec, req)
	f.bot.Wait()

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if len(f.orch.launches) != 0 || len(f.slack.calls) != 0 {
		t.Errorf("retried event was processed: launches=%v calls=%v", f.orch.launches, f.slack.calls)
	}
}

func TestHandleMention(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		configure bool
		launchErr error
		wantPosts []call
		wantLast  string // text of the last chat.update
		launches  int
	}{{
		name:      "empty mention gets help",
		text:      "<@UBOT>",
		configure: true,
		wantPosts: []call{{Method: "chat.postMessage", Channel: "C1", ThreadTS: "1000.1", Text: helpMention}},
	}, {
		name:      "only overrides",
		text:      "<@UBOT> --dry-run --model gpt-5",
		configure: true,
		wantPosts: []call{{Method: "chat.postMessage", Channel: "C1", ThreadTS: "1000.1", Text: emptyTask}},
	}, {
		name:      "unconfigured workspace",
		text:      "<@UBOT> fix the build",
		wantPosts: []call{{Method: "chat.postMessage", Channel: "C1", ThreadTS: "1000.1", Text: ackText}},
		wantLast:  "❌ The bot is not installed in this workspace.",
	}, {
		name:      "launch failure",
		text:      "<@UBOT> fix the build",
		configure: true,
		launchErr: errors.New("agent API 401: unauthorized"),
		wantPosts: []call{{Method: "chat.postMessage", Channel: "C1", ThreadTS: "1000.1", Text: ackText}},
		wantLast:  "❌ Failed to start: agent API 401: unauthorized",
		launches:  1,
	}, {
		name:      "launch",
		text:      "<@UBOT> fix the build",
		configure: true,
		wantPosts: []call{{Method: "chat.postMessage", Channel: "C1", ThreadTS: "1000.1", Text: ackText}},
		wantLast:  "Running: fix the build",
		launches:  1,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.configure {
				f.configure(t)
			}
			f.orch.launchErr = tt.launchErr

			f.bot.HandleMention(context.Background(), "T1", &slackevents.AppMentionEvent{
				User:      "U1",
				Text:      tt.text,
				TimeStamp: "1000.1",
				Channel:   "C1",
			})
			f.bot.Wait()

			if diff := cmp.Diff(tt.wantPosts, f.slack.byMethod("chat.postMessage")); diff != "" {
				t.Errorf("posts (-want +got):\n%s", diff)
			}
			updates := f.slack.byMethod("chat.update")
			switch {
			case tt.wantLast == "" && len(updates) != 0:
				t.Errorf("unexpected updates: %v", updates)
			case tt.wantLast != "":
				if len(updates) == 0 {
					t.Fatal("no chat.update")
				}
				last := updates[len(updates)-1]
				if last.Text != tt.wantLast || last.TS != "2000.1" {
					t.Errorf("last update = %+v, want text %q on 2000.1", last, tt.wantLast)
				}
			}
			if len(f.orch.launches) != tt.launches {
				t.Errorf("launches = %v, want %d", f.orch.launches, tt.launches)
			}
		})
	}
}

func TestHandleMentionReactions(t *testing.T) {
	f := newFixture(t)
	f.configure(t)
	f.bot.HandleMention(context.Background(), "T1", &slackevents.AppMentionEvent{
		User: "U1", Text: "<@UBOT> fix it", TimeStamp: "1000.1", Channel: "C1",
	})
	f.bot.Wait()

	want := []call{{Method: "reactions.add", Channel: "C1", TS: "1000.1", Name: "eyes"}}
	if diff := cmp.Diff(want, f.slack.byMethod("reactions.add")); diff != "" {
		t.Errorf("reactions (-want +got):\n%s", diff)
	}
	updates := f.slack.byMethod("chat.update")
	if len(updates) != 1 || !strings.Contains(updates[0].Blocks, "cancel_run") {
		t.Errorf("run message should carry a cancel button: %+v", updates)
	}
}

func TestHandleMentionFollowup(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name          string
		status        runs.Status
		wantFollowups []string
		wantLaunches  []string
	}{{
		name:          "running run gets a follow-up",
		status:        runs.StatusRunning,
		wantFollowups: []string{"RUNID: also add tests"},
	}, {
		name:         "finished run starts a new one",
		status:       runs.StatusCompleted,
		wantLaunches: []string{"also add tests"},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cfg := f.configure(t)

			r := &runs.Run{ChannelConfigID: cfg.ID, ThreadTS: "1000.1", Repo: "acme/web", Branch: "main", Prompt: "fix it"}
			if err := f.store.CreateRun(ctx, r); err != nil {
				t.Fatal(err)
			}
			if _, _, err := f.store.UpdateRun(ctx, r.ID, runs.Update{AgentID: "bc-1", Status: runs.StatusRunning}); err != nil {
				t.Fatal(err)
			}
			if tt.status != runs.StatusRunning {
				if _, _, err := f.store.UpdateRun(ctx, r.ID, runs.Update{Status: tt.status}); err != nil {
					t.Fatal(err)
				}
			}

			f.bot.HandleMention(ctx, "T1", &slackevents.AppMentionEvent{
				User:            "U1",
				Text:            "<@UBOT> also add tests",
				TimeStamp:       "1000.9",
				ThreadTimeStamp: "1000.1",
				Channel:         "C1",
			})
			f.bot.Wait()

			var wantFollowups []string
			for _, fu := range tt.wantFollowups {
				wantFollowups = append(wantFollowups, strings.Replace(fu, "RUNID", r.ID, 1))
			}
			if diff := cmp.Diff(wantFollowups, f.orch.followups); diff != "" {
				t.Errorf("followups (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantLaunches, f.orch.launches); diff != "" {
				t.Errorf("launches (-want +got):\n%s", diff)
			}
		})
	}
}
