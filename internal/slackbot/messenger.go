/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package slackbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/slack-go/slack"

	"github.com/chainguard-dev/agent-bridge/internal/store"
	"github.com/chainguard-dev/agent-bridge/pkg/httpmetrics"
)

// Messenger is the part of *slack.Client the bot uses.
type Messenger interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	OpenViewContext(ctx context.Context, triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
}

var _ Messenger = (*slack.Client)(nil)

// Messengers returns the Messenger for a workspace.
type Messengers func(ctx context.Context, teamID string) (Messenger, error)

// InstallationStore looks up per-workspace bot tokens.
type InstallationStore interface {
	InstallationByTeam(ctx context.Context, teamID string) (*store.Installation, error)
}

// NewMessengers returns Messengers that use the installation's bot token,
// or fallbackToken when the installation has none.
func NewMessengers(s InstallationStore, fallbackToken string, opts ...slack.Option) Messengers {
	var clients sync.Map // token -> *slack.Client
	hc := &http.Client{Transport: httpmetrics.Transport}
	opts = append([]slack.Option{slack.OptionHTTPClient(hc)}, opts...)

	return func(ctx context.Context, teamID string) (Messenger, error) {
		token := fallbackToken
		inst, err := s.InstallationByTeam(ctx, teamID)
		switch {
		case err == nil && inst.BotToken != "":
			token = inst.BotToken
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("looking up bot token: %w", err)
		}
		if token == "" {
			return nil, fmt.Errorf("no bot token for team %s", teamID)
		}
		if c, ok := clients.Load(token); ok {
			return c.(*slack.Client), nil
		}
		c, _ := clients.LoadOrStore(token, slack.New(token, opts...))
		return c.(*slack.Client), nil
	}
}
