/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package slackbot connects Slack workspaces to the run orchestrator. It
// serves the Events API, slash commands and interactivity endpoints.
package slackbot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/slack-go/slack"

	"github.com/chainguard-dev/agent-bridge/internal/resolver"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
	"github.com/chainguard-dev/agent-bridge/internal/watch"
)

const maxBodyBytes = 1 << 20

// Orchestrator is the part of *orchestrator.Orchestrator the bot drives.
type Orchestrator interface {
	Launch(ctx context.Context, rc *resolver.Context, prompt, triggeredBy, threadTS string) (*runs.Run, error)
	Cancel(ctx context.Context, runID string) (*runs.Run, error)
	Retry(ctx context.Context, runID string) (*runs.Run, error)
	Followup(ctx context.Context, runID, text string) error
	PollRunCompletion(ctx context.Context, runID string)
}

// Resolver is the part of *resolver.Resolver the bot uses.
type Resolver interface {
	Resolve(ctx context.Context, teamID, channelID string, o resolver.Overrides) (*resolver.Context, error)
}

// Watcher is the part of *watch.Watcher the bot uses.
type Watcher interface {
	Watch(ctx context.Context, runID string, dest watch.Destination)
}

// Store is what the bot reads and writes directly.
type Store interface {
	InstallationStore
	UpsertInstallation(ctx context.Context, in *store.Installation) (*store.Installation, error)
	ChannelConfig(ctx context.Context, installationID, channelID string) (*store.ChannelConfig, error)
	UpsertChannelConfig(ctx context.Context, in *store.ChannelConfig) (*store.ChannelConfig, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]*runs.Run, error)
	LatestRunByThread(ctx context.Context, channelConfigID, threadTS string) (*runs.Run, error)
}

// Bot handles inbound Slack requests.
type Bot struct {
	signingSecret string
	store         Store
	resolver      Resolver
	orch          Orchestrator
	watcher       Watcher
	messengers    Messengers

	wg sync.WaitGroup
}

// Config holds the Bot's collaborators.
type Config struct {
	SigningSecret string
	Store         Store
	Resolver      Resolver
	Orchestrator  Orchestrator
	Watcher       Watcher
	Messengers    Messengers
}

// New creates a Bot.
func New(cfg Config) *Bot {
	return &Bot{
		signingSecret: cfg.SigningSecret,
		store:         cfg.Store,
		resolver:      cfg.Resolver,
		orch:          cfg.Orchestrator,
		watcher:       cfg.Watcher,
		messengers:    cfg.Messengers,
	}
}

// Wait blocks until background work started by handlers is done.
func (b *Bot) Wait() { b.wg.Wait() }

// WaitContext is Wait bounded by ctx.
func (b *Bot) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs f detached from the request that started it.
func (b *Bot) spawn(ctx context.Context, f func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f(ctx)
	}()
}

// track starts the fallback poll and the watch loop for a run.
func (b *Bot) track(ctx context.Context, runID string, dest watch.Destination) {
	b.spawn(ctx, func(ctx context.Context) { b.orch.PollRunCompletion(ctx, runID) })
	b.spawn(ctx, func(ctx context.Context) { b.watcher.Watch(ctx, runID, dest) })
}

// readVerified reads the request body and checks the Slack signature.
func (b *Bot) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	if err := verify(r.Header, body, b.signingSecret); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func verify(h http.Header, body []byte, secret string) error {
	sv, err := slack.NewSecretsVerifier(h, secret)
	if err != nil {
		return fmt.Errorf("invalid signature headers: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	return nil
}
