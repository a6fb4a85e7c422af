/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator drives runs through their lifecycle against the
// remote agent service.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chainguard-dev/agent-bridge/internal/resolver"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
	"github.com/chainguard-dev/agent-bridge/pkg/agent"
)

var (
	mLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_bridge_launches_total",
			Help: "The number of agent launches by outcome.",
		},
		[]string{"outcome"},
	)
	mRunUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_bridge_run_updates_total",
			Help: "The number of run updates that changed a run, by source and resulting status.",
		},
		[]string{"source", "status"},
	)
)

// RecordRunUpdate counts a run update that changed something.
func RecordRunUpdate(source string, status runs.Status) {
	mRunUpdates.With(prometheus.Labels{"source": source, "status": string(status)}).Inc()
}

// AgentClient is the part of *agent.Client the orchestrator uses.
type AgentClient interface {
	Launch(ctx context.Context, lr agent.LaunchRequest) (*agent.Agent, error)
	Cancel(ctx context.Context, id string) error
	Followup(ctx context.Context, id, text string) error
	PollUntilTerminal(ctx context.Context, id string, opts agent.PollOptions) (*agent.Agent, error)
}

// ClientFactory returns a client authenticating with apiKey.
type ClientFactory func(apiKey string) AgentClient

// Store is what the orchestrator reads and writes.
type Store interface {
	runs.Store
	ChannelConfigByID(ctx context.Context, id string) (*store.ChannelConfig, error)
	InstallationByID(ctx context.Context, id string) (*store.Installation, error)
}

// DefaultPollOptions match the fallback poller's historical behavior.
var DefaultPollOptions = agent.PollOptions{
	Interval: 5 * time.Second,
	Timeout:  10 * time.Minute,
}

// Orchestrator launches and manages runs.
type Orchestrator struct {
	store      Store
	clients    ClientFactory
	webhookURL string
	poll       agent.PollOptions
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWebhookURL sets the URL the remote service should call back.
func WithWebhookURL(u string) Option {
	return func(o *Orchestrator) { o.webhookURL = u }
}

// WithPollOptions overrides DefaultPollOptions for PollRunCompletion.
func WithPollOptions(p agent.PollOptions) Option {
	return func(o *Orchestrator) { o.poll = p }
}

// New creates an Orchestrator.
func New(s Store, clients ClientFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   s,
		clients: clients,
		poll:    DefaultPollOptions,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Launch records a new run and starts an agent for it. The returned run is
// RUNNING with an AgentID, or, together with the error, FAILED. An agent
// whose run cannot be recorded is cancelled.
func (o *Orchestrator) Launch(ctx context.Context, rc *resolver.Context, prompt, triggeredBy, threadTS string) (*runs.Run, error) {
	r := &runs.Run{
		ChannelConfigID: rc.ChannelConfigID,
		ThreadTS:        threadTS,
		TriggeredBy:     triggeredBy,
		Repo:            rc.Repo,
		Branch:          rc.Branch,
		Model:           rc.Model,
		Prompt:          prompt,
		DryRun:          rc.DryRun,
		Status:          runs.StatusCreating,
	}
	if err := o.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	log := clog.FromContext(ctx).With("run_id", r.ID, "repo", r.Repo)
	log.Info("Run created")

	client := o.clients(rc.APIKey)
	a, err := client.Launch(ctx, agent.LaunchRequest{
		Prompt:       prompt,
		Repository:   rc.Repo,
		Ref:          rc.Branch,
		Model:        rc.Model,
		AutoCreatePR: !rc.DryRun,
		WebhookURL:   o.webhookURL,
	})
	if err != nil {
		mLaunches.With(prometheus.Labels{"outcome": "failure"}).Inc()
		log.Errorf("Failed to launch agent: %v", err)
		// The caller's context may already be done; the failure must still land.
		failed, _, uerr := o.store.UpdateRun(context.WithoutCancel(ctx), r.ID, runs.Update{
			Status: runs.StatusFailed,
			Error:  err.Error(),
		})
		if uerr != nil {
			log.Errorf("Failed to record launch failure: %v", uerr)
			return r, err
		}
		RecordRunUpdate("launch", failed.Status)
		return failed, err
	}
	mLaunches.With(prometheus.Labels{"outcome": "success"}).Inc()
	log = log.With("agent_id", a.ID)

	// The agent exists now, so its run must leave CREATING either way.
	ctx = context.WithoutCancel(ctx)
	running, err := o.recordAgent(ctx, r.ID, a.ID)
	if err != nil {
		log.Errorf("Failed to record agent: %v", err)
		return o.abandon(ctx, r, client, a.ID, fmt.Errorf("recording agent %s: %w", a.ID, err))
	}
	RecordRunUpdate("launch", running.Status)
	log.Info("Agent launched")
	return running, nil
}

// recordAgent marks runID RUNNING under agentID, retrying once.
func (o *Orchestrator) recordAgent(ctx context.Context, runID, agentID string) (*runs.Run, error) {
	u := runs.Update{AgentID: agentID, Status: runs.StatusRunning}
	running, _, err := o.store.UpdateRun(ctx, runID, u)
	if err == nil {
		return running, nil
	}
	clog.FromContext(ctx).Warnf("Retrying agent record for run %s: %v", runID, err)
	running, _, err = o.store.UpdateRun(ctx, runID, u)
	return running, err
}

// abandon cancels an agent whose run could not be recorded and marks the
// run FAILED with cause.
func (o *Orchestrator) abandon(ctx context.Context, r *runs.Run, client AgentClient, agentID string, cause error) (*runs.Run, error) {
	log := clog.FromContext(ctx).With("run_id", r.ID, "agent_id", agentID)
	if err := client.Cancel(ctx, agentID); err != nil {
		log.Errorf("Failed to cancel unrecorded agent: %v", err)
	}
	failed, _, err := o.store.UpdateRun(ctx, r.ID, runs.Update{
		Status: runs.StatusFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		log.Errorf("Failed to record launch failure: %v", err)
		return r, cause
	}
	RecordRunUpdate("launch", failed.Status)
	return failed, cause
}

// apiKey finds the agent credential that launched r.
func (o *Orchestrator) apiKey(ctx context.Context, r *runs.Run) (string, error) {
	cfg, err := o.store.ChannelConfigByID(ctx, r.ChannelConfigID)
	if err != nil {
		return "", fmt.Errorf("channel config for run %s: %w", r.ID, err)
	}
	inst, err := o.store.InstallationByID(ctx, cfg.InstallationID)
	if err != nil {
		return "", fmt.Errorf("installation for run %s: %w", r.ID, err)
	}
	if inst.AgentAPIKey == "" {
		return "", fmt.Errorf("%w: no api key for run %s", runs.ErrNotFound, r.ID)
	}
	return inst.AgentAPIKey, nil
}

// withAgent loads a run that has an agent and the client to reach it.
func (o *Orchestrator) withAgent(ctx context.Context, runID string) (*runs.Run, AgentClient, error) {
	r, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if r.AgentID == "" {
		return nil, nil, fmt.Errorf("%w: run %s has no agent", runs.ErrNotFound, runID)
	}
	key, err := o.apiKey(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	return r, o.clients(key), nil
}

// Cancel stops the run's agent and marks the run CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*runs.Run, error) {
	r, client, err := o.withAgent(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := client.Cancel(ctx, r.AgentID); err != nil {
		return nil, fmt.Errorf("cancelling agent %s: %w", r.AgentID, err)
	}

	cancelled, changed, err := o.store.UpdateRun(ctx, runID, runs.Update{Status: runs.StatusCancelled})
	if err != nil {
		return nil, fmt.Errorf("recording cancellation: %w", err)
	}
	if changed {
		RecordRunUpdate("cancel", cancelled.Status)
	}
	clog.FromContext(ctx).With("run_id", runID, "agent_id", r.AgentID).Info("Run cancelled")
	return cancelled, nil
}

// Retry launches a new run with the same parameters as runID. Retries
// always open a pull request.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (*runs.Run, error) {
	r, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	cfg, err := o.store.ChannelConfigByID(ctx, r.ChannelConfigID)
	if err != nil {
		return nil, fmt.Errorf("channel config for run %s: %w", r.ID, err)
	}
	key, err := o.apiKey(ctx, r)
	if err != nil {
		return nil, err
	}

	return o.Launch(ctx, &resolver.Context{
		InstallationID:  cfg.InstallationID,
		ChannelConfigID: r.ChannelConfigID,
		APIKey:          key,
		Repo:            r.Repo,
		Branch:          r.Branch,
		Model:           r.Model,
		DryRun:          false,
	}, r.Prompt, r.TriggeredBy, r.ThreadTS)
}

// Followup sends additional instructions to the run's agent.
func (o *Orchestrator) Followup(ctx context.Context, runID, text string) error {
	r, client, err := o.withAgent(ctx, runID)
	if err != nil {
		return err
	}
	if err := client.Followup(ctx, r.AgentID, text); err != nil {
		return fmt.Errorf("sending follow-up to agent %s: %w", r.AgentID, err)
	}
	clog.FromContext(ctx).With("run_id", runID, "agent_id", r.AgentID).Info("Follow-up sent")
	return nil
}

// PollRunCompletion polls the run's agent until it is terminal and records
// the outcome. It is the fallback for a missed webhook, so failures are
// logged rather than returned.
func (o *Orchestrator) PollRunCompletion(ctx context.Context, runID string) {
	log := clog.FromContext(ctx).With("run_id", runID)

	r, client, err := o.withAgent(ctx, runID)
	if err != nil {
		log.Warnf("Not polling run: %v", err)
		return
	}
	log = log.With("agent_id", r.AgentID)

	opts := o.poll
	opts.OnStatusChange = func(a *agent.Agent) {
		log.With("status", a.Status).Debug("Agent status changed")
	}
	a, err := client.PollUntilTerminal(ctx, r.AgentID, opts)
	if err != nil {
		log.Errorf("Failed to poll run completion: %v", err)
		return
	}

	updated, changed, err := o.store.UpdateRun(ctx, runID, runs.UpdateFromAgent(a))
	if err != nil {
		log.Errorf("Failed to record run completion: %v", err)
		return
	}
	if changed {
		RecordRunUpdate("poll", updated.Status)
	}
	log.With("status", updated.Status, "pr_url", updated.PRURL).Info("Run completed")
}
