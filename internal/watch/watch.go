/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package watch follows a run until it is terminal and then announces it,
// along with any deployment its branch produced.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/pkg/deployment"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultMaxChecks = 360
)

// Destination is where notifications about a run go.
type Destination struct {
	TeamID    string
	ChannelID string
	// MessageTS is the message to update in place.
	MessageTS string
	// MentionTS is the message that triggered the run, if any.
	MentionTS string
}

// Notifier renders run updates to users.
type Notifier interface {
	RunUpdated(ctx context.Context, dest Destination, r *runs.Run, deploymentURL string) error
}

// DeployPoller finds the deployment for a branch.
type DeployPoller interface {
	Poll(ctx context.Context, repo, ref string, opts deployment.PollOptions) deployment.Status
}

// Publisher announces terminal runs to other systems.
type Publisher interface {
	Publish(ctx context.Context, r *runs.Run) error
}

// Store is the read side of the run store.
type Store interface {
	GetRun(ctx context.Context, id string) (*runs.Run, error)
}

// Watcher polls the run store. It never writes runs.
type Watcher struct {
	store     Store
	notifier  Notifier
	deploy    DeployPoller
	deployOpt deployment.PollOptions
	publisher Publisher
	clock     clockwork.Clock
	interval  time.Duration
	maxChecks int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the clock used between checks.
func WithClock(clock clockwork.Clock) Option {
	return func(w *Watcher) { w.clock = clock }
}

// WithInterval sets the time between checks.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithMaxChecks bounds the number of checks.
func WithMaxChecks(n int) Option {
	return func(w *Watcher) { w.maxChecks = n }
}

// WithDeployments enables the deployment lookup for completed runs.
func WithDeployments(p DeployPoller, opts deployment.PollOptions) Option {
	return func(w *Watcher) {
		w.deploy = p
		w.deployOpt = opts
	}
}

// WithPublisher publishes terminal runs.
func WithPublisher(p Publisher) Option {
	return func(w *Watcher) { w.publisher = p }
}

// New creates a Watcher.
func New(store Store, notifier Notifier, opts ...Option) *Watcher {
	w := &Watcher{
		store:     store,
		notifier:  notifier,
		clock:     clockwork.NewRealClock(),
		interval:  DefaultInterval,
		maxChecks: DefaultMaxChecks,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch blocks until the run is terminal, the checks run out, or ctx is
// done. It is meant to run in its own goroutine.
func (w *Watcher) Watch(ctx context.Context, runID string, dest Destination) {
	log := clog.FromContext(ctx).With("run_id", runID, "channel", dest.ChannelID)

	for i := 0; i < w.maxChecks; i++ {
		select {
		case <-ctx.Done():
			log.Infof("watch stopped: %v", ctx.Err())
			return
		case <-w.clock.After(w.interval):
		}

		r, err := w.store.GetRun(ctx, runID)
		if errors.Is(err, runs.ErrNotFound) {
			log.Warn("Run not found during watch")
			return
		} else if err != nil {
			log.Warnf("failed to read run: %v", err)
			continue
		}
		if !r.Status.Terminal() {
			continue
		}

		w.finish(ctx, r, dest)
		return
	}
	log.Warn("watch timed out")
}

func (w *Watcher) finish(ctx context.Context, r *runs.Run, dest Destination) {
	log := clog.FromContext(ctx).With("run_id", r.ID, "status", r.Status)

	if err := w.notifier.RunUpdated(ctx, dest, r, ""); err != nil {
		log.Errorf("failed to notify run update: %v", err)
	}
	if w.publisher != nil {
		if err := w.publisher.Publish(ctx, r); err != nil {
			log.Errorf("failed to publish run event: %v", err)
		}
	}

	if w.deploy == nil || r.Status != runs.StatusCompleted || r.TargetBranch == "" {
		return
	}
	st := w.deploy.Poll(ctx, r.Repo, r.TargetBranch, w.deployOpt)
	if st.State != deployment.StateSuccess || st.TargetURL == "" {
		log.With("state", st.State).Debug("no deployment to announce")
		return
	}
	if err := w.notifier.RunUpdated(ctx, dest, r, st.TargetURL); err != nil {
		log.Errorf("failed to notify deployment: %v", err)
	}
}
