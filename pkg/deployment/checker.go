/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package deployment reports the deployment status GitHub has recorded for
// a commit or branch, preferring a live preview URL when one is available.
package deployment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/chainguard-dev/agent-bridge/pkg/httpmetrics"
)

// State is a commit status state. The empty State means unknown.
type State string

const (
	StateUnknown State = ""
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// Final reports whether polling should stop on this state.
func (s State) Final() bool {
	return s == StateSuccess || s == StateFailure || s == StateError
}

// Status is the deployment status found for a ref.
type Status struct {
	State       State
	TargetURL   string
	Description string
}

var (
	// Commit status contexts that indicate a deployment.
	statusKeywords = []string{"vercel", "deployment"}
	// Deployment environments that carry a browsable URL.
	environmentKeywords = []string{"preview", "production"}
)

// Checker queries GitHub for deployment status. A nil Checker, or one made
// without credentials, always reports StateUnknown without calling GitHub.
type Checker struct {
	client *github.Client
	clock  clockwork.Clock
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides the real clock used between attempts.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

// NewChecker wraps an existing GitHub client.
func NewChecker(client *github.Client, opts ...Option) *Checker {
	c := &Checker{
		client: client,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromToken creates a Checker authenticating with a static token. An
// empty token yields a disabled Checker.
func NewFromToken(ctx context.Context, token string, opts ...Option) *Checker {
	if token == "" {
		return NewChecker(nil, opts...)
	}
	oc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return NewChecker(github.NewClient(&http.Client{
		Transport: httpmetrics.WrapTransport(oc.Transport),
	}), opts...)
}

// NewFromApp creates a Checker authenticating as a GitHub App installation.
func NewFromApp(appID, installationID int64, privateKey []byte, opts ...Option) (*Checker, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	return NewChecker(github.NewClient(&http.Client{
		Transport: httpmetrics.WrapTransport(tr),
	}), opts...), nil
}

// Enabled reports whether the Checker can reach GitHub.
func (c *Checker) Enabled() bool {
	return c != nil && c.client != nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(strings.Trim(repo, "/"), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

func containsAny(s string, keywords []string) bool {
	s = strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Check makes a single status lookup for ref.
func (c *Checker) Check(ctx context.Context, repo, ref string) (Status, error) {
	if !c.Enabled() {
		return Status{}, nil
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Status{}, err
	}

	combined, _, err := c.client.Repositories.GetCombinedStatus(ctx, owner, name, ref, nil)
	if err != nil {
		return Status{}, fmt.Errorf("getting combined status: %w", err)
	}

	var match *github.RepoStatus
	for _, s := range combined.Statuses {
		if containsAny(s.GetContext(), statusKeywords) {
			match = s
			break
		}
	}
	if match == nil {
		return Status{}, nil
	}

	st := Status{
		State:       State(match.GetState()),
		TargetURL:   match.GetTargetURL(),
		Description: match.GetDescription(),
	}
	if st.State == StateSuccess {
		preview, err := c.previewURL(ctx, owner, name, ref)
		if err != nil {
			clog.FromContext(ctx).Warnf("looking up preview URL for %s@%s: %v", repo, ref, err)
		} else if preview != "" {
			st.TargetURL = preview
		}
	}
	return st, nil
}

func (c *Checker) previewURL(ctx context.Context, owner, name, ref string) (string, error) {
	deployments, _, err := c.client.Repositories.ListDeployments(ctx, owner, name, &github.DeploymentsListOptions{
		SHA:         ref,
		ListOptions: github.ListOptions{PerPage: 5},
	})
	if err != nil {
		return "", fmt.Errorf("listing deployments: %w", err)
	}

	var found *github.Deployment
	for _, d := range deployments {
		if containsAny(d.GetEnvironment(), environmentKeywords) {
			found = d
			break
		}
	}
	if found == nil {
		return "", nil
	}

	statuses, _, err := c.client.Repositories.ListDeploymentStatuses(ctx, owner, name, found.GetID(), nil)
	if err != nil {
		return "", fmt.Errorf("listing deployment statuses: %w", err)
	}
	for _, s := range statuses {
		if s.GetState() != string(StateSuccess) {
			continue
		}
		if u := s.GetEnvironmentURL(); u != "" {
			return u, nil
		}
		return s.GetTargetURL(), nil
	}
	return "", nil
}

// PollOptions bounds Poll.
type PollOptions struct {
	MaxAttempts int
	Interval    time.Duration
}

// Poll checks ref until a final state is seen or the attempts run out, in
// which case it returns StateUnknown. A missing status context is
// indistinguishable from one not yet posted, so it is retried.
func (c *Checker) Poll(ctx context.Context, repo, ref string, opts PollOptions) Status {
	if !c.Enabled() {
		return Status{}
	}
	log := clog.FromContext(ctx).With("repo", repo, "ref", ref)

	for i := 0; i < opts.MaxAttempts; i++ {
		st, err := c.Check(ctx, repo, ref)
		if err != nil {
			log.Warnf("deployment status check failed: %v", err)
		} else if st.State.Final() {
			return st
		}

		if i < opts.MaxAttempts-1 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return Status{}
			case <-c.clock.After(opts.Interval):
			}
		}
	}
	return Status{}
}
