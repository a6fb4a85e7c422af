/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package runs holds the run record shared by every path that observes an
// agent job, and the single function through which it is mutated.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/agent-bridge/pkg/agent"
)

var (
	// ErrNotFound is returned when a run, or something a run needs, does
	// not exist.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidTransition is returned for updates a run can never accept.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusCreating  Status = "CREATING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ExpiredError is recorded on runs whose agent expired remotely.
const ExpiredError = "agent expired"

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch {
	case s == StatusCreating:
		return 0
	case s == StatusRunning:
		return 1
	case s.Terminal():
		return 2
	}
	return -1
}

// Run is one agent invocation triggered from a chat thread.
type Run struct {
	ID              string
	ChannelConfigID string
	ThreadTS        string
	TriggeredBy     string
	Repo            string
	Branch          string
	Model           string
	Prompt          string
	DryRun          bool

	AgentID      string
	Status       Status
	Summary      string
	PRURL        string
	TargetBranch string
	Error        string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Update is a partial change to a Run. Empty fields leave the Run alone.
type Update struct {
	Status       Status
	AgentID      string
	Summary      string
	PRURL        string
	TargetBranch string
	Error        string
}

// Empty reports whether u carries nothing to apply.
func (u Update) Empty() bool {
	return u == Update{}
}

// Apply merges u into r at time now and reports whether r changed.
//
// Status only moves forward: CREATING, then RUNNING, then one terminal
// state. Updates that would move it backwards or out of a terminal state
// are ignored rather than rejected, since the webhook and the poller race.
// Once terminal, only empty PRURL, Summary and TargetBranch are filled in.
// AgentID is written once; a different value is ErrInvalidTransition and
// nothing is applied.
func (r *Run) Apply(u Update, now time.Time) (bool, error) {
	if u.Status != "" && u.Status.rank() < 0 {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, u.Status)
	}
	if u.AgentID != "" && r.AgentID != "" && u.AgentID != r.AgentID {
		return false, fmt.Errorf("%w: run %s already has agent %s, got %s", ErrInvalidTransition, r.ID, r.AgentID, u.AgentID)
	}

	changed := false
	set := func(dst *string, v string, onlyEmpty bool) {
		if v == "" || *dst == v || (onlyEmpty && *dst != "") {
			return
		}
		*dst = v
		changed = true
	}

	set(&r.AgentID, u.AgentID, true)

	if r.Status.Terminal() {
		set(&r.PRURL, u.PRURL, true)
		set(&r.Summary, u.Summary, true)
		set(&r.TargetBranch, u.TargetBranch, true)
		return changed, nil
	}

	if u.Status != "" && u.Status.rank() > r.Status.rank() {
		r.Status = u.Status
		changed = true
		if r.StartedAt == nil && u.Status == StatusRunning {
			r.StartedAt = &now
		}
		if r.CompletedAt == nil && u.Status.Terminal() {
			r.CompletedAt = &now
		}
	}
	set(&r.PRURL, u.PRURL, false)
	set(&r.Summary, u.Summary, false)
	set(&r.TargetBranch, u.TargetBranch, false)
	set(&r.Error, u.Error, false)
	return changed, nil
}

// FromAgentStatus maps a remote job status onto a run status. Statuses with
// no run equivalent report false.
func FromAgentStatus(s agent.Status) (Status, bool) {
	switch s {
	case agent.StatusRunning:
		return StatusRunning, true
	case agent.StatusFinished:
		return StatusCompleted, true
	case agent.StatusFailed, agent.StatusExpired:
		return StatusFailed, true
	case agent.StatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}

// UpdateFromAgent builds the Update that records what a remote job reports.
func UpdateFromAgent(a *agent.Agent) Update {
	u := Update{
		AgentID:      a.ID,
		Summary:      a.Summary,
		PRURL:        a.Target.PullRequest(),
		TargetBranch: a.Target.BranchRef(),
	}
	if st, ok := FromAgentStatus(a.Status); ok {
		u.Status = st
	}
	if a.Status == agent.StatusExpired {
		u.Error = ExpiredError
	}
	return u
}

// Store persists runs. UpdateRun applies an Update atomically.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByAgentID(ctx context.Context, agentID string) (*Run, error)
	UpdateRun(ctx context.Context, id string, u Update) (*Run, bool, error)
}
