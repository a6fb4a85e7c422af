/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package agent

import (
	"fmt"
	"strings"
	"time"
)

// Status is the remote agent job status.
type Status string

const (
	StatusCreating  Status = "CREATING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// ParseStatus normalizes a status string as received over the wire.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// Terminal reports whether the remote job will not change status again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Source is the repository and ref an agent works from.
type Source struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

// Target describes where an agent's work lands. The API has shipped both
// field spellings for the branch and pull request URL, so both are accepted.
type Target struct {
	BranchName     string `json:"branchName,omitempty"`
	Branch         string `json:"branch,omitempty"`
	URL            string `json:"url,omitempty"`
	PRURL          string `json:"prUrl,omitempty"`
	PullRequestURL string `json:"pullRequestUrl,omitempty"`
	AutoCreatePR   bool   `json:"autoCreatePr,omitempty"`
}

// PullRequest returns the pull request URL, if any.
func (t *Target) PullRequest() string {
	if t == nil {
		return ""
	}
	if t.PRURL != "" {
		return t.PRURL
	}
	return t.PullRequestURL
}

// BranchRef returns the branch the agent pushed to, if any.
func (t *Target) BranchRef() string {
	if t == nil {
		return ""
	}
	if t.BranchName != "" {
		return t.BranchName
	}
	return t.Branch
}

// Agent is a remote agent job.
type Agent struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Status     Status     `json:"status"`
	Source     Source     `json:"source"`
	Target     *Target    `json:"target,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (a *Agent) validate() error {
	if a.ID == "" {
		return fmt.Errorf("missing required field %q", "id")
	}
	if a.Status == "" {
		return fmt.Errorf("missing required field %q", "status")
	}
	a.Status = ParseStatus(string(a.Status))
	return nil
}

// AgentList is a page of agents.
type AgentList struct {
	Agents     []*Agent `json:"agents"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// LaunchRequest holds the parameters for launching an agent.
type LaunchRequest struct {
	Prompt string
	// Repository is either "owner/repo" or a full repository URL.
	Repository string
	Ref        string
	// Model may be empty or "auto" to let the service choose.
	Model        string
	AutoCreatePR bool
	BranchName   string
	WebhookURL   string
}

type promptBody struct {
	Text string `json:"text"`
}

type webhookBody struct {
	URL string `json:"url"`
}

type targetBody struct {
	AutoCreatePR bool   `json:"autoCreatePr"`
	BranchName   string `json:"branchName,omitempty"`
}

type launchBody struct {
	Prompt  promptBody   `json:"prompt"`
	Source  Source       `json:"source"`
	Target  targetBody   `json:"target"`
	Model   string       `json:"model,omitempty"`
	Webhook *webhookBody `json:"webhook,omitempty"`
}

type followupBody struct {
	Prompt promptBody `json:"prompt"`
}

func (lr LaunchRequest) body() launchBody {
	b := launchBody{
		Prompt: promptBody{Text: lr.Prompt},
		Source: Source{
			Repository: RepositoryURL(lr.Repository),
			Ref:        lr.Ref,
		},
		Target: targetBody{
			AutoCreatePR: lr.AutoCreatePR,
			BranchName:   lr.BranchName,
		},
	}
	if lr.Model != "" && !strings.EqualFold(lr.Model, "auto") {
		b.Model = lr.Model
	}
	if lr.WebhookURL != "" {
		b.Webhook = &webhookBody{URL: lr.WebhookURL}
	}
	return b
}

// RepositoryURL turns an "owner/repo" reference into a GitHub URL and leaves
// full URLs alone.
func RepositoryURL(repo string) string {
	if strings.HasPrefix(repo, "https://") || strings.HasPrefix(repo, "http://") {
		return repo
	}
	return "https://github.com/" + strings.Trim(repo, "/")
}
