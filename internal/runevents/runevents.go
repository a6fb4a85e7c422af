/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package runevents publishes terminal runs as CloudEvents.
package runevents

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/jonboulle/clockwork"
	"google.golang.org/api/idtoken"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/pkg/httpmetrics"
)

// EventTypePrefix is followed by the lowercased run status.
const EventTypePrefix = "dev.chainguard.agentbridge.run."

// NewClient creates a CloudEvents client sending to target. HTTPS targets
// are called with a Google identity token for that audience.
func NewClient(ctx context.Context, target string) (cloudevents.Client, error) {
	client := http.Client{Transport: httpmetrics.Transport}
	if strings.HasPrefix(target, "https://") {
		idc, err := idtoken.NewClient(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("creating idtoken client: %w", err)
		}
		client.Transport = httpmetrics.WrapTransport(idc.Transport)
	}
	return cloudevents.NewClientHTTP(cehttp.WithClient(client), cehttp.WithTarget(target))
}

// Data is the event payload.
type Data struct {
	When         time.Time  `json:"when"`
	RunID        string     `json:"run_id"`
	AgentID      string     `json:"agent_id,omitempty"`
	Status       string     `json:"status"`
	Repo         string     `json:"repo"`
	Branch       string     `json:"branch,omitempty"`
	TargetBranch string     `json:"target_branch,omitempty"`
	PRURL        string     `json:"pr_url,omitempty"`
	Error        string     `json:"error,omitempty"`
	TriggeredBy  string     `json:"triggered_by,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Publisher sends run events.
type Publisher struct {
	client cloudevents.Client
	source string
	clock  clockwork.Clock
}

// New creates a Publisher. source identifies this service in events.
func New(client cloudevents.Client, source string) *Publisher {
	return &Publisher{
		client: client,
		source: source,
		clock:  clockwork.NewRealClock(),
	}
}

// Publish sends one event describing r.
func (p *Publisher) Publish(ctx context.Context, r *runs.Run) error {
	event := cloudevents.NewEvent()
	event.SetID(r.ID + "/" + string(r.Status))
	event.SetType(EventTypePrefix + strings.ToLower(string(r.Status)))
	event.SetSource(p.source)
	event.SetSubject(r.Repo)
	if r.AgentID != "" {
		// Extension names only allow [a-z0-9].
		event.SetExtension("agentid", r.AgentID)
	}
	if r.PRURL != "" {
		event.SetExtension("pullrequesturl", r.PRURL)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, Data{
		When:         p.clock.Now(),
		RunID:        r.ID,
		AgentID:      r.AgentID,
		Status:       string(r.Status),
		Repo:         r.Repo,
		Branch:       r.Branch,
		TargetBranch: r.TargetBranch,
		PRURL:        r.PRURL,
		Error:        r.Error,
		TriggeredBy:  r.TriggeredBy,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}); err != nil {
		return fmt.Errorf("setting event data: %w", err)
	}

	const retryDelay = 10 * time.Millisecond
	const maxRetry = 3
	rctx := cloudevents.ContextWithRetriesExponentialBackoff(context.WithoutCancel(ctx), retryDelay, maxRetry)
	if result := p.client.Send(rctx, event); cloudevents.IsUndelivered(result) || cloudevents.IsNACK(result) {
		return fmt.Errorf("delivering event: %w", result)
	}
	return nil
}
