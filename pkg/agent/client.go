/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/agent-bridge/pkg/httpmetrics"
	"github.com/chainguard-dev/agent-bridge/pkg/httpratelimit"
)

// DefaultBaseURL is the background agents API root.
const DefaultBaseURL = "https://api.cursor.com/v0"

// APIError is returned for any non-2xx response or a body that cannot be
// decoded into the expected shape.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent API error (%d)", e.StatusCode)
}

// ErrPollTimeout is wrapped by PollUntilTerminal when no terminal status is
// observed in time.
var ErrPollTimeout = errors.New("timed out waiting for agent")

// Client talks to the remote agent service with a single API key.
type Client struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	clock   clockwork.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		parsed, err := url.Parse(strings.TrimSuffix(u, "/"))
		if err == nil {
			c.baseURL = parsed
		}
	}
}

// WithHTTPClient overrides the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithClock overrides the real clock used between polls.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	base, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		baseURL: base,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: httpratelimit.NewTransport(httpmetrics.Transport, time.Minute),
		},
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u := *c.baseURL
	p, q, _ := strings.Cut(path, "?")
	u.Path = strings.TrimSuffix(u.Path, "/") + p
	u.RawQuery = q

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	clog.FromContext(ctx).Debugf("agent API request: %s %s", method, u.Path)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		clog.FromContext(ctx).With("status", resp.StatusCode, "body", string(raw)).Error("agent API error")
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw), Message: "invalid JSON response"}
	}
	return nil
}

func (c *Client) decodeAgent(ctx context.Context, method, path string, in any) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, method, path, in, &a); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: err.Error()}
	}
	return &a, nil
}

// Launch starts a new agent.
func (c *Client) Launch(ctx context.Context, lr LaunchRequest) (*Agent, error) {
	return c.decodeAgent(ctx, http.MethodPost, "/agents", lr.body())
}

// Get fetches an agent's current state.
func (c *Client) Get(ctx context.Context, id string) (*Agent, error) {
	return c.decodeAgent(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil)
}

// List returns a page of agents.
func (c *Client) List(ctx context.Context, limit int, cursor string) (*AgentList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var list AgentList
	if err := c.do(ctx, http.MethodGet, "/agents?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	for _, a := range list.Agents {
		if err := a.validate(); err != nil {
			return nil, &APIError{StatusCode: http.StatusOK, Message: err.Error()}
		}
	}
	return &list, nil
}

// Followup sends additional instructions to a running agent.
func (c *Client) Followup(ctx context.Context, id, text string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/followups", followupBody{Prompt: promptBody{Text: text}}, nil)
}

// Cancel stops an agent.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil)
}

// PollOptions controls PollUntilTerminal.
type PollOptions struct {
	// Interval is the minimum time between fetches.
	Interval time.Duration
	// Timeout bounds the wall-clock time spent waiting for a terminal status.
	Timeout time.Duration
	// SettleRetries is the number of extra fetches made after a terminal
	// status while the pull request URL is still empty.
	SettleRetries  int
	SettleInterval time.Duration
	// OnStatusChange is called each time the observed status differs from
	// the previous observation, including the first one.
	OnStatusChange func(*Agent)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// PollUntilTerminal fetches the agent until it reaches a terminal status.
// Timeout also bounds in-flight fetches.
func (c *Client) PollUntilTerminal(parent context.Context, id string, opts PollOptions) (*Agent, error) {
	ctx, cancel := clockwork.WithTimeout(parent, c.clock, opts.Timeout)
	defer cancel()
	timedOut := func() error {
		return fmt.Errorf("%w: agent %s after %v", ErrPollTimeout, id, opts.Timeout)
	}

	start := c.clock.Now()
	var last Status

	for c.clock.Since(start) < opts.Timeout {
		a, err := c.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				return nil, timedOut()
			}
			return nil, err
		}

		if a.Status != last {
			last = a.Status
			if opts.OnStatusChange != nil {
				opts.OnStatusChange(a)
			}
		}

		if a.Status.Terminal() {
			return c.settle(ctx, a, opts), nil
		}

		if err := c.sleep(ctx, opts.Interval); err != nil {
			if parent.Err() == nil {
				return nil, timedOut()
			}
			return nil, err
		}
	}

	return nil, timedOut()
}

// settle gives a just-finished agent a few chances to report its pull
// request URL. Failures here keep the last good observation.
func (c *Client) settle(ctx context.Context, a *Agent, opts PollOptions) *Agent {
	for i := 0; i < opts.SettleRetries && a.Target.PullRequest() == ""; i++ {
		if err := c.sleep(ctx, opts.SettleInterval); err != nil {
			return a
		}
		next, err := c.Get(ctx, a.ID)
		if err != nil {
			clog.FromContext(ctx).Warnf("settle fetch for agent %s failed: %v", a.ID, err)
			return a
		}
		a = next
	}
	return a
}
