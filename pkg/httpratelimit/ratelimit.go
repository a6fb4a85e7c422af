/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpratelimit

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Rate limit header names, in Go canonical form.
// https://docs.github.com/en/rest/using-the-rest-api/rate-limits-for-the-rest-api#checking-the-status-of-your-rate-limit
const (
	// HeaderRetryAfter indicates how many seconds to wait before retrying
	HeaderRetryAfter = "Retry-After"
	// HeaderXRateLimitReset is the time at which the current rate limit window resets, in UTC epoch seconds
	HeaderXRateLimitReset = "X-Ratelimit-Reset"
	// HeaderXRateLimitRemaining is the number of requests remaining in the current rate limit window
	HeaderXRateLimitRemaining = "X-Ratelimit-Remaining"
)

// DefaultMaxRetries bounds how often one request is replayed after being
// rate limited.
const DefaultMaxRetries = 3

// Transport wraps an http.RoundTripper and pauses all requests through it
// when an upstream API reports that its rate limit was hit, replaying the
// limited request once the pause ends.
type Transport struct {
	base              http.RoundTripper
	limiter           *limiter
	defaultRetryAfter time.Duration
	maxRetries        int
	clock             clockwork.Clock
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock sets the clock used for pauses.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Transport) {
		t.clock = clock
		t.limiter.clock = clock
	}
}

// WithMaxRetries sets how many times a rate limited request is replayed
// before its response is handed back to the caller.
func WithMaxRetries(n int) Option {
	return func(t *Transport) { t.maxRetries = n }
}

// WithRate throttles requests proactively to r with the given burst.
func WithRate(r rate.Limit, burst int) Option {
	return func(t *Transport) { t.limiter.base = rate.NewLimiter(r, burst) }
}

// NewTransport creates a new rate limiting transport wrapper.
// The defaultRetryAfter specifies how long to wait when rate limited but no
// retry hint is provided (defaults to 1 minute).
func NewTransport(base http.RoundTripper, defaultRetryAfter time.Duration, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if defaultRetryAfter == 0 {
		defaultRetryAfter = time.Minute
	}

	clock := clockwork.NewRealClock()
	t := &Transport{
		base: base,
		limiter: &limiter{
			base:  rate.NewLimiter(rate.Inf, 100),
			clock: clock,
		},
		defaultRetryAfter: defaultRetryAfter,
		maxRetries:        DefaultMaxRetries,
		clock:             clock,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient creates a new HTTP client with rate limiting enabled.
func NewClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: NewTransport(base, time.Minute),
	}
}

// RoundTrip implements http.RoundTripper.
func (rt *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		if err := rt.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := rt.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}

		pause, limited := rt.retryAfter(ctx, resp)
		if !limited {
			return resp, nil
		}
		clog.FromContext(ctx).With("retry_after", pause, "attempt", attempt, "host", req.URL.Host).
			Warn("Rate limit hit, pausing requests")
		rt.limiter.PauseFor(pause)

		if attempt >= rt.maxRetries {
			return resp, nil
		}
		next, ok := rewind(req)
		if !ok {
			return resp, nil
		}
		if resp.Body != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		req = next
	}
}

// rewind returns a request that can be sent again. Requests whose body
// cannot be replayed are not retried.
func rewind(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	next := req.Clone(req.Context())
	next.Body = body
	return next, true
}

// retryAfter reports whether resp indicates rate limiting and for how long
// to pause. A 403 only counts when it carries rate limit headers, since
// most APIs also use it for authorization failures.
//
// https://docs.github.com/en/rest/using-the-rest-api/rate-limits-for-the-rest-api#exceeding-the-rate-limit
func (rt *Transport) retryAfter(ctx context.Context, resp *http.Response) (time.Duration, bool) {
	log := clog.FromContext(ctx)

	var (
		retryAfter time.Duration
		reset      time.Time
	)
	if v := resp.Header.Get(HeaderRetryAfter); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			log.Warnf("Failed to parse retry-after header: %v", err)
		} else {
			retryAfter = time.Duration(seconds) * time.Second
		}
	}
	exhausted := resp.Header.Get(HeaderXRateLimitRemaining) == "0"
	if v := resp.Header.Get(HeaderXRateLimitReset); v != "" {
		seconds, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Warnf("Failed to parse x-ratelimit-reset header: %v", err)
		} else {
			reset = time.Unix(seconds, 0)
		}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
	case http.StatusForbidden:
		if retryAfter == 0 && !exhausted {
			return 0, false
		}
	default:
		return 0, false
	}

	if retryAfter > 0 {
		return retryAfter, true
	}
	if exhausted && !reset.IsZero() {
		if d := reset.Sub(rt.clock.Now()); d > 0 {
			return d, true
		}
	}
	return rt.defaultRetryAfter, true
}

// limiter is a rate limiter that can additionally block all requests until
// a point in time.
type limiter struct {
	base  *rate.Limiter
	clock clockwork.Clock

	mu         sync.Mutex
	pauseUntil time.Time
}

// Wait blocks until any active pause has ended and the rate limiter admits
// the request.
func (l *limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		d := l.pauseUntil.Sub(l.clock.Now())
		l.mu.Unlock()
		if d <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(d):
		}
	}
	return l.base.Wait(ctx)
}

// PauseFor pauses all requests for d. An active pause is only ever
// extended, never shortened.
func (l *limiter) PauseFor(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.clock.Now().Add(d); until.After(l.pauseUntil) {
		l.pauseUntil = until
	}
}

func (l *limiter) paused() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pauseUntil
}
