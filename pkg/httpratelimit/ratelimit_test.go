/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpratelimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type testRT struct {
	responses []*http.Response
	mu        sync.Mutex
	callCount int
	bodies    []string
}

func (t *testRT) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		t.bodies = append(t.bodies, string(b))
	}
	if t.callCount >= len(t.responses) {
		return nil, fmt.Errorf("no more responses")
	}
	resp := t.responses[t.callCount]
	t.callCount++
	return resp, nil
}

func (t *testRT) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCount
}

var epoch = time.Unix(1_750_000_000, 0)

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name        string
		resp        *http.Response
		wantLimited bool
		wantPause   time.Duration
	}{{
		name: "ok",
		resp: &http.Response{StatusCode: http.StatusOK},
	}, {
		name: "forbidden without rate limit headers",
		resp: &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{}},
	}, {
		name: "forbidden with remaining budget",
		resp: &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{
			HeaderXRateLimitRemaining: {"12"},
		}},
	}, {
		name: "exhausted with reset",
		resp: &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{
			HeaderXRateLimitRemaining: {"0"},
			HeaderXRateLimitReset:     {fmt.Sprint(epoch.Add(4 * time.Second).Unix())},
		}},
		wantLimited: true,
		wantPause:   4 * time.Second,
	}, {
		name: "exhausted with reset in the past",
		resp: &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{
			HeaderXRateLimitRemaining: {"0"},
			HeaderXRateLimitReset:     {fmt.Sprint(epoch.Add(-time.Minute).Unix())},
		}},
		wantLimited: true,
		wantPause:   time.Second,
	}, {
		name: "retry-after wins",
		resp: &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{
			HeaderRetryAfter:          {"2"},
			HeaderXRateLimitRemaining: {"0"},
			HeaderXRateLimitReset:     {fmt.Sprint(epoch.Add(time.Hour).Unix())},
		}},
		wantLimited: true,
		wantPause:   2 * time.Second,
	}, {
		name:        "too many requests without headers uses the default",
		resp:        &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}},
		wantLimited: true,
		wantPause:   time.Second,
	}, {
		name: "unparseable retry-after uses the default",
		resp: &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{
			HeaderRetryAfter: {"soon"},
		}},
		wantLimited: true,
		wantPause:   time.Second,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewTransport(nil, time.Second, WithClock(clockwork.NewFakeClockAt(epoch)))
			pause, limited := rt.retryAfter(context.Background(), tt.resp)
			if limited != tt.wantLimited {
				t.Fatalf("limited = %v, want %v", limited, tt.wantLimited)
			}
			if pause != tt.wantPause {
				t.Errorf("pause = %v, want %v", pause, tt.wantPause)
			}
		})
	}
}

func TestTransport_RetriesAfterPause(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	base := &testRT{responses: []*http.Response{
		{StatusCode: http.StatusTooManyRequests, Header: http.Header{HeaderRetryAfter: {"30"}}},
		{StatusCode: http.StatusOK},
	}}
	rt := NewTransport(base, time.Minute, WithClock(clock))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.example.com/v0/agents", strings.NewReader(`{"prompt":"x"}`))
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		done <- result{resp, err}
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if n := base.calls(); n != 1 {
		t.Fatalf("calls before pause ends = %d, want 1", n)
	}
	if got, want := rt.limiter.paused(), epoch.Add(30*time.Second); !got.Equal(want) {
		t.Errorf("paused until %v, want %v", got, want)
	}
	clock.Advance(30 * time.Second)

	r := <-done
	if r.err != nil {
		t.Fatalf("RoundTrip() = %v", r.err)
	}
	if r.resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", r.resp.StatusCode)
	}
	if n := base.calls(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
	for i, b := range base.bodies {
		if b != `{"prompt":"x"}` {
			t.Errorf("body[%d] = %q", i, b)
		}
	}
}

func TestTransport_MaxRetries(t *testing.T) {
	limited := func() *http.Response {
		return &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	}
	base := &testRT{responses: []*http.Response{limited(), limited()}}
	rt := NewTransport(base, time.Second, WithClock(clockwork.NewFakeClockAt(epoch)), WithMaxRetries(0))

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/v0/agents", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if n := base.calls(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	// The pause still applies to the next request.
	if got := rt.limiter.paused(); !got.Equal(epoch.Add(time.Second)) {
		t.Errorf("paused until %v", got)
	}
}

func TestTransport_UnreplayableBody(t *testing.T) {
	base := &testRT{responses: []*http.Response{
		{StatusCode: http.StatusTooManyRequests, Header: http.Header{}},
	}}
	rt := NewTransport(base, time.Second, WithClock(clockwork.NewFakeClockAt(epoch)))

	req := httptest.NewRequest(http.MethodPost, "https://api.example.com/v0/agents", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestTransport_WaitHonorsContext(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	rt := NewTransport(&testRT{}, time.Second, WithClock(clock))
	rt.limiter.PauseFor(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/", nil).WithContext(ctx)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Error("RoundTrip() = nil error, want context canceled")
	}
}

func TestLimiter_PauseOnlyExtends(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	rt := NewTransport(nil, time.Second, WithClock(clock))

	rt.limiter.PauseFor(200 * time.Millisecond)
	rt.limiter.PauseFor(100 * time.Millisecond)
	if got, want := rt.limiter.paused(), epoch.Add(200*time.Millisecond); !got.Equal(want) {
		t.Errorf("paused until %v, want %v", got, want)
	}
	rt.limiter.PauseFor(time.Second)
	if got, want := rt.limiter.paused(), epoch.Add(time.Second); !got.Equal(want) {
		t.Errorf("paused until %v, want %v", got, want)
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(nil)
	if _, ok := client.Transport.(*Transport); !ok {
		t.Errorf("Transport = %T, want *Transport", client.Transport)
	}
}
