/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package deployment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v75/github"
)

func newTestChecker(t *testing.T, mux *http.ServeMux) *Checker {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(srv.Client())
	baseURL, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	client.BaseURL = baseURL
	return NewChecker(client)
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name        string
		status      string
		deployments string
		dstatuses   string
		want        Status
		wantCalls   int32
	}{{
		name:        "success prefers preview environment URL",
		status:      `{"state":"success","statuses":[{"context":"ci/test","state":"success"},{"context":"Vercel","state":"success","target_url":"https://vercel.com/acme/build/1","description":"Deployed"}]}`,
		deployments: `[{"id":2,"environment":"Preview"},{"id":1,"environment":"Production"}]`,
		dstatuses:   `[{"state":"in_progress"},{"state":"success","environment_url":"https://acme-git-fix.vercel.app","target_url":"https://vercel.com/acme/build/1"}]`,
		want: Status{
			State:       StateSuccess,
			TargetURL:   "https://acme-git-fix.vercel.app",
			Description: "Deployed",
		},
		wantCalls: 1,
	}, {
		name:        "success without deployments keeps target URL",
		status:      `{"statuses":[{"context":"deployment/preview","state":"success","target_url":"https://ci.example.com/9"}]}`,
		deployments: `[]`,
		want:        Status{State: StateSuccess, TargetURL: "https://ci.example.com/9"},
		wantCalls:   1,
	}, {
		name:      "failure returns immediately",
		status:    `{"statuses":[{"context":"Vercel – acme","state":"failure","target_url":"https://vercel.com/x","description":"Build failed"}]}`,
		want:      Status{State: StateFailure, TargetURL: "https://vercel.com/x", Description: "Build failed"},
		wantCalls: 1,
	}, {
		name:      "pending retries until attempts run out",
		status:    `{"statuses":[{"context":"Vercel","state":"pending"}]}`,
		want:      Status{},
		wantCalls: 3,
	}, {
		name:      "no matching context retries until attempts run out",
		status:    `{"statuses":[{"context":"ci/lint","state":"success"}]}`,
		want:      Status{},
		wantCalls: 3,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			mux := http.NewServeMux()
			mux.HandleFunc("GET /repos/acme/web/commits/cursor/fix/status", func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				fmt.Fprint(w, tt.status)
			})
			mux.HandleFunc("GET /repos/acme/web/deployments", func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("sha"); got != "cursor/fix" {
					t.Errorf("sha = %q", got)
				}
				fmt.Fprint(w, tt.deployments)
			})
			mux.HandleFunc("GET /repos/acme/web/deployments/2/statuses", func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, tt.dstatuses)
			})

			c := newTestChecker(t, mux)
			got := c.Poll(context.Background(), "acme/web", "cursor/fix", PollOptions{MaxAttempts: 3})
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Poll() (-want +got):\n%s", diff)
			}
			if n := calls.Load(); n != tt.wantCalls {
				t.Errorf("status calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestPollErrorsCountAsAttempts(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := newTestChecker(t, mux)
	if got := c.Poll(context.Background(), "acme/web", "main", PollOptions{MaxAttempts: 2}); got.State != StateUnknown {
		t.Errorf("Poll() = %+v, want unknown", got)
	}
	// go-github does not retry 5xx, so each attempt is one request.
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestDisabled(t *testing.T) {
	var nilChecker *Checker
	for name, c := range map[string]*Checker{
		"nil":         nilChecker,
		"empty token": NewFromToken(context.Background(), ""),
	} {
		t.Run(name, func(t *testing.T) {
			if c.Enabled() {
				t.Error("Enabled() = true")
			}
			if got := c.Poll(context.Background(), "acme/web", "main", PollOptions{MaxAttempts: 5}); got != (Status{}) {
				t.Errorf("Poll() = %+v", got)
			}
		})
	}
}

func TestCheckInvalidRepo(t *testing.T) {
	c := newTestChecker(t, http.NewServeMux())
	if _, err := c.Check(context.Background(), "not-a-repo", "main"); err == nil {
		t.Error("Check() = nil, want error")
	}
}
