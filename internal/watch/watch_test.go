/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/pkg/deployment"
)

// fakeStore returns results in order, repeating the last one.
type fakeStore struct {
	mu      sync.Mutex
	results []func() (*runs.Run, error)
	reads   int
}

func (f *fakeStore) GetRun(context.Context, string) (*runs.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.reads, len(f.results)-1)
	f.reads++
	return f.results[i]()
}

func status(s runs.Status) func() (*runs.Run, error) {
	return func() (*runs.Run, error) {
		return &runs.Run{ID: "r1", Repo: "acme/web", Status: s, TargetBranch: "cursor/fix"}, nil
	}
}

func fail(err error) func() (*runs.Run, error) {
	return func() (*runs.Run, error) { return nil, err }
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) RunUpdated(_ context.Context, dest Destination, r *runs.Run, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s %s %s", dest.MessageTS, r.ID, r.Status, url))
	return nil
}

type fakeDeploy struct {
	status deployment.Status
	refs   []string
}

func (f *fakeDeploy) Poll(_ context.Context, repo, ref string, _ deployment.PollOptions) deployment.Status {
	f.refs = append(f.refs, repo+"@"+ref)
	return f.status
}

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(_ context.Context, r *runs.Run) error {
	f.published = append(f.published, r.ID)
	return nil
}

// run starts Watch and advances the clock through ticks checks.
func run(t *testing.T, w *Watcher, clock *clockwork.FakeClock, ticks int) {
	t.Helper()
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Watch(ctx, "r1", Destination{ChannelID: "C1", MessageTS: "1.2"})
	}()
	for i := 0; i < ticks; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		clock.Advance(w.interval)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestWatch(t *testing.T) {
	success := deployment.Status{State: deployment.StateSuccess, TargetURL: "https://acme-git-fix.vercel.app"}

	tests := []struct {
		name          string
		results       []func() (*runs.Run, error)
		deploy        deployment.Status
		ticks         int
		wantCalls     []string
		wantDeploys   []string
		wantPublished []string
	}{{
		name:          "completes with deployment",
		results:       []func() (*runs.Run, error){status(runs.StatusRunning), status(runs.StatusRunning), status(runs.StatusCompleted)},
		deploy:        success,
		ticks:         3,
		wantCalls:     []string{"1.2 r1 COMPLETED ", "1.2 r1 COMPLETED https://acme-git-fix.vercel.app"},
		wantDeploys:   []string{"acme/web@cursor/fix"},
		wantPublished: []string{"r1"},
	}, {
		name:          "completes without deployment",
		results:       []func() (*runs.Run, error){status(runs.StatusCompleted)},
		deploy:        deployment.Status{State: deployment.StatePending},
		ticks:         1,
		wantCalls:     []string{"1.2 r1 COMPLETED "},
		wantDeploys:   []string{"acme/web@cursor/fix"},
		wantPublished: []string{"r1"},
	}, {
		name:          "failed skips deployments",
		results:       []func() (*runs.Run, error){status(runs.StatusFailed)},
		deploy:        success,
		ticks:         1,
		wantCalls:     []string{"1.2 r1 FAILED "},
		wantPublished: []string{"r1"},
	}, {
		name:          "read errors keep watching",
		results:       []func() (*runs.Run, error){fail(errors.New("database is locked")), status(runs.StatusCancelled)},
		ticks:         2,
		wantCalls:     []string{"1.2 r1 CANCELLED "},
		wantPublished: []string{"r1"},
	}, {
		name:    "missing run ends the watch",
		results: []func() (*runs.Run, error){fail(fmt.Errorf("%w: r1", runs.ErrNotFound))},
		ticks:   1,
	}, {
		name:    "times out",
		results: []func() (*runs.Run, error){status(runs.StatusRunning)},
		ticks:   4,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			fs := &fakeStore{results: tt.results}
			fn := &fakeNotifier{}
			fd := &fakeDeploy{status: tt.deploy}
			fp := &fakePublisher{}
			w := New(fs, fn,
				WithClock(clock),
				WithInterval(time.Second),
				WithMaxChecks(4),
				WithDeployments(fd, deployment.PollOptions{MaxAttempts: 1}),
				WithPublisher(fp))

			run(t, w, clock, tt.ticks)

			if fs.reads != tt.ticks {
				t.Errorf("reads = %d, want %d", fs.reads, tt.ticks)
			}
			if diff := cmp.Diff(tt.wantCalls, fn.calls); diff != "" {
				t.Errorf("notifications (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantDeploys, fd.refs); diff != "" {
				t.Errorf("deployment polls (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantPublished, fp.published); diff != "" {
				t.Errorf("published (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWatchCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := &fakeStore{results: []func() (*runs.Run, error){status(runs.StatusRunning)}}
	w := New(fs, &fakeNotifier{}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Watch(ctx, "r1", Destination{})
	}()
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
	if fs.reads != 0 {
		t.Errorf("reads = %d, want 0", fs.reads)
	}
}
