/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chainguard-dev/agent-bridge/internal/store"
)

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		in        string
		wantText  string
		wantOverr Overrides
	}{{
		in:        "fix the bug --branch=dev --model=gpt --dry-run",
		wantText:  "fix the bug",
		wantOverr: Overrides{Branch: "dev", Model: "gpt", DryRun: true},
	}, {
		in:        "add   tests  --BRANCH feature/x   please",
		wantText:  "add tests please",
		wantOverr: Overrides{Branch: "feature/x"},
	}, {
		in:        "--model o3 --model gpt-5 refactor",
		wantText:  "--model gpt-5 refactor",
		wantOverr: Overrides{Model: "o3"},
	}, {
		in:       "just a prompt",
		wantText: "just a prompt",
	}, {
		in:        "--Dry-Run",
		wantText:  "",
		wantOverr: Overrides{DryRun: true},
	}}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			text, o := ParseOverrides(tt.in)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if diff := cmp.Diff(tt.wantOverr, o); diff != "" {
				t.Errorf("overrides (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeStore struct {
	installs map[string]*store.Installation
	configs  map[string]*store.ChannelConfig
	err      error
}

func (f *fakeStore) InstallationByTeam(_ context.Context, teamID string) (*store.Installation, error) {
	if f.err != nil {
		return nil, f.err
	}
	if i, ok := f.installs[teamID]; ok {
		return i, nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, teamID)
}

func (f *fakeStore) ChannelConfig(_ context.Context, installationID, channelID string) (*store.ChannelConfig, error) {
	if c, ok := f.configs[installationID+"/"+channelID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, channelID)
}

func TestResolve(t *testing.T) {
	fs := &fakeStore{
		installs: map[string]*store.Installation{
			"T1": {ID: "i1", TeamID: "T1", AgentAPIKey: "key_abc"},
			"T2": {ID: "i2", TeamID: "T2"},
		},
		configs: map[string]*store.ChannelConfig{
			"i1/C1": {ID: "c1", InstallationID: "i1", ChannelID: "C1", Repo: "acme/web", DefaultBranch: "main", Model: "auto"},
			"i1/C2": {ID: "c2", InstallationID: "i1", ChannelID: "C2", Repo: "acme/api", DefaultBranch: "develop", DryRunDefault: true},
		},
	}

	tests := []struct {
		name      string
		team      string
		channel   string
		overrides Overrides
		want      *Context
		wantCode  string
	}{{
		name:    "channel defaults",
		team:    "T1",
		channel: "C1",
		want:    &Context{InstallationID: "i1", ChannelConfigID: "c1", APIKey: "key_abc", Repo: "acme/web", Branch: "main", Model: "auto"},
	}, {
		name:      "overrides win",
		team:      "T1",
		channel:   "C1",
		overrides: Overrides{Branch: "dev", Model: "gpt", DryRun: true},
		want:      &Context{InstallationID: "i1", ChannelConfigID: "c1", APIKey: "key_abc", Repo: "acme/web", Branch: "dev", Model: "gpt", DryRun: true},
	}, {
		name:    "dry run default",
		team:    "T1",
		channel: "C2",
		want:    &Context{InstallationID: "i1", ChannelConfigID: "c2", APIKey: "key_abc", Repo: "acme/api", Branch: "develop", DryRun: true},
	}, {
		name:     "no installation",
		team:     "T9",
		channel:  "C1",
		wantCode: CodeNoInstallation,
	}, {
		name:     "no api key",
		team:     "T2",
		channel:  "C1",
		wantCode: CodeNoAPIKey,
	}, {
		name:     "no config",
		team:     "T1",
		channel:  "C9",
		wantCode: CodeNoConfig,
	}}

	r := New(fs)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.team, tt.channel, tt.overrides)
			if tt.wantCode != "" {
				var rerr *Error
				if !errors.As(err, &rerr) {
					t.Fatalf("Resolve() error = %v, want *Error", err)
				}
				if rerr.Code != tt.wantCode {
					t.Errorf("Code = %s, want %s", rerr.Code, tt.wantCode)
				}
				if rerr.Message == "" {
					t.Error("Message is empty")
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveStoreError(t *testing.T) {
	r := New(&fakeStore{err: errors.New("disk on fire")})
	_, err := r.Resolve(context.Background(), "T1", "C1", Overrides{})
	var rerr *Error
	if err == nil || errors.As(err, &rerr) {
		t.Errorf("Resolve() = %v, want a plain error", err)
	}
}

func TestContextRedactsKey(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("resolved", "ctx", &Context{APIKey: "key_secret", Repo: "acme/web"})

	if strings.Contains(buf.String(), "key_secret") {
		t.Errorf("log output leaked the key: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "acme/web") {
		t.Errorf("log output missing repo: %s", buf.String())
	}
}
