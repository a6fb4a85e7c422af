/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
)

func run(t *testing.T, db, agentURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(context.Background())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", db, "--agent-api-url", agentURL}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, db, agentURL string, args ...string) string {
	t.Helper()
	out, err := run(t, db, agentURL, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestInstallationsAndChannels(t *testing.T) {
	db := filepath.Join(t.TempDir(), "bridge.db")

	if _, err := run(t, db, "", "channels", "bind", "--team", "T1", "--channel", "C1", "--repo", "acme/web"); err == nil {
		t.Error("binding a channel without an installation should fail")
	}

	mustRun(t, db, "", "installations", "set", "--team", "T1", "--name", "Acme", "--api-key", "key_1")
	out := mustRun(t, db, "", "installations", "list")
	if !strings.Contains(out, "T1") || !strings.Contains(out, "Acme") || strings.Contains(out, "key_1") {
		t.Errorf("installations list = %q", out)
	}

	out = mustRun(t, db, "", "channels", "bind", "--team", "T1", "--channel", "C1", "--repo", "acme/web", "--dry-run")
	if want := "channel C1 bound to acme/web@main\n"; out != want {
		t.Errorf("bind = %q, want %q", out, want)
	}
	out = mustRun(t, db, "", "channels", "show", "--team", "T1", "--channel", "C1")
	if !strings.Contains(out, `"DryRunDefault": true`) {
		t.Errorf("show = %q", out)
	}
}

func TestRunsReconcile(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "bridge.db")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key_1" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Path {
		case "/v0/agents/bc-1":
			fmt.Fprint(w, `{"id":"bc-1","status":"FINISHED","summary":"Done","target":{"branchName":"cursor/fix","prUrl":"https://github.com/acme/web/pull/7"}}`)
		case "/v0/agents/bc-2":
			fmt.Fprint(w, `{"id":"bc-2","status":"RUNNING"}`)
		case "/v0/agents":
			fmt.Fprint(w, `{"agents":[{"id":"bc-1","name":"Fix","status":"FINISHED","target":{"prUrl":"https://github.com/acme/web/pull/7"}}],"nextCursor":"c2"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	agentURL := srv.URL + "/v0"

	mustRun(t, db, agentURL, "installations", "set", "--team", "T1", "--api-key", "key_1")
	mustRun(t, db, agentURL, "channels", "bind", "--team", "T1", "--channel", "C1", "--repo", "acme/web")

	s, err := store.New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	inst, err := s.InstallationByTeam(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := s.ChannelConfig(ctx, inst.ID, "C1")
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]string{}
	for _, agentID := range []string{"bc-1", "bc-2", ""} {
		r := &runs.Run{ChannelConfigID: cfg.ID, Repo: cfg.Repo, Branch: "main", Prompt: "fix " + agentID}
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
		if agentID != "" {
			if _, _, err := s.UpdateRun(ctx, r.ID, runs.Update{AgentID: agentID, Status: runs.StatusRunning}); err != nil {
				t.Fatal(err)
			}
		}
		ids[agentID] = r.ID
	}

	out := mustRun(t, db, agentURL, "runs", "reconcile")
	if want := ids["bc-1"] + ": RUNNING -> COMPLETED\n"; out != want {
		t.Errorf("reconcile = %q, want %q", out, want)
	}

	got, err := s.GetRun(ctx, ids["bc-1"])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != runs.StatusCompleted || got.PRURL != "https://github.com/acme/web/pull/7" || got.TargetBranch != "cursor/fix" {
		t.Errorf("run = %+v", got)
	}

	out = mustRun(t, db, agentURL, "runs", "list", "--status", "COMPLETED")
	if !strings.Contains(out, ids["bc-1"]) || strings.Contains(out, ids["bc-2"]) {
		t.Errorf("runs list = %q", out)
	}
	out = mustRun(t, db, agentURL, "runs", "show", ids["bc-2"])
	if !strings.Contains(out, `"AgentID": "bc-2"`) {
		t.Errorf("runs show = %q", out)
	}
	if _, err := run(t, db, agentURL, "runs", "show", "missing"); err == nil {
		t.Error("showing a missing run should fail")
	}

	out = mustRun(t, db, agentURL, "agents", "list", "--team", "T1", "--limit", "1")
	if !strings.Contains(out, "bc-1") || !strings.Contains(out, "next cursor: c2") {
		t.Errorf("agents list = %q", out)
	}
}
