/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package webhook receives job status callbacks from the remote agent
// service and records them on the matching run.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"

	"github.com/chainguard-dev/agent-bridge/internal/orchestrator"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/pkg/agent"
)

// SignatureHeader carries "sha256=<hex>" of the body when the service was
// given a signing secret.
const SignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 1 << 20

// Payload is a status callback. The service has sent both a flat shape
// (agentId, pullRequestUrl) and the agent shape (id, target.prUrl).
type Payload struct {
	AgentID        string        `json:"agentId,omitempty"`
	ID             string        `json:"id,omitempty"`
	Status         string        `json:"status,omitempty"`
	PullRequestURL string        `json:"pullRequestUrl,omitempty"`
	Target         *agent.Target `json:"target,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// JobID returns the remote job the payload is about.
func (p *Payload) JobID() string {
	if p.AgentID != "" {
		return p.AgentID
	}
	return p.ID
}

// Update converts the payload into a run update. Unknown statuses leave
// the run's status alone, and errors are only recorded on failures.
func (p *Payload) Update() runs.Update {
	u := runs.Update{
		AgentID:      p.JobID(),
		PRURL:        p.PullRequestURL,
		TargetBranch: p.Target.BranchRef(),
		Summary:      p.Summary,
	}
	if u.PRURL == "" {
		u.PRURL = p.Target.PullRequest()
	}
	st := agent.ParseStatus(p.Status)
	if mapped, ok := runs.FromAgentStatus(st); ok {
		u.Status = mapped
	}
	if u.Status == runs.StatusFailed {
		u.Error = p.Error
		if st == agent.StatusExpired && u.Error == "" {
			u.Error = runs.ExpiredError
		}
	}
	return u
}

// Store is the part of the run store the receiver needs.
type Store interface {
	GetRunByAgentID(ctx context.Context, agentID string) (*runs.Run, error)
	UpdateRun(ctx context.Context, id string, u runs.Update) (*runs.Run, bool, error)
}

// Server handles status callbacks.
type Server struct {
	store   Store
	secrets [][]byte
}

// NewServer creates a Server. With no secrets, signatures are not checked.
func NewServer(store Store, secrets [][]byte) *Server {
	return &Server{
		store:   store,
		secrets: secrets,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) verify(r *http.Request, body []byte) error {
	if len(s.secrets) == 0 {
		return nil
	}
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return errors.New("missing signature")
	}
	for _, secret := range s.secrets {
		if err := github.ValidateSignature(sig, body, secret); err == nil {
			return nil
		}
	}
	return errors.New("signature does not match any secret")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warnf("failed to read webhook body: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if err := s.verify(r, body); err != nil {
		log.Errorf("failed to verify webhook: %v", err)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Warnf("failed to decode webhook: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if p.JobID() == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing agentId"})
		return
	}
	log = log.With("agent_id", p.JobID(), "status", p.Status)
	log.Info("Received agent webhook")

	run, err := s.store.GetRunByAgentID(ctx, p.JobID())
	if errors.Is(err, runs.ErrNotFound) {
		log.Warn("Run not found for webhook")
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	} else if err != nil {
		log.Errorf("failed to look up run: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	log = log.With("run_id", run.ID)

	updated, changed, err := s.store.UpdateRun(context.WithoutCancel(ctx), run.ID, p.Update())
	if err != nil {
		log.Errorf("failed to update run: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("updating run: %v", err)})
		return
	}
	if changed {
		orchestrator.RecordRunUpdate("webhook", updated.Status)
	}

	log.With("changed", changed, "run_status", updated.Status, "pr_url", updated.PRURL).Info("Run updated from webhook")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
