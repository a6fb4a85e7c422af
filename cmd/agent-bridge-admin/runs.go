/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/chainguard-dev/agent-bridge/internal/orchestrator"
	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *admin) runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs",
	}

	var (
		filter store.RunFilter
		status string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = runs.Status(status)
			rs, err := a.store.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tREPO\tAGENT\tCREATED\tPR")
			for _, r := range rs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.Repo, r.AgentID, r.CreatedAt.Format("2006-01-02 15:04"), r.PRURL)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&filter.ChannelConfigID, "channel-config", "", "only runs of this channel config ID")
	list.Flags().StringVar(&status, "status", "", "only runs with this status")
	list.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs, 0 for all")

	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Fetch the agent status of every unfinished run and record it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.reconcile(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(list, show, reconcile)
	return cmd
}

// reconcile catches up runs whose webhook and poll were both lost, for
// example across a restart.
func (a *admin) reconcile(ctx context.Context, out io.Writer) error {
	var pending []*runs.Run
	for _, st := range []runs.Status{runs.StatusCreating, runs.StatusRunning} {
		rs, err := a.store.ListRuns(ctx, store.RunFilter{Status: st})
		if err != nil {
			return err
		}
		pending = append(pending, rs...)
	}

	for _, r := range pending {
		log := clog.FromContext(ctx).With("run_id", r.ID, "agent_id", r.AgentID)
		if r.AgentID == "" {
			log.Warn("Skipping run without an agent")
			continue
		}
		key, err := a.apiKey(ctx, r)
		if err != nil {
			log.Warnf("Skipping run: %v", err)
			continue
		}
		ag, err := a.agents(key).Get(ctx, r.AgentID)
		if err != nil {
			log.Warnf("Failed to fetch agent: %v", err)
			continue
		}
		updated, changed, err := a.store.UpdateRun(ctx, r.ID, runs.UpdateFromAgent(ag))
		if err != nil {
			return fmt.Errorf("updating run %s: %w", r.ID, err)
		}
		if changed {
			orchestrator.RecordRunUpdate("reconcile", updated.Status)
			fmt.Fprintf(out, "%s: %s -> %s\n", r.ID, r.Status, updated.Status)
		}
	}
	return nil
}

func (a *admin) apiKey(ctx context.Context, r *runs.Run) (string, error) {
	cfg, err := a.store.ChannelConfigByID(ctx, r.ChannelConfigID)
	if err != nil {
		return "", err
	}
	inst, err := a.store.InstallationByID(ctx, cfg.InstallationID)
	if err != nil {
		return "", err
	}
	if inst.AgentAPIKey == "" {
		return "", fmt.Errorf("team %s has no API key", inst.TeamID)
	}
	return inst.AgentAPIKey, nil
}
