/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *admin) agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Query the agent API with a team's key",
	}

	var (
		teamID string
		limit  int
		cursor string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List a team's agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			inst, err := a.store.InstallationByTeam(ctx, teamID)
			if err != nil {
				return fmt.Errorf("team %s: %w", teamID, err)
			}
			if inst.AgentAPIKey == "" {
				return fmt.Errorf("team %s has no API key", teamID)
			}
			page, err := a.agents(inst.AgentAPIKey).List(ctx, limit, cursor)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tNAME\tPR")
			for _, ag := range page.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ag.ID, ag.Status, ag.Name, ag.Target.PullRequest())
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "next cursor: %s\n", page.NextCursor)
			}
			return nil
		},
	}
	list.Flags().StringVar(&teamID, "team", "", "Slack team ID")
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	list.Flags().StringVar(&cursor, "cursor", "", "page cursor from a previous call")
	_ = list.MarkFlagRequired("team")

	cmd.AddCommand(list)
	return cmd
}
