/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/agent-bridge/internal/store"
)

func (a *admin) channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage channel bindings",
	}

	var (
		teamID string
		cfg    store.ChannelConfig
	)
	bind := &cobra.Command{
		Use:   "bind",
		Short: "Bind a channel to a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			inst, err := a.store.InstallationByTeam(ctx, teamID)
			if err != nil {
				return fmt.Errorf("team %s: %w", teamID, err)
			}
			cfg.InstallationID = inst.ID
			saved, err := a.store.UpsertChannelConfig(ctx, &cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s bound to %s@%s\n", saved.ChannelID, saved.Repo, saved.DefaultBranch)
			return nil
		},
	}
	bind.Flags().StringVar(&teamID, "team", "", "Slack team ID")
	bind.Flags().StringVar(&cfg.ChannelID, "channel", "", "Slack channel ID")
	bind.Flags().StringVar(&cfg.Repo, "repo", "", "repository as owner/repo")
	bind.Flags().StringVar(&cfg.DefaultBranch, "branch", store.DefaultBranch, "default branch")
	bind.Flags().StringVar(&cfg.Model, "model", "", "model, empty for the service default")
	bind.Flags().BoolVar(&cfg.DryRunDefault, "dry-run", false, "skip pull requests by default")
	for _, f := range []string{"team", "channel", "repo"} {
		_ = bind.MarkFlagRequired(f)
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show a channel binding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			inst, err := a.store.InstallationByTeam(ctx, teamID)
			if err != nil {
				return fmt.Errorf("team %s: %w", teamID, err)
			}
			c, err := a.store.ChannelConfig(ctx, inst.ID, cfg.ChannelID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
	show.Flags().StringVar(&teamID, "team", "", "Slack team ID")
	show.Flags().StringVar(&cfg.ChannelID, "channel", "", "Slack channel ID")
	_ = show.MarkFlagRequired("team")
	_ = show.MarkFlagRequired("channel")

	cmd.AddCommand(bind, show)
	return cmd
}
