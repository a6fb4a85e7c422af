/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/agent-bridge/internal/store"
)

func (a *admin) installationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "installations",
		Aliases: []string{"inst"},
		Short:   "Manage workspace installations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List installations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			insts, err := a.store.ListInstallations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTEAM\tNAME\tBOT TOKEN\tAPI KEY\tUPDATED")
			for _, i := range insts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					i.ID, i.TeamID, i.TeamName, present(i.BotToken), present(i.AgentAPIKey), i.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	var in store.Installation
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update the installation for a team",
		Long:  "Create or update the installation for a team. Flags left empty keep their stored values.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := a.store.UpsertInstallation(cmd.Context(), &in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installation %s for team %s saved\n", inst.ID, inst.TeamID)
			return nil
		},
	}
	set.Flags().StringVar(&in.TeamID, "team", "", "Slack team ID")
	set.Flags().StringVar(&in.TeamName, "name", "", "workspace name")
	set.Flags().StringVar(&in.BotToken, "bot-token", "", "Slack bot token")
	set.Flags().StringVar(&in.AgentAPIKey, "api-key", "", "agent API key")
	set.Flags().StringVar(&in.InstalledBy, "installed-by", "", "Slack user ID of the installer")
	_ = set.MarkFlagRequired("team")

	cmd.AddCommand(list, set)
	return cmd
}

func present(secret string) string {
	if secret == "" {
		return "-"
	}
	return "set"
}
