/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// agent-bridge-admin inspects and edits the bridge's database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/chainguard-dev/agent-bridge/internal/store"
	"github.com/chainguard-dev/agent-bridge/pkg/agent"
)

type config struct {
	DatabasePath string `env:"DATABASE_PATH, default=agent-bridge.db"`
	AgentAPIURL  string `env:"AGENT_API_URL, default=https://api.cursor.com/v0"`
}

// admin is shared by all subcommands.
type admin struct {
	dbPath   string
	agentURL string
	store    *store.Store
}

func (a *admin) open(cmd *cobra.Command, _ []string) error {
	s, err := store.New(cmd.Context(), a.dbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", a.dbPath, err)
	}
	a.store = s
	return nil
}

func (a *admin) close(*cobra.Command, []string) error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *admin) agents(apiKey string) *agent.Client {
	return agent.New(apiKey, agent.WithBaseURL(a.agentURL))
}

func newRootCmd(ctx context.Context) *cobra.Command {
	var env config
	if err := envconfig.Process(ctx, &env); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}
	a := &admin{}

	root := &cobra.Command{
		Use:                "agent-bridge-admin",
		Short:              "Inspect and edit the agent-bridge database",
		SilenceUsage:       true,
		PersistentPreRunE:  a.open,
		PersistentPostRunE: a.close,
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", env.DatabasePath, "path to the SQLite database")
	root.PersistentFlags().StringVar(&a.agentURL, "agent-api-url", env.AgentAPIURL, "agent API base URL")

	root.AddCommand(
		a.installationsCmd(),
		a.channelsCmd(),
		a.runsCmd(),
		a.agentsCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(ctx).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
