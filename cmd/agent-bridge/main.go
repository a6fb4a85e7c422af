/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/agent-bridge/internal/orchestrator"
	"github.com/chainguard-dev/agent-bridge/internal/resolver"
	"github.com/chainguard-dev/agent-bridge/internal/runevents"
	"github.com/chainguard-dev/agent-bridge/internal/slackbot"
	"github.com/chainguard-dev/agent-bridge/internal/store"
	"github.com/chainguard-dev/agent-bridge/internal/watch"
	"github.com/chainguard-dev/agent-bridge/internal/webhook"
	"github.com/chainguard-dev/agent-bridge/pkg/agent"
	"github.com/chainguard-dev/agent-bridge/pkg/deployment"
	"github.com/chainguard-dev/agent-bridge/pkg/httpmetrics"
	"github.com/chainguard-dev/agent-bridge/pkg/prober"
	"github.com/chainguard-dev/agent-bridge/pkg/profiler"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	Port         int    `env:"PORT, default=8080"`
	BaseURL      string `env:"BASE_URL"`
	DatabasePath string `env:"DATABASE_PATH, default=agent-bridge.db"`
	// If set, /health requires this Authorization header.
	HealthAuthorization string `env:"HEALTH_AUTHORIZATION"`

	SlackSigningSecret string `env:"SLACK_SIGNING_SECRET, required"`
	// Used for workspaces whose installation has no bot token of its own.
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`

	AgentAPIURL  string        `env:"AGENT_API_URL, default=https://api.cursor.com/v0"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=5s"`
	PollTimeout  time.Duration `env:"POLL_TIMEOUT, default=10m"`

	WatchInterval  time.Duration `env:"WATCH_INTERVAL, default=10s"`
	WatchMaxChecks int           `env:"WATCH_MAX_CHECKS, default=360"`

	// Either a token or a GitHub App enables deployment lookups.
	GitHubToken             string        `env:"GITHUB_TOKEN"`
	GitHubAppID             int64         `env:"GITHUB_APP_ID"`
	GitHubAppInstallationID int64         `env:"GITHUB_APP_INSTALLATION_ID"`
	GitHubAppPrivateKey     string        `env:"GITHUB_APP_PRIVATE_KEY"`
	DeployMaxAttempts       int           `env:"DEPLOY_MAX_ATTEMPTS, default=10"`
	DeployInterval          time.Duration `env:"DEPLOY_INTERVAL, default=30s"`

	// If set, terminal runs are published as CloudEvents.
	EventIngressURI string `env:"EVENT_INGRESS_URI"`
}{})

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	profiler.SetupProfiler(ctx)
	go httpmetrics.ServeMetrics()
	defer httpmetrics.SetupTracer(ctx)()

	st, err := store.New(ctx, env.DatabasePath)
	if err != nil {
		clog.FatalContextf(ctx, "failed to open store: %v", err)
	}
	defer st.Close()

	var orchOpts []orchestrator.Option
	orchOpts = append(orchOpts, orchestrator.WithPollOptions(agent.PollOptions{
		Interval: env.PollInterval,
		Timeout:  env.PollTimeout,
	}))
	if env.BaseURL != "" {
		orchOpts = append(orchOpts, orchestrator.WithWebhookURL(strings.TrimSuffix(env.BaseURL, "/")+"/webhooks/cursor"))
	} else {
		clog.WarnContext(ctx, "BASE_URL is not set, runs will only complete by polling")
	}
	orch := orchestrator.New(st, func(apiKey string) orchestrator.AgentClient {
		return agent.New(apiKey, agent.WithBaseURL(env.AgentAPIURL))
	}, orchOpts...)

	messengers := slackbot.NewMessengers(st, env.SlackBotToken)
	watchOpts := []watch.Option{
		watch.WithInterval(env.WatchInterval),
		watch.WithMaxChecks(env.WatchMaxChecks),
	}
	if checker := newDeploymentChecker(ctx); checker.Enabled() {
		watchOpts = append(watchOpts, watch.WithDeployments(checker, deployment.PollOptions{
			MaxAttempts: env.DeployMaxAttempts,
			Interval:    env.DeployInterval,
		}))
	}
	if env.EventIngressURI != "" {
		ceclient, err := runevents.NewClient(ctx, env.EventIngressURI)
		if err != nil {
			clog.FatalContextf(ctx, "failed to create cloudevents client: %v", err)
		}
		watchOpts = append(watchOpts, watch.WithPublisher(runevents.New(ceclient, "agent-bridge")))
	}
	watcher := watch.New(st, slackbot.NewNotifier(messengers), watchOpts...)

	bot := slackbot.New(slackbot.Config{
		SigningSecret: env.SlackSigningSecret,
		Store:         st,
		Resolver:      resolver.New(st),
		Orchestrator:  orch,
		Watcher:       watcher,
		Messengers:    messengers,
	})

	mux := http.NewServeMux()
	mux.Handle("/slack/events", httpmetrics.HandlerFunc("slack-events", bot.Events))
	mux.Handle("/slack/commands", httpmetrics.HandlerFunc("slack-commands", bot.Commands))
	mux.Handle("/slack/interactions", httpmetrics.HandlerFunc("slack-interactions", bot.Interactions))
	mux.Handle("/webhooks/cursor", httpmetrics.Handler("agent-webhook", webhook.NewServer(st, webhook.LoadSecretsFromEnv(ctx))))
	mux.Handle("/health", httpmetrics.Handler("health", prober.Handler(env.HealthAuthorization, prober.Named("store", prober.Func(st.Ping)))))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           mux,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		clog.InfoContextf(ctx, "listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		// Let in-flight launches record their agents before exiting.
		if err := bot.WaitContext(sctx); err != nil {
			clog.WarnContext(ctx, "Background work still running at shutdown", "error", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		clog.FatalContextf(ctx, "server: %v", err)
	}
}

func newDeploymentChecker(ctx context.Context) *deployment.Checker {
	if env.GitHubAppID != 0 {
		c, err := deployment.NewFromApp(env.GitHubAppID, env.GitHubAppInstallationID, []byte(env.GitHubAppPrivateKey))
		if err != nil {
			clog.FatalContextf(ctx, "failed to create GitHub App client: %v", err)
		}
		return c
	}
	return deployment.NewFromToken(ctx, env.GitHubToken)
}
