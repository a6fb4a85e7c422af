/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package profiler starts the Cloud Profiler agent when ENABLE_PROFILER is set.
package profiler

import (
	"context"

	"cloud.google.com/go/profiler"
	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
)

type config struct {
	EnableProfiler bool   `env:"ENABLE_PROFILER, default=false"`
	Service        string `env:"K_SERVICE, default=agent-bridge"`
	Version        string `env:"K_REVISION"`
}

// SetupProfiler starts the profiler if enabled. Startup failures are fatal.
func SetupProfiler(ctx context.Context) {
	var env config
	if err := envconfig.Process(ctx, &env); err != nil {
		clog.FatalContextf(ctx, "processing profiler config: %v", err)
	}
	if !env.EnableProfiler {
		return
	}
	if err := start(profiler.Config{Service: env.Service, ServiceVersion: env.Version}); err != nil {
		clog.FatalContextf(ctx, "failed to start profiler: %v", err)
	}
	clog.InfoContextf(ctx, "profiler started for %s", env.Service)
}

var start = func(cfg profiler.Config) error { return profiler.Start(cfg) }
