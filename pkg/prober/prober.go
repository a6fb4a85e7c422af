/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prober serves health checks.
package prober

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
)

// Interface encapsulates one health check.
type Interface interface {
	// Probe performs a single probe and is passed the HTTP request context.
	Probe(context.Context) error
}

// Func is a convenience wrapper for turning a function into an Interface.
type Func func(context.Context) error

// Probe implements Interface
func (pf Func) Probe(ctx context.Context) error {
	return pf(ctx)
}

// Named labels a probe in failure messages.
func Named(name string, i Interface) Interface {
	return Func(func(ctx context.Context) error {
		if err := i.Probe(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Handler runs every probe per request and answers 200 only if all pass.
// If authz is non-empty, requests must carry it as their Authorization header.
func Handler(authz string, probes ...Interface) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := clog.FromContext(r.Context())
		if authz != "" && r.Header.Get("Authorization") != authz {
			log.Warn("probe request was not authorized")
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}

		var errs []error
		for _, p := range probes {
			errs = append(errs, p.Probe(r.Context()))
		}
		if err := errors.Join(errs...); err != nil {
			log.Errorf("probe failed: %v", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
}
