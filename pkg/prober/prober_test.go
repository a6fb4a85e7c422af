/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prober

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	ok := Func(func(context.Context) error { return nil })
	broken := Named("store", Func(func(context.Context) error { return errors.New("database is locked") }))

	tests := []struct {
		name     string
		authz    string
		header   string
		probes   []Interface
		wantCode int
		wantBody string
	}{{
		name:     "healthy",
		probes:   []Interface{ok},
		wantCode: http.StatusOK,
		wantBody: `{"status":"ok"}`,
	}, {
		name:     "no probes",
		wantCode: http.StatusOK,
		wantBody: `{"status":"ok"}`,
	}, {
		name:     "failing probe",
		probes:   []Interface{ok, broken},
		wantCode: http.StatusServiceUnavailable,
		wantBody: "store: database is locked",
	}, {
		name:     "missing authorization",
		authz:    "Bearer s3cret",
		probes:   []Interface{ok},
		wantCode: http.StatusUnauthorized,
		wantBody: "not authorized",
	}, {
		name:     "authorized",
		authz:    "Bearer s3cret",
		header:   "Bearer s3cret",
		probes:   []Interface{ok},
		wantCode: http.StatusOK,
		wantBody: `{"status":"ok"}`,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Handler(tt.authz, tt.probes...).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}
