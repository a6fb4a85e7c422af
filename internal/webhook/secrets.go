/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"context"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
)

// SecretEnvPrefix marks environment variables holding webhook signing
// secrets. Several may be set while rotating.
const SecretEnvPrefix = "WEBHOOK_SECRET"

// LoadSecretsFromEnv returns the value of every non-empty variable named
// with SecretEnvPrefix.
func LoadSecretsFromEnv(ctx context.Context) [][]byte {
	var secrets [][]byte
	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || v == "" {
			continue
		}

		if strings.HasPrefix(k, SecretEnvPrefix) {
			clog.InfoContextf(ctx, "loading webhook secret: %q", k)
			secrets = append(secrets, []byte(v))
		}
	}
	return secrets
}
