/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import "regexp"

type pathPattern struct {
	pattern *regexp.Regexp
	bucket  string
}

// Known endpoints, collapsed so IDs do not explode label cardinality.
var apiPatterns = []pathPattern{{
	pattern: regexp.MustCompile(`^(/v\d+)?/agents$`),
	bucket:  "/agents",
}, {
	pattern: regexp.MustCompile(`^(/v\d+)?/agents/[^/]+$`),
	bucket:  "/agents/{id}",
}, {
	pattern: regexp.MustCompile(`^(/v\d+)?/agents/[^/]+/followups$`),
	bucket:  "/agents/{id}/followups",
}, {
	// https://docs.github.com/en/rest/commits/statuses#get-the-combined-status-for-a-specific-reference
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/commits/.+/status$`),
	bucket:  "/repos/{org}/{repo}/commits/{ref}/status",
}, {
	// https://docs.github.com/en/rest/deployments/deployments#list-deployments
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/deployments$`),
	bucket:  "/repos/{org}/{repo}/deployments",
}, {
	// https://docs.github.com/en/rest/deployments/statuses#list-deployment-statuses
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/deployments/\d+/statuses$`),
	bucket:  "/repos/{org}/{repo}/deployments/{id}/statuses",
}, {
	// Slack Web API methods have no identifiers in the path.
	pattern: regexp.MustCompile(`^/api/[a-zA-Z.]+$`),
	bucket:  "",
}}

func bucketizePath(path string) string {
	for _, p := range apiPatterns {
		if p.pattern.MatchString(path) {
			if p.bucket == "" {
				return path
			}
			return p.bucket
		}
	}
	return ""
}
