/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	mReqCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_client_request_count",
			Help: "The total number of HTTP requests",
		},
		[]string{"code", "method", "host", "path", "service_name", "revision_name"},
	)
	mReqInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_client_request_in_flight",
			Help: "The number of outgoing HTTP requests currently inflight",
		},
		[]string{"method", "host", "path", "service_name", "revision_name"},
	)
	mReqDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "The duration of HTTP requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"code", "method", "host", "path", "service_name", "revision_name"},
	)
	mRateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "api_rate_limit_remaining",
			Help: "The number of requests remaining in the current rate limit window",
		},
		[]string{"host", "resource"},
	)
	mRateLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "api_rate_limit",
			Help: "The number of requests allowed during the rate limit window",
		},
		[]string{"host", "resource"},
	)
	mRateLimitTimeToReset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "api_rate_limit_time_to_reset",
			Help: "The number of minutes until the current rate limit window resets",
		},
		[]string{"host", "resource"},
	)

	seenHostMap = sync.Map{}
)

var buckets = map[string]string{
	"api.github.com": "GitHub API",
	"api.cursor.com": "Cursor API",
	"slack.com":      "Slack API",
}

// SetBuckets replaces the host to bucket mapping used for metric labels.
func SetBuckets(b map[string]string) { buckets = b }

// Transport is an http.RoundTripper that records metrics for each request.
var Transport = WrapTransport(http.DefaultTransport)

type MetricsTransport struct {
	http.RoundTripper

	inner http.RoundTripper
}

// WrapTransport wraps an http.RoundTripper with instrumentation.
func WrapTransport(t http.RoundTripper) http.RoundTripper {
	return &MetricsTransport{
		RoundTripper: instrumentRoundTripperCounter(
			instrumentRoundTripperInFlight(
				instrumentRoundTripperDuration(
					instrumentRateLimits(
						otelhttp.NewTransport(t))))),
		inner: t,
	}
}

// ExtractInnerTransport returns the transport WrapTransport was given.
func ExtractInnerTransport(rt http.RoundTripper) http.RoundTripper {
	if mt, ok := rt.(*MetricsTransport); ok {
		return mt.inner
	}
	return rt
}

func mapErrorToLabel(err error) string {
	switch msg := err.Error(); {
	case strings.Contains(msg, "no route to host"):
		return "no-route-to-host"
	case strings.Contains(msg, "i/o timeout"):
		return "io-timeout"
	case strings.Contains(msg, "TLS handshake timeout"):
		return "tls-handshake-timeout"
	case strings.Contains(msg, "context canceled"):
		return "context-canceled"
	case strings.Contains(msg, "unexpected EOF"):
		return "unexpected-eof"
	}
	return "unknown-error"
}

func labels(r *http.Request) prometheus.Labels {
	return prometheus.Labels{
		"method":        r.Method,
		"host":          bucketize(r.Context(), r.URL.Host),
		"path":          bucketizePath(r.URL.Path),
		"service_name":  env.KnativeServiceName,
		"revision_name": env.KnativeRevisionName,
	}
}

func instrumentRoundTripperCounter(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		l := labels(r)
		resp, err := next.RoundTrip(r)
		if err == nil {
			l["code"] = strconv.Itoa(resp.StatusCode)
		} else {
			l["code"] = mapErrorToLabel(err)
		}
		mReqCount.With(l).Inc()
		return resp, err
	}
}

func instrumentRoundTripperInFlight(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		g := mReqInFlight.With(labels(r))
		g.Inc()
		defer g.Dec()
		return next.RoundTrip(r)
	}
}

func instrumentRoundTripperDuration(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)
		if err == nil {
			l := labels(r)
			l["code"] = strconv.Itoa(resp.StatusCode)
			mReqDuration.With(l).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

func bucketize(ctx context.Context, host string) string {
	if b, ok := buckets[host]; ok {
		return b
	}
	for k, v := range buckets {
		if strings.HasSuffix(host, "."+k) {
			return v
		}
	}

	v, _ := seenHostMap.LoadOrStore(host, &atomic.Int64{})
	if seen := v.(*atomic.Int64).Add(1); seen%100 == 1 {
		clog.WarnContext(ctx, `bucketing host as "other", use httpmetrics.SetBuckets`, "host", host, "seen", seen)
	}
	return "other"
}

// instrumentRateLimits records the X-RateLimit-* headers that GitHub and the
// agent API return.
func instrumentRateLimits(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		resp, err := next.RoundTrip(r)
		if err != nil {
			return resp, err
		}
		limitHeader := resp.Header.Get("X-RateLimit-Limit")
		if limitHeader == "" {
			return resp, nil
		}

		l := prometheus.Labels{
			"host":     bucketize(r.Context(), r.URL.Host),
			"resource": resp.Header.Get("X-RateLimit-Resource"),
		}
		if l["resource"] == "" {
			l["resource"] = "unknown"
		}

		val := func(key string) float64 {
			i, err := strconv.ParseInt(resp.Header.Get(key), 10, 64)
			if err != nil {
				return 0
			}
			return float64(i)
		}
		mRateLimitRemaining.With(l).Set(val("X-RateLimit-Remaining"))
		mRateLimit.With(l).Set(val("X-RateLimit-Limit"))
		if reset := val("X-RateLimit-Reset"); reset > 0 {
			mRateLimitTimeToReset.With(l).Set(time.Until(time.Unix(int64(reset), 0)).Minutes())
		}
		return resp, nil
	}
}

// String is used in debug logs.
func (mt *MetricsTransport) String() string {
	return fmt.Sprintf("httpmetrics(%T)", mt.inner)
}
