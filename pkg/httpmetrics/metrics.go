/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ServeMetrics serves the metrics endpoint on METRICS_PORT. It blocks.
func ServeMetrics() {
	var env struct {
		MetricsPort int  `env:"METRICS_PORT, default=2112"`
		EnablePprof bool `env:"ENABLE_PPROF, default=false"`
	}
	if err := envconfig.Process(context.Background(), &env); err != nil {
		slog.Error("Failed to process environment variables", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if env.EnablePprof {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		slog.Error("listen and serve for http /metrics", "error", err)
	}
}

var (
	inFlightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "A gauge of requests currently being served by the wrapped handler.",
		},
		[]string{"handler", "service_name", "revision_name"},
	)
	duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"handler", "method", "service_name", "revision_name"},
	)
	counter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_status",
			Help: "The number of processed requests by response code",
		},
		[]string{"handler", "method", "code", "service_name", "revision_name"},
	)
)

// https://cloud.google.com/run/docs/container-contract#services-env-vars
var env = envconfig.MustProcess(context.Background(), &struct {
	KnativeServiceName  string `env:"K_SERVICE, default=unknown"`
	KnativeRevisionName string `env:"K_REVISION, default=unknown"`
}{})

// Handler wraps a given http handler in standard metrics handlers.
func Handler(name string, handler http.Handler) http.Handler {
	labels := prometheus.Labels{
		"handler":       name,
		"service_name":  env.KnativeServiceName,
		"revision_name": env.KnativeRevisionName,
	}
	return promhttp.InstrumentHandlerInFlight(
		inFlightGauge.With(labels),
		promhttp.InstrumentHandlerDuration(
			duration.MustCurryWith(labels),
			instrumentHandlerCounter(
				counter.MustCurryWith(labels),
				otelhttp.NewHandler(handler, name),
			),
		),
	)
}

// HandlerFunc wraps a given http handler func in standard metrics handlers.
func HandlerFunc(name string, f func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return Handler(name, http.HandlerFunc(f)).ServeHTTP
}

// SetupTracer installs an OTLP trace exporter configured from the standard
// OTEL_* environment variables.
//
// Expected usage:
//
//	defer httpmetrics.SetupTracer(ctx)()
func SetupTracer(ctx context.Context) func() {
	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		clog.FromContext(ctx).Fatalf("SetupTracer() = %v", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(resource.Default()),
		trace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("Error shutting down tracer provider", "error", err)
		}
	}
}

type delegator struct {
	http.ResponseWriter
	Status int
}

func (d *delegator) WriteHeader(status int) {
	d.Status = status
	d.ResponseWriter.WriteHeader(status)
}

func instrumentHandlerCounter(counter *prometheus.CounterVec, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := &delegator{
			ResponseWriter: w,
			Status:         http.StatusOK,
		}

		next.ServeHTTP(d, r)
		counter.With(prometheus.Labels{
			"method": r.Method,
			"code":   strconv.Itoa(d.Status),
		}).Inc()
	}
}
