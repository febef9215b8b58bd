// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/product-automation/internal/config"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	providerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_provider_calls_total",
			Help: "Total provider attempts, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	providerCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_provider_call_duration_seconds",
			Help:    "Histogram of provider attempt latencies.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	providerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_provider_retries_total",
			Help: "Total retries of transient provider failures.",
		},
		[]string{"provider"},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_rate_limit_wait_seconds",
			Help:    "Histogram of time spent waiting for a provider grant.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	hostWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_host_wait_seconds",
			Help:    "Histogram of politeness waits per scraped host.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"host"},
	)

	stagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_stages_total",
			Help: "Total stage executions, labeled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_stage_duration_seconds",
			Help:    "Histogram of stage execution time including retries.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 180, 600},
		},
		[]string{"stage"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_runs_total",
			Help: "Total runs that reached a terminal status.",
		},
		[]string{"status"},
	)

	itemsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_items_reclaimed_total",
			Help: "Total items claimed again after a lease expired.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_active_workers",
			Help: "Number of workers currently executing a stage.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// InitTelemetry sets up tracing (Google Cloud Trace when a project is set) and
// bridges OpenTelemetry metrics into the default Prometheus registry.
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Application.ServiceName),
				semconv.ServiceVersion(cfg.Application.Version),
				semconv.CloudRegion(cfg.Application.Region),
				semconv.CloudProviderGCP,
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		var traceExporter sdktrace.SpanExporter
		if cfg.Application.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.Application.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Application.TraceSampleRatio))),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		promExporter, err := otelprom.New(
			otelprom.WithRegisterer(prometheus.DefaultRegisterer),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProviderCall records one provider attempt.
func ObserveProviderCall(provider, outcome string, duration time.Duration) {
	providerCallsTotal.WithLabelValues(provider, outcome).Inc()
	providerCallDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveProviderRetry counts a retry of a transient failure.
func ObserveProviderRetry(provider string) {
	providerRetriesTotal.WithLabelValues(provider).Inc()
}

// ObserveRateLimitWait records the time a caller waited for a provider grant.
func ObserveRateLimitWait(provider string, duration time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveHostWait records a politeness wait for a scraped host.
func ObserveHostWait(host string, duration time.Duration) {
	hostWaitSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveStage records one stage execution.
func ObserveStage(stage, outcome string, duration time.Duration) {
	stagesTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveRun counts a run reaching a terminal status.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveReclaim counts an item claimed again after its lease expired.
func ObserveReclaim() {
	itemsReclaimedTotal.Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
