package observability

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "thermostat_poll_duration_seconds",
			Help:    "Duration of individual device polls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermostat_poll_errors_total",
			Help: "Device polls that failed.",
		},
	)
	devicesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermostat_devices_online",
			Help: "Devices that answered the most recent poll cycle.",
		},
	)
	syncUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_uploads_total",
			Help: "Uploads to the central server by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	commandsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_executed_total",
			Help: "Remote commands executed by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	rollupRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollup_rows_written_total",
			Help: "Minute rollup rows written.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, pollDuration, pollErrors, devicesOnline,
		syncUploads, commandsExecuted, rollupRows)
}

// PollerMetrics feeds poll outcomes into the registered collectors.
type PollerMetrics struct{}

func (PollerMetrics) PollObserved(d time.Duration, failed bool) {
	pollDuration.Observe(d.Seconds())
	if failed {
		pollErrors.Inc()
	}
}

func (PollerMetrics) DevicesOnline(n int) {
	devicesOnline.Set(float64(n))
}

// SyncObserved records one upload attempt against the central server.
func SyncObserved(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	syncUploads.WithLabelValues(kind, outcome).Inc()
}

// CommandObserved records one executed remote command.
func CommandObserved(kind string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	commandsExecuted.WithLabelValues(kind, outcome).Inc()
}

// RollupObserved records minute rows written by one rollup pass.
func RollupObserved(rows int) {
	rollupRows.Add(float64(rows))
}

// SetupObservability configures trace propagation and the tracer provider.
// Spans are exported over OTLP when otlpEndpoint is set; otherwise the
// provider stays local and spans are dropped.
func SetupObservability(serviceName, otlpEndpoint string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Error("failed to create otel resource", "error", err)
		os.Exit(1)
	}

	var tp *trace.TracerProvider
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			slog.Error("failed to create otlp exporter", "error", err)
			os.Exit(1)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() { _ = tp.Shutdown(context.Background()) }
	promHandler = promhttp.Handler()
	tracer = otel.Tracer(serviceName)
	return shutdown, promHandler, tracer
}

// MetricsAndTracingMiddleware counts requests and opens a span per request.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := r.URL.Path
			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+endpoint)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", endpoint),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}

			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.status
			span.SetAttributes(attribute.Int("http.status_code", status))
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(status)).Inc()
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
