package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/events"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
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
	jobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_jobs_total",
			Help: "Job queue transitions by event.",
		},
		[]string{"event"},
	)
	nodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_node_duration_seconds",
			Help:    "Node dispatch latency by node type and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"node_type", "outcome"},
	)
	executionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_finished_total",
			Help: "Finished workflow executions by status.",
		},
		[]string{"status"},
	)
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_workers_busy",
		Help: "Workers currently executing a node.",
	})
)

func init() {
	prometheus.MustRegister(requestCounter, jobCounter, nodeDuration, executionCounter, activeWorkers)
}

// Setup installs the global propagator, meter and tracer providers. Spans
// are exported over OTLP/HTTP when otlpEndpoint is set.
func Setup(ctx context.Context, serviceName, otlpEndpoint string) (shutdown func(context.Context) error, promHandler http.Handler, tracer oteltrace.Tracer, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter)))

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("otel resource: %w", err)
	}

	var tp *trace.TracerProvider
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("otlp exporter: %w", err)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	return tp.Shutdown, promhttp.Handler(), otel.Tracer(serviceName), nil
}

func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+r.URL.Path)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)

			// Label by route pattern so ids do not explode cardinality.
			endpoint := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				endpoint = rc.RoutePattern()
			}
			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(rw.status)).Inc()
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

// Flush keeps websocket and streaming handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// QueueMetrics counts job queue transitions.
type QueueMetrics struct{}

func (QueueMetrics) Enqueued()      { jobCounter.WithLabelValues("enqueued").Inc() }
func (QueueMetrics) Claimed()       { jobCounter.WithLabelValues("claimed").Inc() }
func (QueueMetrics) ClaimConflict() { jobCounter.WithLabelValues("claim_conflict").Inc() }
func (QueueMetrics) Completed()     { jobCounter.WithLabelValues("completed").Inc() }
func (QueueMetrics) Retried()       { jobCounter.WithLabelValues("retried").Inc() }
func (QueueMetrics) DeadLettered()  { jobCounter.WithLabelValues("dead_lettered").Inc() }
func (QueueMetrics) LeaseExpired()  { jobCounter.WithLabelValues("lease_expired").Inc() }

// WorkerMetrics observes node dispatch.
type WorkerMetrics struct{}

func (WorkerMetrics) NodeStarted() { activeWorkers.Inc() }

func (WorkerMetrics) NodeFinished(nodeType, outcome string, d time.Duration) {
	activeWorkers.Dec()
	nodeDuration.WithLabelValues(nodeType, outcome).Observe(d.Seconds())
}

// ExecutionMetrics counts finished executions from the event stream.
type ExecutionMetrics struct{}

func (ExecutionMetrics) Publish(_ uuid.UUID, evt events.Event) {
	if evt.Type == events.ExecutionFinished {
		executionCounter.WithLabelValues(evt.Status).Inc()
	}
}
