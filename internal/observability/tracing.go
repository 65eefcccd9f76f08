package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/workwell/internal/config"
)

const (
	tracerName          = "github.com/pitabwire/workwell"
	defaultSamplingRate = 0.1
)

// Span attributes shared by the engagement packages.
var (
	AttrSubjectID     = attribute.Key("workwell.subject_id")
	AttrCollectionURL = attribute.Key("workwell.collection_url")
	AttrEngagementURL = attribute.Key("workwell.engagement_url")
	AttrWorkflowID    = attribute.Key("workwell.workflow_id")
	AttrStepID        = attribute.Key("workwell.step_id")
	AttrAction        = attribute.Key("workwell.action")
	AttrRoute         = attribute.Key("workwell.route")
	AttrWrite         = attribute.Key("workwell.write")
	AttrLifecycle     = attribute.Key("workwell.lifecycle_state")
	AttrYear          = attribute.Key("workwell.year")
	AttrCacheHit      = attribute.Key("workwell.cache_hit")
)

// InitTracing installs the global tracer provider and propagators. When
// tracing is disabled the returned shutdown is a no-op and the global
// provider is left alone.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q (want otlp or stdout)", cfg.Exporter)
	}
}

// newSampler honours the caller's sampling decision and otherwise samples
// root spans at SamplingRate, clamped to (0, 1]. ForceSampleWrites wraps it
// in a writeSampler.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch rate := cfg.SamplingRate; {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.TraceIDRatioBased(defaultSamplingRate)
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}

	sampler := sdktrace.ParentBased(root)
	if cfg.ForceSampleWrites {
		return &writeSampler{delegate: sampler}
	}
	return sampler
}

// writeSampler keeps every span started with AttrWrite=true, so each
// engagement mutation sent upstream is traced.
type writeSampler struct {
	delegate sdktrace.Sampler
}

func (s *writeSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, kv := range p.Attributes {
		if kv.Key != AttrWrite || !kv.Value.AsBool() {
			continue
		}
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.delegate.ShouldSample(p)
}

func (s *writeSampler) Description() string {
	return "WriteSampler{" + s.delegate.Description() + "}"
}

// Tracer returns the module's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartClientSpan starts a client span for a call to the remote API.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpanWithError records err, if any, and ends span.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the hex trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the hex span ID of the active span, or "".
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request, continuing the app's
// traceparent when present, and echoes the trace context on the response.
// After routing the span takes the chi pattern as its name, keeping
// collection IDs out of span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := newStatusRecorder(w)
		next.ServeHTTP(sw, r.WithContext(ctx))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders writes the active trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
