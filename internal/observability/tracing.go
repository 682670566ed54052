package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
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

	"github.com/pitabwire/assessor/internal/config"
)

const tracerName = "github.com/pitabwire/assessor"

// Span attribute keys shared by the workflow engine and the appeals manager.
var (
	AttrDefinitionID = attribute.Key("workflow.definition_id")
	AttrInstanceID   = attribute.Key("workflow.instance_id")
	AttrTransitionID = attribute.Key("workflow.transition_id")
	AttrTargetStepID = attribute.Key("workflow.target_step_id")
	AttrEntityType   = attribute.Key("workflow.entity_type")
	AttrEntityID     = attribute.Key("workflow.entity_id")
	AttrAppealID     = attribute.Key("appeal.id")
	AttrAppealType   = attribute.Key("appeal.type")
	AttrAppealStatus = attribute.Key("appeal.status")
	AttrDecision     = attribute.Key("appeal.decision")
)

// propagator carries W3C trace context and baggage across HTTP hops.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// InitTracing installs the global tracer provider for assessord. The
// returned func flushes buffered spans and must run before exit. Disabled
// tracing keeps the otel no-op provider.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter %q: %w", cfg.Exporter, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	if cfg.ForceSampleErrors {
		processor = &errorSpanProcessor{SpanProcessor: processor, exporter: exporter}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithSpanProcessor(processor),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, errors.New("want otlp or stdout")
}

// newSampler samples root spans at cfg.SamplingRate (default 0.1) and
// follows the parent decision otherwise. With ForceSampleErrors, spans the
// ratio drops are still recorded so errorSpanProcessor can export the ones
// that fail.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := min(cfg.SamplingRate, 1.0)
	if rate <= 0 {
		rate = 0.1
	}

	base := sdktrace.TraceIDRatioBased(rate)
	if rate == 1.0 {
		base = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(base)

	if cfg.ForceSampleErrors {
		return recordUnsampled{delegate: sampler}
	}
	return sampler
}

// recordUnsampled downgrades Drop decisions to RecordOnly.
type recordUnsampled struct {
	delegate sdktrace.Sampler
}

func (s recordUnsampled) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	result := s.delegate.ShouldSample(p)
	if result.Decision == sdktrace.Drop {
		result.Decision = sdktrace.RecordOnly
	}
	return result
}

func (s recordUnsampled) Description() string {
	return "RecordUnsampled{" + s.delegate.Description() + "}"
}

// errorSpanProcessor exports unsampled spans that ended with an error status
// straight to the exporter and hands everything else to the wrapped
// processor. The otlp and stdout exporters are safe for concurrent use.
type errorSpanProcessor struct {
	sdktrace.SpanProcessor
	exporter sdktrace.SpanExporter
}

func (p *errorSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.SpanContext().IsSampled() {
		p.SpanProcessor.OnEnd(s)
		return
	}
	if s.Status().Code == codes.Error {
		_ = p.exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{s})
	}
}

// Tracer is the tracer every assessor span is started from.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err, if any, as the span's error status and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the hex trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any W3C
// traceparent the caller sent and echoing the trace context on the response.
// Once routing is done the span is renamed to the chi route pattern.
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
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := routePattern(r)
		status := responseStatus(ww)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// InjectTraceHeaders copies the trace context of ctx onto outbound headers,
// used for calls to the validation engine.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
