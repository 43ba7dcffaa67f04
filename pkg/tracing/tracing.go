// Package tracing sets up OpenTelemetry with a Jaeger exporter and names the
// spans the call agent emits.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "voicelink"

var (
	UserIDKey    = attribute.Key("user.id")
	CallIDKey    = attribute.Key("call.id")
	CallStateKey = attribute.Key("call.state")
	ChannelKey   = attribute.Key("bus.channel")
	EventKey     = attribute.Key("bus.event")
	TargetKey    = attribute.Key("reconnect.target")
	AttemptKey   = attribute.Key("reconnect.attempt")
)

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	JaegerURL      string
	Environment    string
	// Fraction of new traces sampled. Child spans follow their parent.
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "voicelink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the SDK provider, if one was installed.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a global provider exporting to Jaeger. When tracing is
// disabled the global no-op provider is left alone and spans cost nothing.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// End records err, if any, and ends span.
func End(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceCallIntent covers one user intent against the call state machine.
func TraceCallIntent(ctx context.Context, intent, userID, state string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call."+intent,
		trace.WithAttributes(
			UserIDKey.String(userID),
			CallStateKey.String(state),
		),
	)
}

// TraceReconnect covers one reconnection attempt. scope is "channel" or
// "peer"; target is the channel name or the remote user.
func TraceReconnect(ctx context.Context, scope, target string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, scope+".reconnect",
		trace.WithAttributes(
			TargetKey.String(target),
			AttemptKey.Int(attempt),
		),
	)
}

func TracePublish(ctx context.Context, channel, event string) (context.Context, trace.Span) {
	return StartSpan(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			ChannelKey.String(channel),
			EventKey.String(event),
		),
	)
}
