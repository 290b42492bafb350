// Package tracer installs the OpenTelemetry provider and opens the spans
// that wrap command-surface operations.
package tracer

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"hivecore/internal/domain"
	"hivecore/internal/infra/config"
)

const (
	tracerName  = "hivecore"
	spanPrefix  = "command."
	keyActor    = "acting_agent_id"
	keyRole     = "actor_role"
	keyCode     = "error.code"
	keyRun      = "task_run_id"
	keyAgent    = "agent_id"
	serviceName = "hivecore"
)

// Setup installs the global TracerProvider and returns its shutdown.
// Disabled tracing, or the noop exporter, installs a noop provider.
// The stdout exporter writes to stderr because stdout carries MCP frames.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	return setup(ctx, cfg, os.Stderr)
}

func setup(_ context.Context, cfg config.TracerConfig, w io.Writer) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// sampler keeps every trace unless ratio is strictly between 0 and 1.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartCommand opens the "command.<op>" span for one operation.
func StartCommand(ctx context.Context, op, actingAgentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(keyActor, actingAgentID))
	return otel.Tracer(tracerName).Start(ctx, spanPrefix+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// Admitted tags the span with the role the acting agent resolved to.
func Admitted(span trace.Span, role domain.ActorRole) {
	span.SetAttributes(attribute.String(keyRole, string(role)))
}

// EndCommand records the outcome and ends the span. Failures carry their
// error code so spans can be filtered the same way tool errors are.
func EndCommand(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String(keyCode, string(domain.ErrorCodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AgentIdentity names an agent config on a span.
func AgentIdentity(kind domain.AgentKind, agentType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("agent_kind", string(kind)),
		attribute.String("agent_type", agentType),
	}
}

// TaskIdentity names a task config on a span.
func TaskIdentity(kind, taskType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task_kind", kind),
		attribute.String("task_type", taskType),
	}
}

func TaskRun(id string) attribute.KeyValue { return attribute.String(keyRun, id) }

func Agent(id string) attribute.KeyValue { return attribute.String(keyAgent, id) }

func Count(key string, n int) attribute.KeyValue { return attribute.Int(key, n) }

func Label(key, value string) attribute.KeyValue { return attribute.String(key, value) }
