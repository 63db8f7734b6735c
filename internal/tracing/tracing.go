// Package tracing wires up the OpenTelemetry tracer used across the
// controller. The state machine and run loop need the SDK's
// span-timestamp-override surface to emit spans whose start/end are
// historical Job timestamps rather than "now".
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/opensafely-core/job-runner"

// Init installs an always-sampling TracerProvider and returns a
// shutdown func. Exporter wiring is an operational concern left to the
// deployment.
func Init(serviceName string) (shutdown func(context.Context) error) {
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpanBetween starts and immediately ends a span whose wall-clock
// bounds are historical timestamps rather than "now", used by the state
// machine to emit a span named after the status a Job is leaving,
// spanning from that status's status_code_updated_at to the current
// tick's now.
func StartSpanBetween(ctx context.Context, name string, start, end time.Time, attrs ...attribute.KeyValue) {
	_, span := tracer().Start(ctx, name, trace.WithTimestamp(start), trace.WithAttributes(attrs...))
	span.End(trace.WithTimestamp(end))
}

// StartTick starts the TICK span enveloping one run loop iteration; the
// caller ends it with the returned func once every Job in the tick has
// been processed.
func StartTick(ctx context.Context) (context.Context, func()) {
	ctx, span := tracer().Start(ctx, "TICK")
	return ctx, func() { span.End() }
}

// StartJobChild starts a per-Job child span under the current TICK
// span, named after the Job's status_code at the start of this tick.
func StartJobChild(ctx context.Context, jobID string, leavingStatus string) (context.Context, func()) {
	ctx, span := tracer().Start(ctx, leavingStatus, trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	return ctx, func() { span.End() }
}

// TraceIDFromContext returns the current span's trace ID as a string,
// or "" when ctx carries no valid span. Recorded on the Job as its
// trace_context for cross-span correlation.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// StartRootJobSpan emits the terminal root JOB span spanning a Job's
// full lifetime, createdAt to now.
func StartRootJobSpan(ctx context.Context, jobID string, createdAt, completedAt time.Time) {
	_, span := tracer().Start(ctx, "JOB", trace.WithTimestamp(createdAt), trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	span.End(trace.WithTimestamp(completedAt))
}

// StartEnterStateSpan emits the Kubernetes executor's "ENTER <state>"
// span with a fixed one-second lifetime. The span marks when the state
// was entered; its end timestamp is not meaningful and callers must
// not rely on it.
func StartEnterStateSpan(ctx context.Context, state string, ts time.Time) {
	_, span := tracer().Start(ctx, "ENTER "+state, trace.WithTimestamp(ts))
	span.End(trace.WithTimestamp(ts.Add(time.Second)))
}
