package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Recorder records per-run observability data: a span for the run, a counter
// of vulnerabilities transitioned, and a duration histogram. When telemetry
// is disabled all instruments are no-ops.
type Recorder struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewRecorder builds a Recorder against the global providers. Call after Init.
func NewRecorder() (*Recorder, error) {
	meter := Meter("")

	transitions, err := meter.Int64Counter(
		"vulnsweep.run.transitions",
		metric.WithDescription("Number of vulnerabilities transitioned per run"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"vulnsweep.run.duration",
		metric.WithDescription("Duration of policy runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		tracer:      Tracer(""),
		transitions: transitions,
		duration:    duration,
	}, nil
}

// RecordRun implements engine.RunRecorder.
func (r *Recorder) RecordRun(ctx context.Context, action string, count int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("action", action))
	r.transitions.Add(ctx, int64(count), attrs)
	r.duration.Record(ctx, elapsed.Seconds(), attrs)

	_, span := r.tracer.Start(ctx, "vulnsweep.run",
		trace.WithTimestamp(time.Now().Add(-elapsed)),
		trace.WithAttributes(
			attribute.String("action", action),
			attribute.Int("transitions", count),
		),
	)
	span.End()
}
