package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CARDINALITY:
//
// Span attributes feeding metrics must stay bounded. Session ids, URLs and
// destination paths belong in logs (correlated through trace_id), never in
// metric attributes. Safe values: operation names, statuses, priorities,
// digest algorithms.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		// The error text goes to the span status only, it is unbounded.
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, duration)

	return err
}

// InstrumentFetchOperation instruments probe and fetch requests against download servers.
func (t *Telemetry) InstrumentFetchOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "fetch_"+operation, "fetcher", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordFetchOperation(operation, status)

	return err
}

// StartSessionSpan opens the span that covers one download session. Logs written
// with the returned context carry its trace id.
func (t *Telemetry) StartSessionSpan(ctx context.Context, priority string) (context.Context, trace.Span) {
	ctx, span := t.Tracer().Start(ctx, "download_session")
	span.SetAttributes(attribute.String("download.priority", priority))

	return ctx, span
}
