package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrDomain     = "domain.name"
	AttrTickSeq    = "tick.seq"
	AttrSystem     = "system.name"
	AttrSlots      = "resolve.pending_slots"
	AttrEntries    = "order.entries"
	AttrEntriesRan = "order.entries_ran"
	AttrActionsRan = "schedule.actions_ran"
	AttrErrorMsg   = "error.message"
)

// Span names.
const (
	SpanPrefixTick = "tick."
)

// Span event names.
const (
	EventSystemResolved   = "system.resolved"
	EventSystemActivated  = "system.activated"
	EventSystemFailed     = "system.failed"
	EventSystemUnresolved = "system.unresolved"
	EventOrderRebuilt     = "order.rebuilt"
	EventOrderCycle       = "order.cycle"
)

// StartTick opens the span covering one domain tick.
func StartTick(ctx context.Context, tracer trace.Tracer, domain string, seq uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanPrefixTick+domain,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrDomain, domain),
			attribute.Int64(AttrTickSeq, int64(seq)),
		),
	)
}

// Event records a span event on the span carried by ctx, if it is recording.
func Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SystemEvent records a lifecycle event for one system.
func SystemEvent(ctx context.Context, name, system string, attrs ...attribute.KeyValue) {
	Event(ctx, name, append([]attribute.KeyValue{attribute.String(AttrSystem, system)}, attrs...)...)
}

// ErrorEvent records err on the current span without failing it.
func ErrorEvent(ctx context.Context, name string, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() || err == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(
		attribute.String(AttrErrorMsg, err.Error()),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
	))
}
