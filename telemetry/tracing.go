// Package telemetry traces coordinator message handling and task dispatch
// with OpenTelemetry.
//
// Without InitProvider every helper records to a no-op tracer, so callers
// never need to check whether tracing is enabled.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanHandleMessage = "fleet.handle_message"
	SpanSendTask      = "fleet.send_task"
	SpanDeadCallback  = "fleet.dead_callback"
)

// Attribute keys.
const (
	AttrNodeID      = attribute.Key("fleet.node_id")
	AttrTopic       = attribute.Key("messaging.destination.name")
	AttrPayloadSize = attribute.Key("messaging.message.body.size")
	AttrPayload     = attribute.Key("fleet.payload")
	AttrMessageKind = attribute.Key("fleet.message_kind")
	AttrRetained    = attribute.Key("fleet.retained")
	AttrStatus      = attribute.Key("fleet.status")
	AttrTransition  = attribute.Key("fleet.liveness_transition")
)

// Tracer wraps OpenTelemetry tracing with fleet-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewNoopTracer()
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Debug returns whether payloads are recorded.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Message Spans ---

// MessageSpanOptions describes the outcome of handling one inbound message.
type MessageSpanOptions struct {
	Kind       string // registration, status, result
	NodeID     string
	Status     string
	Retained   bool
	Transition string
}

// StartMessageSpan starts a span for one inbound broker message.
func (t *Tracer) StartMessageSpan(ctx context.Context, topic string, payload []byte) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrPayloadSize.Int(len(payload)),
	}
	if t.debug {
		attrs = append(attrs, AttrPayload.String(truncate(string(payload), 4000)))
	}
	return t.tracer.Start(ctx, SpanHandleMessage,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// EndMessageSpan ends a message span with attributes.
func (t *Tracer) EndMessageSpan(span trace.Span, opts MessageSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		AttrMessageKind.String(opts.Kind),
		AttrRetained.Bool(opts.Retained),
	}
	if opts.NodeID != "" {
		attrs = append(attrs, AttrNodeID.String(opts.NodeID))
	}
	if opts.Status != "" {
		attrs = append(attrs, AttrStatus.String(opts.Status))
	}
	if opts.Transition != "" {
		attrs = append(attrs, AttrTransition.String(opts.Transition))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Dispatch Spans ---

// StartDispatchSpan starts a span for a task published to a node.
func (t *Tracer) StartDispatchSpan(ctx context.Context, nodeID, topic string, payload []byte) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrNodeID.String(nodeID),
		AttrTopic.String(topic),
		AttrPayloadSize.Int(len(payload)),
	}
	if t.debug {
		attrs = append(attrs, AttrPayload.String(truncate(string(payload), 4000)))
	}
	return t.tracer.Start(ctx, SpanSendTask,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// EndDispatchSpan ends a dispatch span.
func (t *Tracer) EndDispatchSpan(span trace.Span, err error) {
	endSpan(span, err)
}

// --- Callback Spans ---

// StartCallbackSpan starts a span around dead-node callback dispatch.
func (t *Tracer) StartCallbackSpan(ctx context.Context, nodeIDs []string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanDeadCallback,
		trace.WithAttributes(attribute.StringSlice("fleet.node_ids", nodeIDs)),
	)
}

// EndCallbackSpan ends a callback span, recording every callback failure.
func (t *Tracer) EndCallbackSpan(span trace.Span, errs []error) {
	for _, err := range errs {
		span.RecordError(err)
	}
	if len(errs) > 0 {
		span.SetStatus(codes.Error, errs[0].Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Helpers ---

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}
