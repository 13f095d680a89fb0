package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter creates an OpenTelemetry span per event. Span name is
// the event message; execution id, step, path and node become
// attributes, as does every Meta field. An "error" meta field sets the
// span status to error.
//
// Wire up a provider in application code and pass its tracer:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("dygram"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter. Events are point-in-time, so the span is
// ended immediately.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("dygram.execution_id", event.ExecutionID),
		attribute.Int("dygram.step", event.Step),
	)
	if event.PathID != "" {
		span.SetAttributes(attribute.String("dygram.path_id", event.PathID))
	}
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("dygram.node_id", event.NodeID))
	}
	if event.Level != "" {
		span.SetAttributes(attribute.String("dygram.level", event.Level))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("dygram.meta."+key, value))
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// EmitBatch implements Emitter.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.Emit(e)
	}
	return nil
}

// Flush implements Emitter. Span export is the provider's concern;
// nothing is buffered here.
func (o *OTelEmitter) Flush(context.Context) error { return nil }
