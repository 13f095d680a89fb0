package emit

import "context"

// NullEmitter discards every event. Useful as a default when no
// observability backend is configured.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (*NullEmitter) Emit(Event) {}

// EmitBatch implements Emitter.
func (*NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush implements Emitter.
func (*NullEmitter) Flush(context.Context) error { return nil }
