package emit

import "context"

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use, must not block
// execution, and must not panic; backend failures are logged internally
// or dropped.
type Emitter interface {
	// Emit delivers one event.
	Emit(event Event)

	// EmitBatch delivers multiple events in order. Implementations may
	// amortize backend round-trips; individual event failures are
	// logged, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or the context
	// ends. Safe to call repeatedly.
	Flush(ctx context.Context) error
}
