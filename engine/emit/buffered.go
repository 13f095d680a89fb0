package emit

import (
	"context"
	"sync"
)

// BufferedEmitter collects events in memory and forwards them to a
// downstream emitter on Flush or when the buffer fills. It decouples
// execution from slow backends.
type BufferedEmitter struct {
	mu       sync.Mutex
	buffer   []Event
	capacity int
	sink     Emitter
}

// NewBufferedEmitter wraps sink with a buffer of the given capacity.
// Capacity <= 0 defaults to 256.
func NewBufferedEmitter(sink Emitter, capacity int) *BufferedEmitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &BufferedEmitter{
		buffer:   make([]Event, 0, capacity),
		capacity: capacity,
		sink:     sink,
	}
}

// Emit implements Emitter. When the buffer reaches capacity it is
// flushed to the sink synchronously.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.buffer = append(b.buffer, event)
	full := len(b.buffer) >= b.capacity
	var pending []Event
	if full {
		pending = b.take()
	}
	b.mu.Unlock()

	if full {
		_ = b.sink.EmitBatch(context.Background(), pending)
	}
}

// EmitBatch implements Emitter.
func (b *BufferedEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.Emit(e)
	}
	return nil
}

// Flush implements Emitter, draining the buffer into the sink.
func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.take()
	b.mu.Unlock()

	if len(pending) > 0 {
		if err := b.sink.EmitBatch(ctx, pending); err != nil {
			return err
		}
	}
	return b.sink.Flush(ctx)
}

// Len returns the number of buffered events.
func (b *BufferedEmitter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *BufferedEmitter) take() []Event {
	pending := b.buffer
	b.buffer = make([]Event, 0, b.capacity)
	return pending
}
