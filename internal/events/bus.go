// Package events implements the typed SSE event protocol: pipelines publish
// events into a bounded channel; a writer goroutine drains the channel,
// formats one `data: {json}\n\n` frame per event, and flushes.
package events

import (
	"context"
	"encoding/json"
)

// Event is the envelope every frame carries: a type discriminator plus a
// typed payload. Fields is merged into the wire object at marshal time, so
// callers build one with a literal map rather than a generated per-type
// struct. See council/arena packages for the concrete payload shapes.
type Event struct {
	Type   string
	Fields map[string]any
}

// MarshalJSON flattens Fields alongside the type discriminator so the wire
// shape is `{"type": "...", ...fields}` rather than a nested object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

// New builds an Event from a type name and inline key/value pairs, e.g.
// New("stage1_model_response", "model", "openai/gpt-4o", "position", 1).
func New(typ string, kv ...any) Event {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return Event{Type: typ, Fields: fields}
}

// ErrorEvent is the terminal frame emitted on any uncaught pipeline failure.
// After it is written, the stream ends; the pending marker (a separate
// component) still carries whatever partial state was persisted.
func ErrorEvent(message string) Event {
	return New("error", "message", message)
}

// defaultBufferSize bounds how far a fast pipeline can run ahead of a slow
// SSE writer before Publish starts blocking.
const defaultBufferSize = 64

// Bus is a single-producer-many-stage, single-consumer channel of Events
// for one in-flight deliberation stream.
type Bus struct {
	ch chan Event
}

// NewBus allocates a bounded event channel.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, defaultBufferSize)}
}

// Publish enqueues an event, blocking if the buffer is full. It returns
// ctx.Err() without blocking forever if the caller's scope is cancelled
// first.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	select {
	case b.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no further events will be published. It must be called
// exactly once, after every producer goroutine has returned.
func (b *Bus) Close() {
	close(b.ch)
}

// Events returns the receive side of the bus for a consumer (the SSE
// writer, or a test harness) to range over.
func (b *Bus) Events() <-chan Event {
	return b.ch
}
