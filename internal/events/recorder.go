package events

import (
	"context"
	"sync"
)

// Recorder is a synchronous Emitter and Publisher that keeps every event.
// Tests use it to assert what a service emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records ev.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Publish records ev.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.Emit(ctx, ev)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
