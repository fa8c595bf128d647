package audit

import (
	"context"
	"sync"
)

// Recorder buffers the events of one request. The data-access guard flushes
// the buffer inside the enclosing unit of work, after cross-tenant write
// validation and before the database commit, preserving operation order.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

type recorderContextKey struct{}

// WithRecorder binds a fresh recorder to the request context.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	r := &Recorder{}
	return context.WithValue(ctx, recorderContextKey{}, r), r
}

// RecorderFromContext returns the bound recorder, nil outside a request.
func RecorderFromContext(ctx context.Context) *Recorder {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(recorderContextKey{}).(*Recorder)
	return r
}

// Record buffers an event. Scope fields and timestamps are filled here so
// the flushed order matches the recorded order.
func (r *Recorder) Record(ctx context.Context, event Event) {
	fill(ctx, &event)
	r.mu.Lock()
	r.events = append(r.events, &event)
	r.mu.Unlock()
}

// Len reports buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Flush appends buffered events in order. A failed append stops the flush
// and surfaces ErrWriteFailed; the caller must abort its unit of work.
func (r *Recorder) Flush(ctx context.Context, append func(context.Context, *Event) error) error {
	r.mu.Lock()
	events := r.events
	r.events = nil
	r.mu.Unlock()

	for _, event := range events {
		mirror(event)
		if err := append(ctx, event); err != nil {
			return ErrWriteFailed
		}
	}
	return nil
}

// RecordIn is a convenience when a recorder may be absent (background tasks
// without one fall back to direct store writes by the caller).
func RecordIn(ctx context.Context, event Event) bool {
	r := RecorderFromContext(ctx)
	if r == nil {
		return false
	}
	r.Record(ctx, event)
	return true
}
