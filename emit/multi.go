package emit

import "context"

// MultiEmitter fans every event out to several backends, in order.
// A failing backend does not stop delivery to the others.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines the given emitters into one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit delivers the event to every backend.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// EmitBatch delivers the batch to every backend, returning the first
// error after all deliveries were attempted.
func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var first error
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Flush flushes every backend, returning the first error after all
// flushes were attempted.
func (m *MultiEmitter) Flush(ctx context.Context) error {
	var first error
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
