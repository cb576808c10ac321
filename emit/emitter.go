// Package emit provides event emission and observability for the
// validation processes.
package emit

import "context"

// Emitter receives observability events from the validator, testers,
// and runners.
//
// Implementations should be non-blocking (never slow down the event
// loop), safe for concurrent use, and resilient: a failing backend must
// not crash the process. Emit must not panic.
type Emitter interface {
	// Emit sends one event to the configured backend.
	Emit(event Event)

	// EmitBatch sends multiple events in one operation, preserving
	// order. Individual event failures are logged, not returned; the
	// error is reserved for catastrophic backend failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush ensures all buffered events reach the backend. Call before
	// process exit. Safe to call multiple times.
	Flush(ctx context.Context) error
}
