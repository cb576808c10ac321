package emit

// Process roles that emit events.
const (
	RoleServer = "server"
	RoleTester = "tester"
	RoleRun    = "run"
)

// Event is one observability record from a validation process.
//
// Events trace the life of the system: queue opens, registrations,
// worker spawns, verdict routing, throttling transitions, shutdown.
// They are emitted to an Emitter, which may log them, convert them to
// trace spans, buffer them, or drop them.
type Event struct {
	// Role names the process role that emitted the event: RoleServer,
	// RoleTester, or RoleRun.
	Role string

	// PID is the operating-system process id of the emitter.
	PID int

	// Msg is a short machine-oriented description of the event, e.g.
	// "tester_registered", "worker_spawned", "verdict_routed".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "word": the word being validated
	//   - "local_id": the tester-local request id
	//   - "runner_pid", "tester_pid": peer process ids
	//   - "verdict": 0 or 1 ("A" or "N" in the runner's own events)
	//   - "error": error details
	Meta map[string]interface{}
}
