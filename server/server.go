// Package server implements the validator: the long-lived process that
// loads an automaton once, admits validation queries from testers,
// schedules runner workers, and routes verdicts back.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/ipc/bytepipe"
	"github.com/dshills/afnet/ipc/msgqueue"
	"github.com/dshills/afnet/proc"
	"github.com/dshills/afnet/protocol"
)

// ServerError reports a fatal validator condition.
type ServerError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code: "QUEUE_OPEN_FAILED",
	// "WORKER_CRASHED".
	Code string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *ServerError) Unwrap() error { return e.Cause }

// Server is the validator event loop and its state: session tables,
// counters, throttling, and the three server-owned queues.
//
// Construct with New, drive with Run. A Server is single-use: Run
// owns every queue and tears them down on return.
type Server struct {
	opts      Options
	graphDesc string
	pid       int

	report   *msgqueue.Queue // testers -> server: parse, exit
	register *msgqueue.Queue // testers -> server: register_tester
	runOut   *msgqueue.Queue // runners -> server: run-terminate

	testers *Table[TesterSession]
	runners *Table[RunnerSession]

	activeRunners   int
	throttled       bool
	shouldTerminate bool

	received int
	sent     int
	accepted int

	fatal error
}

// New creates a validator for the given automaton description (the
// text form, shipped verbatim to every worker) and opens the three
// server-owned queues: the report queue blocking, the register and
// run-output queues non-blocking.
func New(graphDesc string, opts ...Option) (*Server, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.ProcessLimit == 0 {
		o.ProcessLimit = DefaultProcessLimit
	}
	if o.SpawnRetryCount == 0 {
		o.SpawnRetryCount = DefaultSpawnRetryCount
	}
	if o.SpawnRetryDelay == 0 {
		o.SpawnRetryDelay = DefaultSpawnRetryDelay
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Spawner == nil {
		spawner, err := NewExecSpawner()
		if err != nil {
			return nil, &ServerError{Message: "cannot locate run binary", Code: "SPAWNER_UNAVAILABLE", Cause: err}
		}
		o.Spawner = spawner
	}

	s := &Server{
		opts:      o,
		graphDesc: graphDesc,
		pid:       os.Getpid(),
		testers:   NewTable[TesterSession](),
		runners:   NewTable[RunnerSession](),
	}

	var err error
	s.report, err = msgqueue.Open(protocol.ReportQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		return nil, &ServerError{Message: "cannot open report queue", Code: "QUEUE_OPEN_FAILED", Cause: err}
	}
	s.runOut, err = msgqueue.Open(protocol.RunOutQueueName, protocol.LineBufSize, protocol.QueueCapacity, false)
	if err != nil {
		_ = s.report.Remove()
		return nil, &ServerError{Message: "cannot open run-output queue", Code: "QUEUE_OPEN_FAILED", Cause: err}
	}
	s.register, err = msgqueue.Open(protocol.RegisterQueueName, protocol.LineBufSize, protocol.QueueCapacity, false)
	if err != nil {
		_ = s.report.Remove()
		_ = s.runOut.Remove()
		return nil, &ServerError{Message: "cannot open register queue", Code: "QUEUE_OPEN_FAILED", Cause: err}
	}

	return s, nil
}

// Run drives the event loop until a tester requests shutdown (and all
// in-flight work has drained), strict mode escalates a worker crash, or
// ctx is cancelled. It prints the shutdown report and releases every
// queue and pipe before returning.
func (s *Server) Run(ctx context.Context) error {
	s.emit("server_up", nil)

	for {
		if ctx.Err() != nil {
			s.shouldTerminate = true
		}

		s.drainRegister()
		s.adjustThrottle()

		sawVerdict := s.readVerdict()

		reaped, crashed := s.reapChildren()
		if crashed && s.opts.Strict {
			s.failOnWorkerCrash()
			break
		}

		if s.shouldTerminate && !sawVerdict && !reaped &&
			(s.activeRunners <= 0 || s.runners.Len() == 0) {
			s.emit("force_termination", nil)
			s.broadcastExit()
			break
		}

		if !s.shouldTerminate {
			s.readReport()
		} else if !sawVerdict && !reaped {
			// Drain mode polls non-blocking queues; yield briefly so a
			// slow worker does not see a spinning server.
			time.Sleep(time.Millisecond)
		}
	}

	s.shutdown()

	return s.fatal
}

// drainRegister consumes every pending registration without blocking
// and opens a session for each newly announced tester.
func (s *Server) drainRegister() {
	for {
		msg, ok, err := s.register.ReadString()
		if err != nil || !ok {
			return
		}
		reg, ok := protocol.ParseRegister(msg)
		if !ok {
			s.emit("protocol_error", map[string]interface{}{"queue": "register", "msg": msg})
			continue
		}
		s.registerTester(reg.TesterPID, reg.QueueName)
	}
}

// registerTester creates (or returns) the session for a tester,
// idempotent by pid.
func (s *Server) registerTester(pid int, queueName string) *TesterSession {
	if ts, ok := s.testers.Get(pid); ok {
		return ts
	}
	queue, err := msgqueue.OpenSender(queueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		s.emit("protocol_error", map[string]interface{}{
			"error":      err.Error(),
			"tester_pid": pid,
			"queue":      queueName,
		})
		return nil
	}
	ts := &TesterSession{PID: pid, QueueName: queueName, Queue: queue}
	s.testers.Put(pid, ts)
	s.emit("tester_registered", map[string]interface{}{"tester_pid": pid, "queue": queueName})
	return ts
}

// adjustThrottle switches queue blocking modes so the number of live
// runners hovers near the process limit: above it, completions are
// preferred over admissions (run-output blocking, report non-blocking).
// The normal modes are restored by releaseThrottle.
func (s *Server) adjustThrottle() {
	if !s.throttled && s.activeRunners > s.opts.ProcessLimit {
		s.throttled = true
		s.runOut.MakeBlocking(true)
		s.report.MakeBlocking(false)
		s.opts.Metrics.IncThrottle(true)
		s.emit("throttle_on", map[string]interface{}{"active_runners": s.activeRunners})
	}
}

// releaseThrottle is the inverse transition, taken as soon as a verdict
// brings the runner count back under the limit.
func (s *Server) releaseThrottle() {
	if s.throttled && s.activeRunners < s.opts.ProcessLimit {
		s.throttled = false
		s.runOut.MakeBlocking(false)
		s.report.MakeBlocking(true)
		s.opts.Metrics.IncThrottle(false)
		s.emit("throttle_off", map[string]interface{}{"active_runners": s.activeRunners})
	}
}

// readVerdict attempts one read on the run-output queue and routes the
// verdict to the originating tester. Reports whether a verdict arrived.
func (s *Server) readVerdict() bool {
	msg, ok, err := s.runOut.ReadString()
	if err != nil || !ok {
		return false
	}

	verdict, ok := protocol.ParseVerdict(msg)
	if !ok {
		s.emit("protocol_error", map[string]interface{}{"queue": "run_output", "msg": msg})
		return true
	}

	s.activeRunners--
	s.opts.Metrics.SetActiveRunners(s.activeRunners)
	s.releaseThrottle()

	rs, ok := s.runners.Get(verdict.RunnerPID)
	if !ok {
		// An orphaned verdict: a worker of an earlier server, or a
		// session already torn down. Not fatal.
		s.emit("orphan_verdict", map[string]interface{}{"runner_pid": verdict.RunnerPID})
		return true
	}

	_ = rs.GraphPipe.Close()
	s.runners.Delete(verdict.RunnerPID)
	s.opts.Metrics.ObserveVerdictLatency(time.Since(rs.SpawnedAt))

	ts, ok := s.testers.Get(rs.TesterPID)
	if !ok {
		s.emit("orphan_verdict", map[string]interface{}{
			"runner_pid": verdict.RunnerPID,
			"tester_pid": rs.TesterPID,
		})
		return true
	}

	s.sent++
	if verdict.Accepted {
		s.accepted++
		ts.Accepted++
	}
	s.opts.Metrics.IncSent(verdict.Accepted)

	answer := protocol.Answer{LocalID: rs.LocalID, Accepted: verdict.Accepted}
	if err := ts.Queue.Write([]byte(answer.Format())); err != nil {
		s.emit("protocol_error", map[string]interface{}{
			"error":      err.Error(),
			"tester_pid": ts.PID,
		})
	}
	s.emit("verdict_routed", map[string]interface{}{
		"runner_pid": verdict.RunnerPID,
		"tester_pid": ts.PID,
		"local_id":   rs.LocalID,
		"verdict":    boolToInt(verdict.Accepted),
	})
	return true
}

// reapChildren collects one terminated child, if any, without blocking.
// A crashed child is fatal in strict mode (handled by the caller) and a
// corrected bookkeeping entry otherwise.
func (s *Server) reapChildren() (reaped, crashed bool) {
	pid, outcome, err := proc.WaitAny()
	if err != nil {
		s.emit("protocol_error", map[string]interface{}{"error": err.Error()})
		return false, false
	}
	switch outcome {
	case proc.WaitNone:
		return false, false
	case proc.WaitOK:
		return true, false
	default:
		s.emit("worker_crashed", map[string]interface{}{"runner_pid": pid})
		if !s.opts.Strict {
			s.activeRunners--
			s.opts.Metrics.SetActiveRunners(s.activeRunners)
		}
		return true, true
	}
}

// failOnWorkerCrash is the strict-mode escalation: drain every child,
// notify every tester, and mark the run fatal.
func (s *Server) failOnWorkerCrash() {
	_ = proc.WaitAll()
	s.broadcastExit()
	s.fatal = &ServerError{Message: "a worker process crashed", Code: "WORKER_CRASHED"}
}

// readReport attempts one read on the report queue and dispatches the
// command.
func (s *Server) readReport() {
	msg, ok, err := s.report.ReadString()
	if err != nil || !ok {
		return
	}

	if msg == protocol.ExitMessage {
		s.emit("exit_requested", nil)
		s.shouldTerminate = true
		return
	}

	req, ok := protocol.ParseParseRequest(msg)
	if !ok {
		s.emit("protocol_error", map[string]interface{}{"queue": "report", "msg": msg})
		return
	}
	s.handleParse(req)
}

// handleParse admits one word: auto-registers the tester if needed,
// ships the automaton through a fresh pipe, and spawns a runner.
func (s *Server) handleParse(req protocol.ParseRequest) {
	ts, ok := s.testers.Get(req.TesterPID)
	if !ok {
		// First parse registers implicitly; the register queue is only
		// a fast path.
		ts = s.registerTester(req.TesterPID, req.QueueName)
		if ts == nil {
			return
		}
	}

	ts.Received++
	s.received++
	s.opts.Metrics.IncReceived()
	s.emit("word_received", map[string]interface{}{
		"tester_pid": req.TesterPID,
		"local_id":   req.LocalID,
		"word":       req.Word,
	})

	pipe, err := bytepipe.Create(protocol.FileBufSize)
	if err != nil {
		s.emit("protocol_error", map[string]interface{}{"error": err.Error()})
		return
	}

	spawnReq := SpawnRequest{
		Pipe:       pipe,
		Word:       req.Word,
		Verbose:    s.opts.Verbose,
		Sequential: s.opts.Sequential,
	}

	var pid int
	for attempt := 0; ; attempt++ {
		pid, err = s.opts.Spawner.Spawn(spawnReq)
		if err == nil {
			break
		}
		if attempt+1 >= s.opts.SpawnRetryCount {
			// Persistent exec failure: drop the request, keep serving.
			_ = pipe.Close()
			s.emit("spawn_dropped", map[string]interface{}{
				"error": err.Error(),
				"word":  req.Word,
			})
			return
		}
		s.opts.Metrics.IncSpawnRetry()
		s.emit("spawn_retry", map[string]interface{}{"error": err.Error()})
		time.Sleep(s.opts.SpawnRetryDelay)
	}

	// The child owns the read end now; ship the automaton through ours.
	_ = pipe.CloseRead()
	if err := pipe.Write([]byte(s.graphDesc)); err != nil {
		s.emit("protocol_error", map[string]interface{}{"error": err.Error()})
	}

	s.runners.Put(pid, &RunnerSession{
		PID:       pid,
		TesterPID: req.TesterPID,
		LocalID:   req.LocalID,
		GraphPipe: pipe,
		SpawnedAt: time.Now(),
	})
	s.activeRunners++
	s.opts.Metrics.SetActiveRunners(s.activeRunners)
	s.emit("worker_spawned", map[string]interface{}{
		"runner_pid": pid,
		"word":       req.Word,
		"local_id":   req.LocalID,
	})
}

// broadcastExit writes the exit notice to every tester's response
// queue.
func (s *Server) broadcastExit() {
	s.testers.Range(func(pid int, ts *TesterSession) bool {
		if err := ts.Queue.Write([]byte(protocol.ExitMessage)); err != nil {
			s.emit("protocol_error", map[string]interface{}{
				"error":      err.Error(),
				"tester_pid": pid,
			})
		}
		return true
	})
	s.emit("broadcast_exit", nil)
}

// shutdown releases every resource and prints the report.
func (s *Server) shutdown() {
	s.runners.Range(func(_ int, rs *RunnerSession) bool {
		_ = rs.GraphPipe.Close()
		return true
	})

	s.printReport(s.opts.Out)

	s.testers.Range(func(_ int, ts *TesterSession) bool {
		_ = ts.Queue.Close()
		return true
	})

	_ = s.report.Remove()
	_ = s.runOut.Remove()
	_ = s.register.Remove()

	// Children should all be gone; collect any straggler.
	_ = proc.WaitAll()
	s.emit("server_down", nil)
}

// printReport writes the operation statistics: the server totals, then
// one block per tester that sent at least one query, in pid order.
func (s *Server) printReport(w io.Writer) {
	fmt.Fprintf(w, "Rcd: %d\n", s.received)
	fmt.Fprintf(w, "Snt: %d\n", s.sent)
	fmt.Fprintf(w, "Acc: %d\n", s.accepted)

	s.testers.Range(func(pid int, ts *TesterSession) bool {
		if ts.Received > 0 {
			fmt.Fprintf(w, "PID: %d\n", pid)
			fmt.Fprintf(w, "Rcd: %d\n", ts.Received)
			fmt.Fprintf(w, "Acc: %d\n", ts.Accepted)
		}
		return true
	})
}

func (s *Server) emit(msg string, meta map[string]interface{}) {
	s.opts.Emitter.Emit(emit.Event{
		Role: emit.RoleServer,
		PID:  s.pid,
		Msg:  msg,
		Meta: meta,
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
