// Package runner implements the worker process: it receives one word
// on argv and the automaton through an inherited pipe, decides
// acceptance, reports the verdict on the run-output queue, and exits.
package runner

import (
	"context"
	"os"

	"github.com/dshills/afnet/afa"
	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/ipc/bytepipe"
	"github.com/dshills/afnet/ipc/msgqueue"
	"github.com/dshills/afnet/protocol"
)

// Options configures one worker run.
type Options struct {
	// Sequential forces the sequential evaluation strategy instead of
	// the hybrid parallel one.
	Sequential bool

	// WorkloadLimit and ForkLimit tune the hybrid strategy; zero keeps
	// the evaluator defaults.
	WorkloadLimit int
	ForkLimit     int

	// Emitter receives observability events. Nil means events are
	// dropped.
	Emitter emit.Emitter
}

// Option is a functional option for Run.
type Option func(*Options)

// WithSequential forces the sequential strategy.
func WithSequential(sequential bool) Option {
	return func(o *Options) { o.Sequential = sequential }
}

// WithEvalTuning overrides the hybrid strategy's workload and fork
// limits.
func WithEvalTuning(workloadLimit, forkLimit int) Option {
	return func(o *Options) {
		o.WorkloadLimit = workloadLimit
		o.ForkLimit = forkLimit
	}
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// Run executes one worker: read the automaton from the pipe named by
// pipeID, decide word, commit the verdict to the run-output queue.
//
// Returns the verdict alongside any error so the caller can log it.
func Run(ctx context.Context, pipeID, word string, opts ...Option) (bool, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	pid := os.Getpid()
	emitEvent := func(msg string, meta map[string]interface{}) {
		o.Emitter.Emit(emit.Event{Role: emit.RoleRun, PID: pid, Msg: msg, Meta: meta})
	}

	// Queue for the terminal report, opened before the pipe is touched.
	// A failure after this point returns an error without writing a
	// verdict; the server learns of it by reaping the non-zero exit.
	runOut, err := msgqueue.OpenSender(protocol.RunOutQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		return false, err
	}
	defer func() { _ = runOut.Close() }()

	id, err := bytepipe.ParseID(pipeID)
	if err != nil {
		return false, err
	}
	pipe := bytepipe.Open(id)
	defer func() { _ = pipe.Close() }()

	// This side only reads; release the write direction so the
	// server's close is the one end-of-stream marker.
	_ = pipe.CloseWrite()

	emitEvent("ready", map[string]interface{}{"word": word})

	desc, err := pipe.Read()
	if err != nil {
		return false, err
	}
	if len(desc) == 0 {
		return false, &bytepipe.PipeError{Message: "received empty graph description"}
	}
	emitEvent("graph_received", map[string]interface{}{"bytes": len(desc)})

	g, err := afa.Parse(string(desc))
	if err != nil {
		return false, err
	}

	var verdict bool
	if o.Sequential {
		verdict = g.Accepts(word)
	} else {
		var evalOpts []afa.EvalOption
		if o.WorkloadLimit > 0 {
			evalOpts = append(evalOpts, afa.WithWorkloadLimit(o.WorkloadLimit))
		}
		if o.ForkLimit > 0 {
			evalOpts = append(evalOpts, afa.WithForkLimit(o.ForkLimit))
		}
		verdict = g.AcceptsParallel(ctx, word, evalOpts...)
	}
	emitEvent("verdict", map[string]interface{}{"word": word, "verdict": verdictMark(verdict)})

	report := protocol.Verdict{RunnerPID: pid, Accepted: verdict}
	if err := runOut.Write([]byte(report.Format())); err != nil {
		return verdict, err
	}

	emitEvent("terminate", nil)
	return verdict, nil
}

func verdictMark(accepted bool) string {
	if accepted {
		return "A"
	}
	return "N"
}
