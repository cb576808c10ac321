package server

import (
	"io"
	"time"

	"github.com/dshills/afnet/emit"
)

// Tuning defaults, applied where an Options field is zero.
const (
	// DefaultProcessLimit bounds the number of concurrent runner
	// processes the throttling logic aims for.
	DefaultProcessLimit = 20

	// DefaultSpawnRetryCount is the number of spawn attempts, the first
	// one included, made for a request before it is dropped.
	DefaultSpawnRetryCount = 3

	// DefaultSpawnRetryDelay is the pause between spawn retries.
	DefaultSpawnRetryDelay = time.Second
)

// Options configures a validator server. Zero values select the
// documented defaults.
type Options struct {
	// ProcessLimit is the concurrency target for runner processes.
	// Above it the event loop throttles admission: the run-output queue
	// turns blocking and the report queue non-blocking, so completions
	// drain before new work is admitted. 0 means DefaultProcessLimit.
	ProcessLimit int

	// SpawnRetryCount bounds the spawn attempts per request, the first
	// one included; after the last failed attempt the request is
	// dropped without leaking state. 0 means DefaultSpawnRetryCount.
	SpawnRetryCount int

	// SpawnRetryDelay is the pause between spawn retries. 0 means
	// DefaultSpawnRetryDelay.
	SpawnRetryDelay time.Duration

	// Strict makes an abnormal worker exit fatal: the server drains its
	// children, broadcasts exit to every tester, and terminates with a
	// non-zero status. Without it the failure is logged and the active
	// count corrected.
	Strict bool

	// Verbose passes -v through to spawned workers.
	Verbose bool

	// Sequential passes --sync through to spawned workers, forcing the
	// sequential evaluation strategy.
	Sequential bool

	// Spawner starts runner processes. Nil selects an ExecSpawner on
	// the run binary found next to the current executable.
	Spawner Spawner

	// Emitter receives observability events. Nil means events are
	// dropped.
	Emitter emit.Emitter

	// Metrics receives Prometheus metrics. Nil disables collection.
	Metrics *Metrics

	// Out is the destination of the shutdown report. Nil means
	// os.Stdout.
	Out io.Writer
}

// Option is a functional option for New.
type Option func(*Options)

// WithProcessLimit sets the runner-concurrency target.
func WithProcessLimit(n int) Option {
	return func(o *Options) { o.ProcessLimit = n }
}

// WithSpawnRetry sets the number of spawn attempts per request and the
// delay between them.
func WithSpawnRetry(count int, delay time.Duration) Option {
	return func(o *Options) {
		o.SpawnRetryCount = count
		o.SpawnRetryDelay = delay
	}
}

// WithStrict makes abnormal worker exits fatal for the server.
func WithStrict(strict bool) Option {
	return func(o *Options) { o.Strict = strict }
}

// WithVerbose passes -v through to spawned workers.
func WithVerbose(verbose bool) Option {
	return func(o *Options) { o.Verbose = verbose }
}

// WithSequential forces spawned workers onto the sequential strategy.
func WithSequential(sequential bool) Option {
	return func(o *Options) { o.Sequential = sequential }
}

// WithSpawner substitutes the worker spawner.
func WithSpawner(s Spawner) Option {
	return func(o *Options) { o.Spawner = s }
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// WithMetrics sets the Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithOutput redirects the shutdown report.
func WithOutput(w io.Writer) Option {
	return func(o *Options) { o.Out = w }
}
