// Package tester implements the client process: it reads words from
// its input, submits each to the validator, correlates the returned
// verdicts by local request id, and prints a summary report.
package tester

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/ipc/msgqueue"
	"github.com/dshills/afnet/protocol"
)

// ExitWord is the input line that requests server shutdown instead of
// being validated.
const ExitWord = "!"

// idlePause is how long one loop iteration sleeps when neither input
// nor an answer was available, keeping the two non-blocking checks from
// spinning.
const idlePause = time.Millisecond

// Options configures a Tester. Zero values select stdin, stdout, a
// dropped event stream, and the real process id.
type Options struct {
	// In is the word source, one word per line. Nil means os.Stdin.
	In io.Reader

	// Out receives verdict lines and the final report. Nil means
	// os.Stdout.
	Out io.Writer

	// Emitter receives observability events. Nil means events are
	// dropped.
	Emitter emit.Emitter

	// PID overrides the tester's identity, which names its response
	// queue. 0 means the real process id. Tests hosting several
	// testers in one process give each a distinct identity.
	PID int
}

// Option is a functional option for New.
type Option func(*Options)

// WithInput sets the word source.
func WithInput(r io.Reader) Option {
	return func(o *Options) { o.In = r }
}

// WithOutput sets the verdict and report destination.
func WithOutput(w io.Writer) Option {
	return func(o *Options) { o.Out = w }
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// WithPID overrides the tester identity.
func WithPID(pid int) Option {
	return func(o *Options) { o.PID = pid }
}

// Tester is one client session. Construct with New, drive with Run.
type Tester struct {
	opts Options
	pid  int

	// pending maps a local request id to the submitted word until its
	// verdict arrives.
	pending map[int]string

	sent     int
	received int
	accepted int
}

// New creates a tester.
func New(opts ...Option) *Tester {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	return &Tester{
		opts:    o,
		pid:     o.PID,
		pending: make(map[int]string),
	}
}

// Run submits every input word, prints each verdict as it arrives, and
// finishes with the report. It returns when the input is exhausted and
// no request is pending, or when the server announces shutdown.
func (t *Tester) Run(ctx context.Context) error {
	queueName := protocol.TesterQueueName(t.pid)

	// The response queue must exist before anyone can learn its name.
	inQueue, err := msgqueue.Open(queueName, protocol.LineBufSize, protocol.QueueCapacity, false)
	if err != nil {
		return err
	}
	defer func() { _ = inQueue.Remove() }()

	// Pre-announce on the register queue; the fast path is optional but
	// spares the server an open during the first parse.
	if regQueue, err := msgqueue.OpenSender(protocol.RegisterQueueName, protocol.LineBufSize, protocol.QueueCapacity, true); err == nil {
		reg := protocol.Register{TesterPID: t.pid, QueueName: queueName}
		_ = regQueue.Write([]byte(reg.Format()))
		_ = regQueue.Close()
	}

	reportQueue, err := msgqueue.OpenSender(protocol.ReportQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		return err
	}
	defer func() { _ = reportQueue.Close() }()

	fmt.Fprintf(t.opts.Out, "PID: %d\n", t.pid)
	t.emit("tester_up", map[string]interface{}{"queue": queueName})

	lines := readLines(t.opts.In)
	reading := true
	localID := 0
	serverExited := false

	for {
		if ctx.Err() != nil {
			break
		}

		progressed := false

		if reading {
			select {
			case word, ok := <-lines:
				progressed = true
				if !ok {
					reading = false
					t.emit("input_exhausted", nil)
				} else if word == ExitWord {
					_ = reportQueue.Write([]byte(protocol.ExitMessage))
					reading = false
					t.emit("exit_sent", nil)
				} else {
					localID++
					t.pending[localID] = word
					req := protocol.ParseRequest{
						TesterPID: t.pid,
						QueueName: queueName,
						LocalID:   localID,
						Word:      word,
					}
					if err := reportQueue.Write([]byte(req.Format())); err != nil {
						return err
					}
					t.sent++
					t.emit("word_sent", map[string]interface{}{"word": word, "local_id": localID})
				}
			default:
			}
		}

		if t.received < t.sent {
			answered, exited, err := t.pollAnswer(inQueue)
			if err != nil {
				return err
			}
			if exited {
				serverExited = true
				break
			}
			progressed = progressed || answered
		}

		if !reading && t.received >= t.sent {
			break
		}
		if !progressed {
			time.Sleep(idlePause)
		}
	}

	if serverExited && len(t.pending) > 0 {
		t.emit("answers_abandoned", map[string]interface{}{"count": len(t.pending)})
	}

	fmt.Fprintf(t.opts.Out, "Snt: %d\n", t.sent)
	fmt.Fprintf(t.opts.Out, "Rcd: %d\n", t.received)
	fmt.Fprintf(t.opts.Out, "Acc: %d\n", t.accepted)
	t.emit("tester_down", nil)

	return nil
}

// pollAnswer attempts one non-blocking read of the response queue and
// prints the verdict it correlates.
func (t *Tester) pollAnswer(inQueue *msgqueue.Queue) (answered, exited bool, err error) {
	msg, ok, err := inQueue.ReadString()
	if err != nil || !ok {
		return false, false, err
	}

	if msg == protocol.ExitMessage {
		t.emit("server_exit_received", nil)
		return false, true, nil
	}

	answer, ok := protocol.ParseAnswer(msg)
	if !ok {
		t.emit("protocol_error", map[string]interface{}{"msg": msg})
		return true, false, nil
	}

	word, ok := t.pending[answer.LocalID]
	if !ok {
		t.emit("protocol_error", map[string]interface{}{
			"msg":      msg,
			"local_id": answer.LocalID,
		})
		return true, false, nil
	}

	if answer.Accepted {
		fmt.Fprintf(t.opts.Out, "%s A\n", word)
		t.accepted++
	} else {
		fmt.Fprintf(t.opts.Out, "%s N\n", word)
	}
	t.received++
	delete(t.pending, answer.LocalID)
	t.emit("answer_received", map[string]interface{}{
		"word":     word,
		"local_id": answer.LocalID,
		"verdict":  boolToInt(answer.Accepted),
	})
	return true, false, nil
}

// readLines pumps input lines into a channel so the loop can poll them
// without blocking on a slow stdin.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, protocol.LineBufSize), protocol.LineBufSize)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (t *Tester) emit(msg string, meta map[string]interface{}) {
	t.opts.Emitter.Emit(emit.Event{
		Role: emit.RoleTester,
		PID:  t.pid,
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
