package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log lines to a
// writer, normally standard error so protocol output on stdout stays
// clean.
//
// Two output modes:
//   - text (default): [role/pid] msg meta={...}, the meta part present
//     only when the event carries Meta, rendered as a JSON object
//   - JSON: one event per line (JSONL)
//
// Example text output:
//
//	[server/4211] worker_spawned meta={"local_id":3,"runner_pid":4519,"word":"abba"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w (os.Stderr when w is
// nil). jsonMode selects JSONL output instead of text.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stderr
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(event)
}

func (l *LogEmitter) emitLocked(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Role string                 `json:"role"`
		PID  int                    `json:"pid"`
		Msg  string                 `json:"msg"`
		Meta map[string]interface{} `json:"meta"`
	}{
		Role: event.Role,
		PID:  event.PID,
		Msg:  event.Msg,
		Meta: event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s/%d] %s", event.Role, event.PID, event.Msg)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes the events in order under one lock acquisition.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		l.emitLocked(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes through to the underlying writer.
// Wrap the writer in a bufio.Writer and flush that if buffering is
// wanted.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
