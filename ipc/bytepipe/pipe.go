// Package bytepipe implements anonymous one-shot byte pipes with
// serializable identifiers.
//
// A pipe hands exactly one message per direction between a parent and a
// child process. Its identifier — the read descriptor, write
// descriptor, and capacity — stringifies as "p<rfd>@<wfd>[<cap>]" and
// can therefore travel through argv into an exec'd child, which opens
// its own handles on the inherited descriptors.
//
// Per-endpoint discipline: after spawn, each side closes the direction
// it does not use. The writer's Write closes the write end when done,
// so the reader's Read observes end-of-stream and knows the message is
// complete.
package bytepipe

import (
	"fmt"
	"io"
	"os"
)

// PipeID identifies a pipe by its descriptor pair and capacity. The
// zero descriptors of an unopened direction are -1.
type PipeID struct {
	ReadFD   int
	WriteFD  int
	Capacity int
}

// String renders the identifier in its argv form, "p<rfd>@<wfd>[<cap>]".
func (id PipeID) String() string {
	return fmt.Sprintf("p%d@%d[%d]", id.ReadFD, id.WriteFD, id.Capacity)
}

// ParseID parses the argv form produced by String.
func ParseID(s string) (PipeID, error) {
	var id PipeID
	if _, err := fmt.Sscanf(s, "p%d@%d[%d]", &id.ReadFD, &id.WriteFD, &id.Capacity); err != nil {
		return PipeID{}, &PipeError{Message: "malformed pipe identifier: " + s, Cause: err}
	}
	return id, nil
}

// PipeError reports a pipe operation failure.
type PipeError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *PipeError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *PipeError) Unwrap() error { return e.Cause }

// Pipe is one process's view of a byte pipe: up to two open
// descriptors, of which the unused direction is closed after spawn.
type Pipe struct {
	r        *os.File
	w        *os.File
	capacity int
}

// Create makes a new pipe able to carry one message of up to capacity
// bytes.
func Create(capacity int) (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &PipeError{Message: "pipe creation failed", Cause: err}
	}
	return &Pipe{r: r, w: w, capacity: capacity}, nil
}

// Open attaches to the descriptors named by id, typically ones
// inherited across exec.
func Open(id PipeID) *Pipe {
	p := &Pipe{capacity: id.Capacity}
	if id.ReadFD >= 0 {
		p.r = os.NewFile(uintptr(id.ReadFD), "bytepipe-read")
	}
	if id.WriteFD >= 0 {
		p.w = os.NewFile(uintptr(id.WriteFD), "bytepipe-write")
	}
	return p
}

// ID returns the pipe's identifier with this process's descriptor
// numbers. Closed directions report -1.
func (p *Pipe) ID() PipeID {
	id := PipeID{ReadFD: -1, WriteFD: -1, Capacity: p.capacity}
	if p.r != nil {
		id.ReadFD = int(p.r.Fd())
	}
	if p.w != nil {
		id.WriteFD = int(p.w.Fd())
	}
	return id
}

// ChildID returns the identifier a child should use when the pipe's two
// ends are passed to it as consecutive inherited descriptors, read end
// first, starting at fd.
func (p *Pipe) ChildID(fd int) PipeID {
	return PipeID{ReadFD: fd, WriteFD: fd + 1, Capacity: p.capacity}
}

// Files returns the pipe's end files in inheritance order (read end
// first) for passing to a spawned child.
func (p *Pipe) Files() (r, w *os.File) {
	return p.r, p.w
}

// CloseRead closes the read direction.
func (p *Pipe) CloseRead() error {
	if p.r == nil {
		return nil
	}
	err := p.r.Close()
	p.r = nil
	if err != nil {
		return &PipeError{Message: "pipe read-end close failed", Cause: err}
	}
	return nil
}

// CloseWrite closes the write direction.
func (p *Pipe) CloseWrite() error {
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	if err != nil {
		return &PipeError{Message: "pipe write-end close failed", Cause: err}
	}
	return nil
}

// Write sends the pipe's single message and closes the write end so the
// reader observes end-of-stream. Messages above the pipe's capacity are
// refused.
func (p *Pipe) Write(msg []byte) error {
	if p.w == nil {
		return &PipeError{Message: "write on closed pipe direction"}
	}
	if len(msg) > p.capacity {
		return &PipeError{Message: fmt.Sprintf("message of %d bytes exceeds pipe capacity %d", len(msg), p.capacity)}
	}
	if _, err := p.w.Write(msg); err != nil {
		_ = p.CloseWrite()
		return &PipeError{Message: "pipe write failed", Cause: err}
	}
	return p.CloseWrite()
}

// Read receives the pipe's single message, blocking until the writer
// has closed its end.
func (p *Pipe) Read() ([]byte, error) {
	if p.r == nil {
		return nil, &PipeError{Message: "read on closed pipe direction"}
	}
	msg, err := io.ReadAll(io.LimitReader(p.r, int64(p.capacity)+1))
	if err != nil {
		return nil, &PipeError{Message: "pipe read failed", Cause: err}
	}
	if len(msg) > p.capacity {
		return nil, &PipeError{Message: fmt.Sprintf("incoming message exceeds pipe capacity %d", p.capacity)}
	}
	return msg, nil
}

// Close closes both directions.
func (p *Pipe) Close() error {
	errRead := p.CloseRead()
	errWrite := p.CloseWrite()
	if errRead != nil {
		return errRead
	}
	return errWrite
}

// Abandon drops the process's handles without closing the underlying
// descriptors, leaving them for another owner (for example after they
// have been given to a child).
func (p *Pipe) Abandon() {
	p.r = nil
	p.w = nil
}
