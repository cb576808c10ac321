// Package msgqueue implements named, bounded, framed message queues on
// top of Unix datagram sockets.
//
// A queue is identified by a POSIX-style name with a leading slash
// ("/FinAutomReportQueue"). The process that owns the name binds a
// datagram socket for it under Dir; every other process connects to the
// same name as a sender. Datagram boundaries give the framing guarantee:
// each Write produces exactly one Read on the far side, never split,
// never coalesced.
//
// Queues operate in blocking or non-blocking mode. In blocking mode a
// read on an empty queue and a write to a full queue suspend; in
// non-blocking mode both return a would-block sentinel (a nil message,
// a no-op write). The mode of an open queue can be switched at runtime
// with MakeBlocking, preserving identity and queued messages.
package msgqueue

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// MaxNameLen caps the length of a queue name, leading slash included.
const MaxNameLen = 50

// Dir is the runtime directory holding queue sockets. All processes of
// one deployment must agree on it. Tests point it at a scratch
// directory.
var Dir = filepath.Join(os.TempDir(), "afnet-mq")

// dialRetries bounds how long a sender waits for the queue owner to
// bind the name before giving up.
const (
	dialRetries    = 50
	dialRetryDelay = 100 * time.Millisecond
)

// QueueError reports a queue operation failure.
type QueueError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code: "BAD_NAME", "OPEN_FAILED",
	// "MSG_TOO_LARGE", "CLOSED", "READ_FAILED", "WRITE_FAILED".
	Code string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *QueueError) Unwrap() error { return e.Cause }

// Queue is one endpoint of a named message queue. The owner endpoint
// (opened with Open) receives; sender endpoints (opened with
// OpenSender) send. A Queue is not safe for concurrent use by multiple
// goroutines.
type Queue struct {
	name     string
	path     string
	maxMsg   int
	capacity int
	blocking bool
	owner    bool
	conn     *net.UnixConn
	buf      []byte
}

// Open opens the named queue as its owner, binding the name and
// creating the underlying socket. maxMsg bounds the size of one
// message, capacity the number of in-flight messages the queue is sized
// for, and blocking selects the initial operating mode.
//
// A socket left behind by a dead owner is detected and replaced, so an
// owner restart reclaims its names.
func Open(name string, maxMsg, capacity int, blocking bool) (*Queue, error) {
	q, err := newQueue(name, maxMsg, capacity, blocking)
	if err != nil {
		return nil, err
	}

	addr := &net.UnixAddr{Name: q.path, Net: "unixgram"}

	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		// The path may be a stale socket from a dead owner: a live
		// owner answers a probe dial, a stale one refuses.
		if probe, probeErr := net.DialUnix("unixgram", nil, addr); probeErr == nil {
			_ = probe.Close()
			return nil, &QueueError{Message: "queue " + name + " is already owned", Code: "OPEN_FAILED", Cause: err}
		}
		_ = os.Remove(q.path)
		conn, err = net.ListenUnixgram("unixgram", addr)
		if err != nil {
			return nil, &QueueError{Message: "cannot bind queue " + name, Code: "OPEN_FAILED", Cause: err}
		}
	}

	q.owner = true
	q.conn = conn
	// Size the kernel buffer for roughly capacity messages.
	_ = conn.SetReadBuffer(capacity * maxMsg)
	return q, nil
}

// OpenSender opens the named queue as a sender, connecting to the
// owner's socket. A sender whose owner has not bound the name yet
// retries briefly before failing.
func OpenSender(name string, maxMsg, capacity int, blocking bool) (*Queue, error) {
	q, err := newQueue(name, maxMsg, capacity, blocking)
	if err != nil {
		return nil, err
	}

	addr := &net.UnixAddr{Name: q.path, Net: "unixgram"}

	var dialErr error
	for attempt := 0; attempt < dialRetries; attempt++ {
		var c *net.UnixConn
		c, dialErr = net.DialUnix("unixgram", nil, addr)
		if dialErr == nil {
			q.conn = c
			_ = c.SetWriteBuffer(capacity * maxMsg)
			return q, nil
		}
		time.Sleep(dialRetryDelay)
	}
	return nil, &QueueError{Message: "cannot open queue " + name, Code: "OPEN_FAILED", Cause: dialErr}
}

func newQueue(name string, maxMsg, capacity int, blocking bool) (*Queue, error) {
	if !strings.HasPrefix(name, "/") {
		return nil, &QueueError{Message: "queue name must start with '/': " + name, Code: "BAD_NAME"}
	}
	if len(name) > MaxNameLen {
		return nil, &QueueError{Message: fmt.Sprintf("queue name exceeds %d bytes: %s", MaxNameLen, name), Code: "BAD_NAME"}
	}
	if maxMsg <= 0 || capacity <= 0 {
		return nil, &QueueError{Message: "queue message size and capacity must be positive", Code: "BAD_NAME"}
	}

	if err := os.MkdirAll(Dir, 0o755); err != nil {
		return nil, &QueueError{Message: "cannot create queue directory " + Dir, Code: "OPEN_FAILED", Cause: err}
	}

	return &Queue{
		name:     name,
		path:     filepath.Join(Dir, strings.TrimPrefix(name, "/")),
		maxMsg:   maxMsg,
		capacity: capacity,
		blocking: blocking,
		buf:      make([]byte, maxMsg),
	}, nil
}

// Name returns the queue's well-known name.
func (q *Queue) Name() string { return q.name }

// IsOwner reports whether this endpoint bound the name and therefore
// receives messages.
func (q *Queue) IsOwner() bool { return q.owner }

// MakeBlocking switches the operating mode of the open queue. Identity
// and queued messages are preserved.
func (q *Queue) MakeBlocking(blocking bool) {
	q.blocking = blocking
}

// Read receives one message. Only the owner endpoint can read.
//
// In blocking mode, Read suspends until a message arrives. In
// non-blocking mode an empty queue yields (nil, nil).
func (q *Queue) Read() ([]byte, error) {
	if q.conn == nil {
		return nil, &QueueError{Message: "read on closed queue " + q.name, Code: "CLOSED"}
	}
	if !q.owner {
		return nil, &QueueError{Message: "read on sender endpoint of queue " + q.name, Code: "READ_FAILED"}
	}

	var n int
	var err error
	if q.blocking {
		n, _, err = q.conn.ReadFromUnix(q.buf)
	} else if raw, rawErr := q.conn.SyscallConn(); rawErr != nil {
		err = rawErr
	} else if ctlErr := raw.Read(func(fd uintptr) bool {
		// One MSG_DONTWAIT attempt: an already expired deadline would
		// fail before the socket is read at all.
		n, _, err = syscall.Recvfrom(int(fd), q.buf, syscall.MSG_DONTWAIT)
		return true
	}); ctlErr != nil {
		err = ctlErr
	}
	if err != nil {
		if err == syscall.EAGAIN {
			return nil, nil
		}
		return nil, &QueueError{Message: "read on queue " + q.name + " failed", Code: "READ_FAILED", Cause: err}
	}

	msg := make([]byte, n)
	copy(msg, q.buf[:n])
	return msg, nil
}

// Write sends one message. Messages larger than the queue's message
// size are refused.
//
// In blocking mode, Write suspends while the queue is full. In
// non-blocking mode a full queue makes Write a silent no-op, matching
// the would-block contract of Read.
func (q *Queue) Write(msg []byte) error {
	if q.conn == nil {
		return &QueueError{Message: "write on closed queue " + q.name, Code: "CLOSED"}
	}
	if len(msg) > q.maxMsg {
		return &QueueError{
			Message: fmt.Sprintf("message of %d bytes exceeds queue limit %d on %s", len(msg), q.maxMsg, q.name),
			Code:    "MSG_TOO_LARGE",
		}
	}

	var err error
	switch {
	case !q.blocking:
		// One MSG_DONTWAIT attempt: an already expired deadline would
		// fail before the socket is written at all.
		var to syscall.Sockaddr
		if q.owner {
			to = &syscall.SockaddrUnix{Name: q.path}
		}
		var raw syscall.RawConn
		if raw, err = q.conn.SyscallConn(); err == nil {
			if ctlErr := raw.Write(func(fd uintptr) bool {
				err = syscall.Sendmsg(int(fd), msg, nil, to, syscall.MSG_DONTWAIT)
				return true
			}); ctlErr != nil {
				err = ctlErr
			}
		}
		if err == syscall.EAGAIN {
			return nil
		}
	case q.owner:
		// The owner writing to its own queue loops back through the
		// bound socket.
		_, err = q.conn.WriteToUnix(msg, &net.UnixAddr{Name: q.path, Net: "unixgram"})
	default:
		_, err = q.conn.Write(msg)
	}
	if err != nil {
		return &QueueError{Message: "write on queue " + q.name + " failed", Code: "WRITE_FAILED", Cause: err}
	}
	return nil
}

// Writef formats a message and sends it; a convenience layer over Write.
func (q *Queue) Writef(format string, args ...interface{}) error {
	return q.Write([]byte(fmt.Sprintf(format, args...)))
}

// Readf reads one message and scans it against format; a convenience
// layer over Read. ok is false when the queue was empty (non-blocking
// mode) or the message did not match the format.
func (q *Queue) Readf(format string, args ...interface{}) (ok bool, err error) {
	msg, found, err := q.ReadString()
	if err != nil || !found {
		return false, err
	}
	if _, err := fmt.Sscanf(msg, format, args...); err != nil {
		return false, nil
	}
	return true, nil
}

// ReadString reads one message as a string. An empty queue in
// non-blocking mode yields ("", nil) with ok == false.
func (q *Queue) ReadString() (msg string, ok bool, err error) {
	raw, err := q.Read()
	if err != nil {
		return "", false, err
	}
	if raw == nil {
		return "", false, nil
	}
	return string(raw), true, nil
}

// Close releases the endpoint. The socket name stays bound until the
// owner calls Remove.
func (q *Queue) Close() error {
	if q.conn == nil {
		return nil
	}
	err := q.conn.Close()
	q.conn = nil
	if err != nil {
		return &QueueError{Message: "close of queue " + q.name + " failed", Code: "CLOSED", Cause: err}
	}
	return nil
}

// Remove closes the endpoint and unlinks the queue name. Only
// meaningful on the owner endpoint; on senders it behaves like Close.
func (q *Queue) Remove() error {
	owner := q.owner
	err := q.Close()
	if owner {
		if rmErr := os.Remove(q.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = &QueueError{Message: "unlink of queue " + q.name + " failed", Code: "CLOSED", Cause: rmErr}
		}
	}
	return err
}
