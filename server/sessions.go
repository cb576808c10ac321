package server

import (
	"sort"
	"sync"
	"time"

	"github.com/dshills/afnet/ipc/bytepipe"
	"github.com/dshills/afnet/ipc/msgqueue"
)

// TesterSession is the server-side record of one registered tester.
// Created on the tester's first register or parse message, destroyed at
// server shutdown.
type TesterSession struct {
	// PID is the tester's process id, the session key.
	PID int

	// QueueName is the tester's response queue name.
	QueueName string

	// Queue is the sender endpoint on the tester's response queue.
	Queue *msgqueue.Queue

	// Received counts parse requests from this tester.
	Received int

	// Accepted counts accepting verdicts routed to this tester.
	Accepted int
}

// RunnerSession is the server-side record of one in-flight runner.
// Created when the worker is spawned, destroyed when its verdict has
// been routed.
type RunnerSession struct {
	// PID is the runner's process id, the session key.
	PID int

	// TesterPID is the tester the verdict must be routed back to.
	TesterPID int

	// LocalID is the tester-local request id echoed in the answer.
	LocalID int

	// GraphPipe is the pipe the automaton description was shipped
	// through; closed when the session is destroyed.
	GraphPipe *bytepipe.Pipe

	// SpawnedAt is when the worker was started, for latency metrics.
	SpawnedAt time.Time
}

// Table is an in-memory mapping from process ids to session records.
//
// It is safe for concurrent use; the event loop owns the writes while
// reporting and tests may read concurrently.
type Table[S any] struct {
	mu      sync.RWMutex
	entries map[int]*S
}

// NewTable creates an empty session table.
func NewTable[S any]() *Table[S] {
	return &Table[S]{entries: make(map[int]*S)}
}

// Get returns the session keyed by pid, if present.
func (t *Table[S]) Get(pid int) (*S, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[pid]
	return s, ok
}

// Put stores the session under pid, replacing any previous entry.
func (t *Table[S]) Put(pid int, s *S) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pid] = s
}

// Delete removes the session keyed by pid.
func (t *Table[S]) Delete(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pid)
}

// Len returns the number of live sessions.
func (t *Table[S]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for every session in ascending pid order, stopping
// early if fn returns false. The pid ordering keeps report output and
// broadcasts deterministic.
func (t *Table[S]) Range(fn func(pid int, s *S) bool) {
	t.mu.RLock()
	pids := make([]int, 0, len(t.entries))
	for pid := range t.entries {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	sessions := make([]*S, len(pids))
	for i, pid := range pids {
		sessions[i] = t.entries[pid]
	}
	t.mu.RUnlock()

	for i, pid := range pids {
		if !fn(pid, sessions[i]) {
			return
		}
	}
}
