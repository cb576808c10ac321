package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dshills/afnet/afa"
	"github.com/dshills/afnet/emit"
	"github.com/dshills/afnet/ipc/msgqueue"
	"github.com/dshills/afnet/protocol"
)

// useScratchDir points the queue directory at a per-test scratch
// location so parallel test runs cannot collide.
func useScratchDir(t *testing.T) {
	t.Helper()
	old := msgqueue.Dir
	msgqueue.Dir = t.TempDir()
	t.Cleanup(func() { msgqueue.Dir = old })
}

// fakeSpawner evaluates each request in-process: it dups the pipe's
// read end (as exec would), reads the automaton, evaluates the word,
// and reports on the run-output queue under a synthetic pid.
type fakeSpawner struct {
	nextPID atomic.Int64
	// failures makes the first N spawn attempts fail.
	failures atomic.Int64
}

func newFakeSpawner() *fakeSpawner {
	s := &fakeSpawner{}
	s.nextPID.Store(900000)
	return s
}

func (f *fakeSpawner) Spawn(req SpawnRequest) (int, error) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return 0, fmt.Errorf("synthetic spawn failure")
	}

	pid := int(f.nextPID.Add(1))

	r, _ := req.Pipe.Files()
	dupFD, err := unix.Dup(int(r.Fd()))
	if err != nil {
		return 0, err
	}
	graphEnd := os.NewFile(uintptr(dupFD), "fake-runner-read")

	go func() {
		defer func() { _ = graphEnd.Close() }()

		desc, err := io.ReadAll(graphEnd)
		if err != nil {
			return
		}
		g, err := afa.Parse(string(desc))
		if err != nil {
			return
		}

		var verdict bool
		if req.Sequential {
			verdict = g.Accepts(req.Word)
		} else {
			verdict = g.AcceptsParallel(context.Background(), req.Word)
		}

		out, err := msgqueue.OpenSender(protocol.RunOutQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
		if err != nil {
			return
		}
		defer func() { _ = out.Close() }()
		_ = out.Write([]byte(protocol.Verdict{RunnerPID: pid, Accepted: verdict}.Format()))
	}()

	return pid, nil
}

// fakeTester is the client side of a loop test: its own response queue
// plus sender endpoints on the server queues.
type fakeTester struct {
	t       *testing.T
	pid     int
	inQueue *msgqueue.Queue
	report  *msgqueue.Queue
}

func newFakeTester(t *testing.T, pid int) *fakeTester {
	t.Helper()

	inQueue, err := msgqueue.Open(protocol.TesterQueueName(pid), protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		t.Fatalf("open tester queue: %v", err)
	}
	report, err := msgqueue.OpenSender(protocol.ReportQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		t.Fatalf("open report queue: %v", err)
	}
	ft := &fakeTester{t: t, pid: pid, inQueue: inQueue, report: report}
	t.Cleanup(func() {
		_ = ft.inQueue.Remove()
		_ = ft.report.Close()
	})
	return ft
}

func (ft *fakeTester) submit(localID int, word string) {
	ft.t.Helper()
	req := protocol.ParseRequest{
		TesterPID: ft.pid,
		QueueName: protocol.TesterQueueName(ft.pid),
		LocalID:   localID,
		Word:      word,
	}
	if err := ft.report.Write([]byte(req.Format())); err != nil {
		ft.t.Fatalf("submit: %v", err)
	}
}

func (ft *fakeTester) sendExit() {
	ft.t.Helper()
	if err := ft.report.Write([]byte(protocol.ExitMessage)); err != nil {
		ft.t.Fatalf("sendExit: %v", err)
	}
}

// collect reads n answers (skipping a final exit notice) from the
// response queue.
func (ft *fakeTester) collect(n int) map[int]bool {
	ft.t.Helper()
	answers := make(map[int]bool)
	for len(answers) < n {
		msg, ok, err := ft.inQueue.ReadString()
		if err != nil {
			ft.t.Fatalf("collect: %v", err)
		}
		if !ok {
			continue
		}
		if msg == protocol.ExitMessage {
			ft.t.Fatalf("got exit before all %d answers (have %d)", n, len(answers))
		}
		a, ok := protocol.ParseAnswer(msg)
		if !ok {
			ft.t.Fatalf("unparseable answer %q", msg)
		}
		answers[a.LocalID] = a.Accepted
	}
	return answers
}

// waitExit reads until the exit notice arrives.
func (ft *fakeTester) waitExit() {
	ft.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		msg, ok, err := ft.inQueue.ReadString()
		if err != nil {
			ft.t.Fatalf("waitExit: %v", err)
		}
		if ok && msg == protocol.ExitMessage {
			return
		}
		if time.Now().After(deadline) {
			ft.t.Fatal("no exit notice within deadline")
		}
	}
}

func startServer(t *testing.T, desc string, opts ...Option) (*Server, chan error, *strings.Builder) {
	t.Helper()
	var report strings.Builder
	opts = append(opts, WithOutput(&report))
	srv, err := New(desc, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	return srv, done, &report
}

func waitServer(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("server did not terminate")
		return nil
	}
}

// The existential automaton: state 0 branches to [0, 1] on 'a', state 1
// accepts. Any word of one or more a's is accepted; anything containing
// another letter is not.
const existentialDesc = "4 1 2 0 1\n0\n1\n0 a 0 1\n"

func TestServer_SingleQuery(t *testing.T) {
	useScratchDir(t)

	events := emit.NewBufferedEmitter()
	_, done, report := startServer(t, existentialDesc,
		WithSpawner(newFakeSpawner()),
		WithEmitter(events),
	)

	ft := newFakeTester(t, 71001)
	ft.submit(1, "aaa")
	ft.sendExit()

	// The loop drains in-flight work before broadcasting exit, so the
	// answer always precedes the shutdown notice.
	answers := ft.collect(1)
	if accepted, ok := answers[1]; !ok || !accepted {
		t.Errorf("answers = %v, want {1: true}", answers)
	}
	ft.waitExit()

	if err := waitServer(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "Rcd: 1\nSnt: 1\nAcc: 1\nPID: 71001\nRcd: 1\nAcc: 1\n"
	if report.String() != want {
		t.Errorf("report:\n%s\nwant:\n%s", report.String(), want)
	}

	if got := len(events.HistoryByMsg("worker_spawned")); got != 1 {
		t.Errorf("worker_spawned events = %d, want 1", got)
	}
	if got := len(events.HistoryByMsg("verdict_routed")); got != 1 {
		t.Errorf("verdict_routed events = %d, want 1", got)
	}
}

func TestServer_MultiTesterFairness(t *testing.T) {
	useScratchDir(t)

	_, done, report := startServer(t, existentialDesc, WithSpawner(newFakeSpawner()))

	words := []string{"a", "aa", "aaa", "b", "ab"}
	wantVerdicts := map[string]bool{"a": true, "aa": true, "aaa": true, "b": false, "ab": false}

	t1 := newFakeTester(t, 71001)
	t2 := newFakeTester(t, 71002)

	for i, w := range words {
		t1.submit(i+1, w)
		t2.submit(i+1, w)
	}
	t1.sendExit()

	for _, ft := range []*fakeTester{t1, t2} {
		answers := ft.collect(len(words))
		for i, w := range words {
			got, ok := answers[i+1]
			if !ok {
				t.Errorf("tester %d: no answer for local id %d", ft.pid, i+1)
				continue
			}
			if got != wantVerdicts[w] {
				t.Errorf("tester %d: word %q verdict = %v, want %v", ft.pid, w, got, wantVerdicts[w])
			}
		}
	}

	t1.waitExit()
	t2.waitExit()

	if err := waitServer(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := report.String()
	if !strings.HasPrefix(out, "Rcd: 10\nSnt: 10\nAcc: 6\n") {
		t.Errorf("report totals wrong:\n%s", out)
	}
	// Per-tester blocks in pid order.
	if !strings.Contains(out, "PID: 71001\nRcd: 5\nAcc: 3\n") ||
		!strings.Contains(out, "PID: 71002\nRcd: 5\nAcc: 3\n") {
		t.Errorf("per-tester blocks wrong:\n%s", out)
	}
	if strings.Index(out, "PID: 71001") > strings.Index(out, "PID: 71002") {
		t.Errorf("tester blocks out of pid order:\n%s", out)
	}
}

func TestServer_ExplicitRegister(t *testing.T) {
	useScratchDir(t)

	events := emit.NewBufferedEmitter()
	_, done, _ := startServer(t, existentialDesc,
		WithSpawner(newFakeSpawner()),
		WithEmitter(events),
	)

	ft := newFakeTester(t, 71003)

	regQueue, err := msgqueue.OpenSender(protocol.RegisterQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		t.Fatalf("open register queue: %v", err)
	}
	reg := protocol.Register{TesterPID: ft.pid, QueueName: protocol.TesterQueueName(ft.pid)}
	if err := regQueue.Write([]byte(reg.Format())); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = regQueue.Close()

	ft.submit(1, "a")
	ft.sendExit()
	answers := ft.collect(1)
	if !answers[1] {
		t.Errorf("answers = %v, want {1: true}", answers)
	}
	ft.waitExit()
	if err := waitServer(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Registration must have happened exactly once despite the parse
	// that followed it.
	if got := len(events.HistoryByMsg("tester_registered")); got != 1 {
		t.Errorf("tester_registered events = %d, want 1", got)
	}
}

func TestServer_OrphanVerdictNotFatal(t *testing.T) {
	useScratchDir(t)

	events := emit.NewBufferedEmitter()
	_, done, report := startServer(t, existentialDesc,
		WithSpawner(newFakeSpawner()),
		WithEmitter(events),
	)

	ft := newFakeTester(t, 71004)

	// A verdict from a runner the server never spawned.
	out, err := msgqueue.OpenSender(protocol.RunOutQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		t.Fatalf("open run-output queue: %v", err)
	}
	_ = out.Write([]byte(protocol.Verdict{RunnerPID: 424242, Accepted: true}.Format()))
	_ = out.Close()

	// Announce the tester so the shutdown notice has somewhere to go,
	// then ask for shutdown; the orphan is logged and skipped on the
	// way out.
	regQueue, err := msgqueue.OpenSender(protocol.RegisterQueueName, protocol.LineBufSize, protocol.QueueCapacity, true)
	if err != nil {
		t.Fatalf("open register queue: %v", err)
	}
	reg := protocol.Register{TesterPID: ft.pid, QueueName: protocol.TesterQueueName(ft.pid)}
	_ = regQueue.Write([]byte(reg.Format()))
	_ = regQueue.Close()

	ft.sendExit()
	ft.waitExit()
	if err := waitServer(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(events.HistoryByMsg("orphan_verdict")); got == 0 {
		t.Error("expected an orphan_verdict event")
	}
	// The orphan contributes to no counter and no per-tester block.
	if report.String() != "Rcd: 0\nSnt: 0\nAcc: 0\n" {
		t.Errorf("report:\n%s", report.String())
	}
}

func TestServer_SpawnRetryThenSuccess(t *testing.T) {
	useScratchDir(t)

	spawner := newFakeSpawner()
	spawner.failures.Store(1)

	_, done, report := startServer(t, existentialDesc,
		WithSpawner(spawner),
		WithSpawnRetry(3, time.Millisecond),
	)

	ft := newFakeTester(t, 71005)
	ft.submit(1, "a")
	ft.sendExit()
	answers := ft.collect(1)
	if !answers[1] {
		t.Errorf("answers = %v, want {1: true}", answers)
	}
	ft.waitExit()
	if err := waitServer(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(report.String(), "Rcd: 1\nSnt: 1\nAcc: 1\n") {
		t.Errorf("report:\n%s", report.String())
	}
}

func TestServer_PersistentSpawnFailureDropsRequest(t *testing.T) {
	useScratchDir(t)

	spawner := newFakeSpawner()
	spawner.failures.Store(100)

	events := emit.NewBufferedEmitter()
	_, done, report := startServer(t, existentialDesc,
		WithSpawner(spawner),
		WithSpawnRetry(2, time.Millisecond),
		WithEmitter(events),
	)

	ft := newFakeTester(t, 71006)
	ft.submit(1, "a")

	// The request is dropped; only the exit notice ever arrives.
	ft.sendExit()
	ft.waitExit()
	if err := waitServer(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(events.HistoryByMsg("spawn_dropped")); got != 1 {
		t.Errorf("spawn_dropped events = %d, want 1", got)
	}
	// Received counts the admission, sent stays zero.
	if !strings.HasPrefix(report.String(), "Rcd: 1\nSnt: 0\nAcc: 0\n") {
		t.Errorf("report:\n%s", report.String())
	}
}

func TestTable(t *testing.T) {
	table := NewTable[TesterSession]()

	if _, ok := table.Get(1); ok {
		t.Error("Get on empty table succeeded")
	}

	table.Put(30, &TesterSession{PID: 30})
	table.Put(10, &TesterSession{PID: 10})
	table.Put(20, &TesterSession{PID: 20})

	if table.Len() != 3 {
		t.Errorf("Len = %d, want 3", table.Len())
	}
	if ts, ok := table.Get(20); !ok || ts.PID != 20 {
		t.Errorf("Get(20) = (%+v, %v)", ts, ok)
	}

	var order []int
	table.Range(func(pid int, _ *TesterSession) bool {
		order = append(order, pid)
		return true
	})
	if len(order) != 3 || order[0] != 10 || order[1] != 20 || order[2] != 30 {
		t.Errorf("Range order = %v, want [10 20 30]", order)
	}

	table.Delete(20)
	if _, ok := table.Get(20); ok {
		t.Error("Get after Delete succeeded")
	}

	// Range stops when fn returns false.
	count := 0
	table.Range(func(int, *TesterSession) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("early-stop Range visited %d entries, want 1", count)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncReceived()
	m.IncSent(true)
	m.SetActiveRunners(3)
	m.IncThrottle(true)
	m.IncSpawnRetry()
	m.ObserveVerdictLatency(time.Millisecond)
}
