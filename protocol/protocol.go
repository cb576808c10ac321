// Package protocol defines the wire protocol spoken over the named
// queues: the well-known queue names, the sizing constants shared by
// every process role, and typed codecs for each message.
//
// All messages are single ASCII lines; the queue's datagram framing is
// the only message boundary.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known queue names.
const (
	// ReportQueueName carries parse requests and the exit command from
	// testers to the server.
	ReportQueueName = "/FinAutomReportQueue"

	// RegisterQueueName carries optional early tester registrations to
	// the server.
	RegisterQueueName = "/FinAutomRegisterQueue"

	// RunOutQueueName carries verdicts from runners to the server.
	RunOutQueueName = "/FinAutomRunOutQueue"

	testerQueuePrefix = "/FinAutomTesterInQ"
)

// Shared sizing constants.
const (
	// LineBufSize bounds one queue message.
	LineBufSize = 1020

	// FileBufSize bounds the automaton description shipped through a
	// byte pipe.
	FileBufSize = 3000007

	// QueueCapacity is the number of in-flight messages a queue is
	// sized for.
	QueueCapacity = 10
)

// ExitMessage is the shutdown command, both tester-to-server and
// server-to-tester.
const ExitMessage = "exit"

// TesterQueueName returns the response queue name owned by the tester
// with the given pid.
func TesterQueueName(pid int) string {
	return testerQueuePrefix + strconv.Itoa(pid)
}

// Register is the pre-announcement of a tester and its response queue.
type Register struct {
	TesterPID int
	QueueName string
}

// Format renders "register_tester: <pid> <queue_name>".
func (r Register) Format() string {
	return fmt.Sprintf("register_tester: %d %s", r.TesterPID, r.QueueName)
}

// ParseRegister decodes a register message; ok is false when msg is not
// one.
func ParseRegister(msg string) (r Register, ok bool) {
	if _, err := fmt.Sscanf(msg, "register_tester: %d %s", &r.TesterPID, &r.QueueName); err != nil {
		return Register{}, false
	}
	return r, true
}

// ParseRequest is a word submitted for validation.
type ParseRequest struct {
	TesterPID int
	QueueName string
	LocalID   int
	Word      string
}

// Format renders "parse: <pid> <queue_name> <local_id> <word>".
func (p ParseRequest) Format() string {
	return fmt.Sprintf("parse: %d %s %d %s", p.TesterPID, p.QueueName, p.LocalID, p.Word)
}

// ParseParseRequest decodes a parse message. The word is the full
// remainder of the line, so words are never silently truncated.
func ParseParseRequest(msg string) (p ParseRequest, ok bool) {
	rest, found := strings.CutPrefix(msg, "parse: ")
	if !found {
		return ParseRequest{}, false
	}
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) != 4 {
		return ParseRequest{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return ParseRequest{}, false
	}
	locID, err := strconv.Atoi(fields[2])
	if err != nil {
		return ParseRequest{}, false
	}
	return ParseRequest{
		TesterPID: pid,
		QueueName: fields[1],
		LocalID:   locID,
		Word:      fields[3],
	}, true
}

// Verdict is a runner's terminal report.
type Verdict struct {
	RunnerPID int
	Accepted  bool
}

// Format renders "run-terminate: <pid> <verdict>" with verdict 0 or 1.
func (v Verdict) Format() string {
	return fmt.Sprintf("run-terminate: %d %d", v.RunnerPID, boolToInt(v.Accepted))
}

// ParseVerdict decodes a run-terminate message.
func ParseVerdict(msg string) (v Verdict, ok bool) {
	var result int
	if _, err := fmt.Sscanf(msg, "run-terminate: %d %d", &v.RunnerPID, &result); err != nil {
		return Verdict{}, false
	}
	v.Accepted = result == 1
	return v, true
}

// Answer routes a verdict back to the tester that asked.
type Answer struct {
	LocalID  int
	Accepted bool
}

// Format renders "<local_id> answer: <verdict>" with verdict 0 or 1.
func (a Answer) Format() string {
	return fmt.Sprintf("%d answer: %d", a.LocalID, boolToInt(a.Accepted))
}

// ParseAnswer decodes an answer message.
func ParseAnswer(msg string) (a Answer, ok bool) {
	var result int
	if _, err := fmt.Sscanf(msg, "%d answer: %d", &a.LocalID, &result); err != nil {
		return Answer{}, false
	}
	a.Accepted = result == 1
	return a, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
