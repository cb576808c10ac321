package server

import (
	"os"

	"github.com/dshills/afnet/ipc/bytepipe"
	"github.com/dshills/afnet/proc"
)

// SpawnRequest describes one runner process to start.
type SpawnRequest struct {
	// Pipe is the graph pipe; the child inherits both ends and reads,
	// the server keeps the write end for shipping the automaton.
	Pipe *bytepipe.Pipe

	// Word is the word the runner decides.
	Word string

	// Verbose passes -v to the runner.
	Verbose bool

	// Sequential passes --sync to the runner.
	Sequential bool
}

// Spawner starts runner processes on behalf of the event loop. The
// production implementation execs the run binary; tests substitute
// in-process fakes.
type Spawner interface {
	// Spawn starts one runner and returns its process id. The caller
	// retries on error and reaps the child through the proc package.
	Spawn(req SpawnRequest) (int, error)
}

// ExecSpawner starts runners by exec'ing the run binary with the
// pipe identifier and word on argv. The pipe's two ends are inherited
// as descriptors 3 and 4.
type ExecSpawner struct {
	// Binary is the path of the run executable.
	Binary string
}

// NewExecSpawner locates the run binary next to the current executable
// (or on PATH) and returns a spawner for it.
func NewExecSpawner() (*ExecSpawner, error) {
	path, err := proc.FindSibling("run")
	if err != nil {
		return nil, err
	}
	return &ExecSpawner{Binary: path}, nil
}

// Spawn implements Spawner.
func (e *ExecSpawner) Spawn(req SpawnRequest) (int, error) {
	r, w := req.Pipe.Files()

	args := []string{req.Pipe.ChildID(3).String(), req.Word}
	if req.Sequential {
		args = append(args, "--sync")
	}
	if req.Verbose {
		args = append(args, "-v")
	}

	return proc.Spawn(e.Binary, args, proc.SpawnOptions{
		Files:         []*os.File{r, w},
		DieWithParent: true,
	})
}
