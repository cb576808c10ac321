package afa

import (
	"context"
	"sync"
)

// EvalOptions configures the hybrid evaluation strategy.
//
// Zero values select the defaults, which match the tuning the evaluator
// ships with: fork only after a subtree has visited a handful of frames,
// and stop forking past a bounded ancestor-fork depth.
type EvalOptions struct {
	// WorkloadLimit is the number of frames a subtree must visit before a
	// branching node is eligible for parallel exploration. Below the
	// limit the subtree stays sequential. If 0, DefaultWorkloadLimit is
	// used.
	WorkloadLimit int

	// ForkLimit caps the number of ancestor forks above a frame. Frames
	// at or past the limit always evaluate sequentially, bounding the
	// total concurrency of one evaluation. If 0, DefaultForkLimit is
	// used.
	ForkLimit int
}

// Evaluation tuning defaults.
const (
	DefaultWorkloadLimit = 5
	DefaultForkLimit     = 22
)

// EvalOption is a functional option for AcceptsParallel.
type EvalOption func(*EvalOptions)

// WithWorkloadLimit overrides the workload threshold for forking.
func WithWorkloadLimit(n int) EvalOption {
	return func(o *EvalOptions) {
		o.WorkloadLimit = n
	}
}

// WithForkLimit overrides the ancestor-fork depth cap.
func WithForkLimit(n int) EvalOption {
	return func(o *EvalOptions) {
		o.ForkLimit = n
	}
}

// Accepts reports whether the automaton accepts word, using depth-first
// sequential evaluation with short-circuiting: an existential state
// returns true on its first accepting successor, a universal state
// returns false on its first rejecting one.
//
// Letters outside the alphabet have no successors, so an existential
// state rejects on them and a universal state accepts.
func (g *Graph) Accepts(word string) bool {
	return g.acceptSeq(decodeWord(word), g.Start, 0)
}

func (g *Graph) acceptSeq(word []int, q, depth int) bool {
	if depth >= len(word) {
		return g.IsAccepting(q)
	}
	succ := g.Successors(q, word[depth])
	if g.IsUniversal(q) {
		for _, r := range succ {
			if !g.acceptSeq(word, r, depth+1) {
				return false
			}
		}
		return true
	}
	for _, r := range succ {
		if g.acceptSeq(word, r, depth+1) {
			return true
		}
	}
	return false
}

// AcceptsParallel reports whether the automaton accepts word, exploring
// transition alternatives concurrently where the workload heuristic says
// it pays off. The verdict is identical to Accepts for every graph and
// word; only resource usage differs.
//
// Two counters steer the strategy per subtree: workload, the number of
// frames visited since the subtree last forked, and the fork depth, the
// number of ancestor forks above the frame. A branching node explores its
// successors in parallel only once workload reaches the WorkloadLimit and
// the fork depth is still below the ForkLimit; each spawned branch starts
// with a fresh workload counter. The first successor is always evaluated
// in the caller's goroutine while its siblings run concurrently.
//
// Cancelling ctx abandons the evaluation; the returned value is then
// meaningless. All spawned goroutines are joined before the call returns,
// on every path.
func (g *Graph) AcceptsParallel(ctx context.Context, word string, opts ...EvalOption) bool {
	o := EvalOptions{
		WorkloadLimit: DefaultWorkloadLimit,
		ForkLimit:     DefaultForkLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.WorkloadLimit <= 0 {
		o.WorkloadLimit = DefaultWorkloadLimit
	}
	if o.ForkLimit <= 0 {
		o.ForkLimit = DefaultForkLimit
	}

	e := &parallelEval{g: g, word: decodeWord(word), opts: o}
	workload := 1
	return e.eval(ctx, g.Start, 0, &workload, 0)
}

// parallelEval carries the shared inputs of one hybrid evaluation. The
// graph and word are read-only; every goroutine owns its own workload
// counter.
type parallelEval struct {
	g    *Graph
	word []int
	opts EvalOptions
}

func (e *parallelEval) eval(ctx context.Context, q, depth int, workload *int, forkDepth int) bool {
	*workload++

	if ctx.Err() != nil {
		// Abandoned subtree; the value is never combined into a verdict.
		return false
	}

	if depth >= len(e.word) {
		return e.g.IsAccepting(q)
	}

	if *workload < e.opts.WorkloadLimit || forkDepth >= e.opts.ForkLimit {
		// Not enough accumulated work to justify forking, or the fork
		// budget is spent: explore this node's successors one after
		// another in the current goroutine, still counting workload.
		succ := e.g.Successors(q, e.word[depth])
		if e.g.IsUniversal(q) {
			for _, r := range succ {
				if !e.eval(ctx, r, depth+1, workload, forkDepth) {
					return false
				}
			}
			return true
		}
		for _, r := range succ {
			if e.eval(ctx, r, depth+1, workload, forkDepth) {
				return true
			}
		}
		return false
	}

	return e.branch(ctx, q, depth, workload, forkDepth)
}

// branch explores the successors of a node in parallel: one goroutine per
// non-primary successor, each reporting through a one-slot channel (the
// in-process analogue of a one-byte verdict pipe), while the primary
// successor is evaluated in the calling goroutine. Results combine by the
// node's quantifier; the caller's own branch short-circuits the
// collection. Every spawned goroutine is joined before returning.
func (e *parallelEval) branch(ctx context.Context, q, depth int, workload *int, forkDepth int) bool {
	existential := !e.g.IsUniversal(q)
	succ := e.g.Successors(q, e.word[depth])
	k := len(succ)

	if k == 0 {
		// Empty-successor policy: universal accepts, existential rejects.
		return !existential
	}

	childDepth := forkDepth + k - 1

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan bool, k)
	var wg sync.WaitGroup
	for i := 1; i < k; i++ {
		ch := make(chan bool, 1)
		results[i] = ch
		wg.Add(1)
		go func(r int, ch chan<- bool) {
			defer wg.Done()
			branchWorkload := 0
			ch <- e.eval(childCtx, r, depth+1, &branchWorkload, childDepth)
		}(succ[i], ch)
	}

	own := e.eval(ctx, succ[0], depth+1, workload, childDepth)

	if (existential && own) || (!existential && !own) {
		// The primary branch already decides the node. Siblings are
		// released via cancellation but still joined; their buffered
		// sends never block.
		cancel()
		wg.Wait()
		return existential
	}

	wg.Wait()

	for i := 1; i < k; i++ {
		v := <-results[i]
		if (existential && v) || (!existential && !v) {
			return existential
		}
	}
	return !existential
}

// decodeWord maps the wire form of a word onto letter indices. Letters
// are lowercase characters encoded as c - 'a'; anything else decodes to
// an out-of-alphabet index and therefore has no transitions.
func decodeWord(word string) []int {
	letters := make([]int, len(word))
	for i := 0; i < len(word); i++ {
		letters[i] = int(word[i]) - 'a'
	}
	return letters
}
