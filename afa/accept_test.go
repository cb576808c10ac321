package afa

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func mustParse(t *testing.T, desc string) *Graph {
	t.Helper()
	g, err := Parse(desc)
	if err != nil {
		t.Fatalf("Parse(%q): %v", desc, err)
	}
	return g
}

// TestAccepts_SingleAcceptingState: one universal accepting state with
// no transitions accepts every word. The empty word ends in the
// accepting start state; every nonempty word meets a universal state
// with no successors, which accepts by the empty-successor policy.
func TestAccepts_SingleAcceptingState(t *testing.T) {
	g := mustParse(t, "3 1 1 1 1\n0\n0\n")
	for _, w := range []string{"", "a", "aaaa"} {
		if !g.Accepts(w) {
			t.Errorf("Accepts(%q) = false, want true", w)
		}
	}
}

// TestAccepts_Existential: state 0 is existential with successors [0, 1]
// on 'a'; state 1 accepts. Some path reaches state 1 at the end of "aaa".
func TestAccepts_Existential(t *testing.T) {
	g := mustParse(t, "4 1 2 0 1\n0\n1\n0 a 0 1\n")
	if !g.Accepts("aaa") {
		t.Error(`Accepts("aaa") = false, want true`)
	}
}

// TestAccepts_UniversalNoSuccessors: a universal state with no transition
// on the current letter accepts vacuously.
func TestAccepts_UniversalNoSuccessors(t *testing.T) {
	g := mustParse(t, "3 1 2 2 0\n0\n")
	if !g.Accepts("a") {
		t.Error(`Accepts("a") = false, want true (universal empty-successor policy)`)
	}
}

// TestAccepts_ExistentialNoSuccessors: the dual policy rejects.
func TestAccepts_ExistentialNoSuccessors(t *testing.T) {
	g := mustParse(t, "3 1 2 0 0\n0\n")
	if g.Accepts("a") {
		t.Error(`Accepts("a") = true, want false (existential empty-successor policy)`)
	}
}

// TestAccepts_UniversalBlocks: universal branching to [0, 1] accepts only
// if every branch lands in an accepting state.
func TestAccepts_UniversalBlocks(t *testing.T) {
	t.Run("all branches accepting", func(t *testing.T) {
		g := mustParse(t, "4 1 2 2 2\n0\n0 1\n0 a 0 1\n")
		if !g.Accepts("a") {
			t.Error(`Accepts("a") = false, want true`)
		}
	})

	t.Run("one branch rejecting", func(t *testing.T) {
		g := mustParse(t, "4 1 2 2 1\n0\n0\n0 a 0 1\n")
		if g.Accepts("a") {
			t.Error(`Accepts("a") = true, want false (state 1 is not accepting)`)
		}
	})
}

// TestAccepts_Chain exercises a deeper alternating graph mixing both
// quantifiers.
func TestAccepts_Chain(t *testing.T) {
	// States 0-1 universal, 2-3 existential; accepting {3}.
	g := mustParse(t, "7 2 4 2 1\n0\n3\n0 a 1 2\n1 a 3\n1 b 3\n2 a 3 0\n2 b 2\n")

	tests := []struct {
		word string
		want bool
	}{
		{"", false}, // start state not accepting
		{"aa", true},
		{"b", true},  // universal state 0 has no successors on b
		{"a", false}, // both branches end in non-accepting states
	}

	for _, tt := range tests {
		if got := g.Accepts(tt.word); got != tt.want {
			t.Errorf("Accepts(%q) = %v, want %v", tt.word, got, tt.want)
		}
	}
}

// TestAcceptsParallel_MatchesSequential is the semantic-equivalence law:
// both strategies agree on every graph and word, including tuning that
// forces forking at every branching node.
func TestAcceptsParallel_MatchesSequential(t *testing.T) {
	graphs := []string{
		"3 1 1 1 1\n0\n0\n",
		"4 1 2 0 1\n0\n1\n0 a 0 1\n",
		"3 1 2 2 0\n0\n",
		"4 1 2 2 2\n0\n0 1\n0 a 0 1\n",
		"4 1 2 2 1\n0\n0\n0 a 0 1\n",
		"7 2 4 2 1\n0\n3\n0 a 1 2\n1 a 3\n1 b 3\n2 a 3 0\n2 b 2\n",
		// Wide fan-out with duplicates to stress the fork path.
		"6 2 5 2 2\n0\n3 4\n0 a 1 2 3 4\n1 a 1 2\n2 b 3 3 3\n3 a 4\n4 b 0 1 2 3\n",
	}
	words := []string{"", "a", "b", "aa", "ab", "ba", "bb", "aaa", "aab", "abab", "aaaaaaaa", "abbabbaa"}

	for _, desc := range graphs {
		g := mustParse(t, desc)
		for _, w := range words {
			want := g.Accepts(w)

			if got := g.AcceptsParallel(context.Background(), w); got != want {
				t.Errorf("graph %q word %q: AcceptsParallel = %v, Accepts = %v", desc, w, got, want)
			}

			// Force the parallel path to fork at every eligible node.
			got := g.AcceptsParallel(context.Background(), w,
				WithWorkloadLimit(1), WithForkLimit(64))
			if got != want {
				t.Errorf("graph %q word %q: forced-fork AcceptsParallel = %v, Accepts = %v", desc, w, got, want)
			}

			// And throttle it hard through the fork-depth cap.
			got = g.AcceptsParallel(context.Background(), w,
				WithWorkloadLimit(1), WithForkLimit(1))
			if got != want {
				t.Errorf("graph %q word %q: capped AcceptsParallel = %v, Accepts = %v", desc, w, got, want)
			}
		}
	}
}

// TestAccepts_ExistentialShortCircuit: once a prefix of the successor
// list accepts, later successors cannot flip the verdict. The graph puts
// an accepting branch first and a diverging self-loop second; the word is
// long enough that full exploration of the second branch would be
// visible, but the result must already be decided.
func TestAccepts_ExistentialShortCircuit(t *testing.T) {
	// State 0 existential: 0 -a-> [1, 0]; state 1 accepting sink via 'a'.
	g := mustParse(t, "5 1 2 0 1\n0\n1\n0 a 1 0\n1 a 1\n")
	word := "aaaaaaaaaaaaaaaa"
	if !g.Accepts(word) {
		t.Error("expected acceptance through the first successor")
	}
	if !g.AcceptsParallel(context.Background(), word, WithWorkloadLimit(1)) {
		t.Error("expected parallel acceptance through the first successor")
	}
}

// TestAccepts_UniversalShortCircuit is the dual: a rejecting first branch
// decides a universal node regardless of its siblings.
func TestAccepts_UniversalShortCircuit(t *testing.T) {
	// State 0 universal: 0 -a-> [1, 0]; state 1 is an existential dead end
	// and therefore rejects on every remaining letter.
	g := mustParse(t, "4 1 2 1 1\n0\n0\n0 a 1 0\n")
	word := "aaaaaaaaaaaaaaaa"
	if g.Accepts(word) {
		t.Error("expected rejection through the first successor")
	}
	if g.AcceptsParallel(context.Background(), word, WithWorkloadLimit(1)) {
		t.Error("expected parallel rejection through the first successor")
	}
}

// TestAcceptsParallel_OrderingIndependence: the verdict must not depend
// on which sibling branch the scheduler finishes first. Re-running a
// heavily forked evaluation many times shakes out ordering sensitivity.
func TestAcceptsParallel_OrderingIndependence(t *testing.T) {
	g := mustParse(t, "6 2 5 2 2\n0\n3 4\n0 a 1 2 3 4\n1 a 1 2\n2 b 3 3 3\n3 a 4\n4 b 0 1 2 3\n")
	for _, word := range []string{"abab", "aabb", "abbabbaa"} {
		want := g.Accepts(word)
		for i := 0; i < 50; i++ {
			got := g.AcceptsParallel(context.Background(), word,
				WithWorkloadLimit(1), WithForkLimit(64))
			if got != want {
				t.Fatalf("word %q run %d: verdict %v, want %v", word, i, got, want)
			}
		}
	}
}

// TestAcceptsParallel_NoGoroutineLeaks: every top-level evaluation joins
// all the goroutines it spawned before returning.
func TestAcceptsParallel_NoGoroutineLeaks(t *testing.T) {
	g := mustParse(t, "6 2 5 2 2\n0\n3 4\n0 a 1 2 3 4\n1 a 1 2\n2 b 3 3 3\n3 a 4\n4 b 0 1 2 3\n")

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		g.AcceptsParallel(context.Background(), "abbabbaa",
			WithWorkloadLimit(1), WithForkLimit(64))
	}

	// Spawned goroutines are joined before AcceptsParallel returns;
	// give the runtime a moment to retire them from the count.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if runtime.NumGoroutine() <= before {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goroutines: before %d, after %d", before, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestAcceptsParallel_Cancellation: a cancelled context must not hang the
// evaluation; all goroutines join and the call returns.
func TestAcceptsParallel_Cancellation(t *testing.T) {
	g := mustParse(t, "6 2 5 2 2\n0\n3 4\n0 a 1 2 3 4\n1 a 1 2\n2 b 3 3 3\n3 a 4\n4 b 0 1 2 3\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The value is unspecified; the call just has to return.
	_ = g.AcceptsParallel(ctx, "abababab", WithWorkloadLimit(1))
}

// TestDecodeWord maps lowercase letters onto indices and anything else
// out of the alphabet.
func TestDecodeWord(t *testing.T) {
	letters := decodeWord("abz")
	if letters[0] != 0 || letters[1] != 1 || letters[2] != 25 {
		t.Errorf("decodeWord(\"abz\") = %v", letters)
	}
	if got := decodeWord("A")[0]; got >= 0 {
		t.Errorf("uppercase decoded to %d, want negative (out of alphabet)", got)
	}
}
