package stage

import "testing"

func TestNext(t *testing.T) {
	cases := []struct {
		in       Stage
		wantNext Stage
		wantOK   bool
	}{
		{RustContract, Implement, true},
		{Implement, QAEnforcer, true},
		{QAEnforcer, RedQueen, true},
		{RedQueen, Done, true},
		{Stage("bogus"), "", false},
	}
	for _, c := range cases {
		got, ok := Next(c.in)
		if ok != c.wantOK || got != c.wantNext {
			t.Errorf("Next(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.wantNext, c.wantOK)
		}
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name        string
		stage       Stage
		outcome     Outcome
		attempt     int
		maxAttempts int
		want        Transition
	}{
		{"done is always noop", Done, Passed, 1, 3, TransitionNoop},
		{"pass on non-terminal stage advances", RustContract, Passed, 1, 3, TransitionAdvance},
		{"pass on red-queen completes", RedQueen, Passed, 1, 3, TransitionComplete},
		{"fail under budget retries", Implement, Failed, 1, 3, TransitionRetry},
		{"fail at budget blocks", Implement, Failed, 3, 3, TransitionBlock},
		{"fail over budget blocks", Implement, Failed, 4, 3, TransitionBlock},
		{"error outcome treated like failure", QAEnforcer, Error, 1, 3, TransitionRetry},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Decide(c.stage, c.outcome, c.attempt, c.maxAttempts)
			if got != c.want {
				t.Errorf("Decide(%q, %q, %d, %d) = %v, want %v", c.stage, c.outcome, c.attempt, c.maxAttempts, got, c.want)
			}
		})
	}
}

func TestTransitionString(t *testing.T) {
	cases := map[Transition]string{
		TransitionAdvance:  "advance",
		TransitionComplete: "complete",
		TransitionRetry:    "retry",
		TransitionBlock:    "block",
		TransitionNoop:     "noop",
		Transition(99):     "unknown",
	}
	for tr, want := range cases {
		if got := tr.String(); got != want {
			t.Errorf("Transition(%d).String() = %q, want %q", tr, got, want)
		}
	}
}
