package render

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateValidating, true},
		{StateValidating, StateCompiling, true},
		{StateValidating, StateFailed, true},
		{StateCompiling, StateRasterizing, true},
		{StateCompiling, StateFailed, true},
		{StateRasterizing, StateSucceeded, true},
		{StateRasterizing, StateFailed, true},

		{StateReceived, StateFailed, false},
		{StateReceived, StateCompiling, false},
		{StateValidating, StateRasterizing, false},
		{StateCompiling, StateSucceeded, false},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateValidating, false},
		{StateFailed, StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}

	j := newJob("job_1", Request{Source: "x"}, now)
	if j.State() != StateReceived {
		t.Fatalf("expected received, got %s", j.State())
	}
	if err := j.advance(StateCompiling); err == nil {
		t.Error("expected skipping validating to fail")
	}
	for _, s := range []State{StateValidating, StateCompiling} {
		if err := j.advance(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.fail("SyntaxError"); err != nil {
		t.Fatal(err)
	}
	if j.FailedIn != StateCompiling || j.FailureKind != "SyntaxError" {
		t.Errorf("unexpected failure record %s %s", j.FailedIn, j.FailureKind)
	}
	if !j.State().Terminal() {
		t.Error("expected terminal state")
	}
	if err := j.fail("Timeout"); err == nil {
		t.Error("expected second failure to be rejected")
	}
	if j.Duration() != 30*time.Millisecond {
		t.Errorf("expected 30ms, got %s", j.Duration())
	}

	hist := j.History()
	hist[0].State = StateFailed
	if j.History()[0].State != StateReceived {
		t.Error("History() must return a copy")
	}
}
