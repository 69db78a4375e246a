package render

import (
	"fmt"
	"time"
)

// State is a render job state.
type State string

const (
	StateReceived    State = "received"
	StateValidating  State = "validating"
	StateCompiling   State = "compiling"
	StateRasterizing State = "rasterizing"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:    {StateValidating},
	StateValidating:  {StateCompiling, StateFailed},
	StateCompiling:   {StateRasterizing, StateFailed},
	StateRasterizing: {StateSucceeded, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records entry into a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Job is a request bound to an ID, a workspace and a deadline. It is owned
// by the goroutine running Service.Render and is not safe for concurrent use.
type Job struct {
	ID        string
	Request   Request
	Workspace string
	Deadline  time.Time

	// FailedIn is the state the job failed from, and FailureKind the error
	// kind that caused it.
	FailedIn    State
	FailureKind string

	history []Transition
	now     func() time.Time
}

func newJob(id string, req Request, now func() time.Time) *Job {
	return &Job{
		ID:      id,
		Request: req,
		history: []Transition{{State: StateReceived, At: now()}},
		now:     now,
	}
}

// State returns the current state.
func (j *Job) State() State {
	return j.history[len(j.history)-1].State
}

// History returns a copy of the transitions so far.
func (j *Job) History() []Transition {
	out := make([]Transition, len(j.history))
	copy(out, j.history)
	return out
}

// Duration is the time from Received to the latest transition.
func (j *Job) Duration() time.Duration {
	return j.history[len(j.history)-1].At.Sub(j.history[0].At)
}

func (j *Job) advance(to State) error {
	from := j.State()
	if !CanTransition(from, to) {
		return fmt.Errorf("render job %s: illegal transition %s -> %s", j.ID, from, to)
	}
	j.history = append(j.history, Transition{State: to, At: j.now()})
	return nil
}

func (j *Job) fail(kind string) error {
	from := j.State()
	if err := j.advance(StateFailed); err != nil {
		return err
	}
	j.FailedIn = from
	j.FailureKind = kind
	return nil
}
