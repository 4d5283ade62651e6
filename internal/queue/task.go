// Package queue carries chapter tasks from a coordinator to workers and
// their results back. Delivery is at-least-once: a reserved task that is
// not acknowledged before its visibility deadline is handed out again.
package queue

import (
	"fmt"
	"slices"
	"time"

	"github.com/jackzampolin/chorus/internal/synth"
)

// State is a task's position in its lifecycle.
type State string

const (
	StatePending         State = "PENDING"
	StateDispatched      State = "DISPATCHED"
	StateExecuting       State = "EXECUTING"
	StateRetryWait       State = "RETRY_WAIT"
	StateSuccess         State = "SUCCESS"
	StateTerminalFailure State = "TERMINAL_FAILURE"
)

var transitions = map[State][]State{
	StatePending: {StateDispatched},
	// Redelivery after a visibility timeout re-enters DISPATCHED.
	StateDispatched: {StateExecuting, StateDispatched},
	StateExecuting:  {StateSuccess, StateRetryWait, StateDispatched},
	StateRetryWait:  {StateDispatched, StateTerminalFailure},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateTerminalFailure
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Task is one chapter of work: the unit of distribution and retry.
type Task struct {
	ID        string       `json:"id"`
	Batch     string       `json:"batch"`
	Session   string       `json:"session"`
	ChapterID int          `json:"chapter_id"`
	Title     string       `json:"title,omitempty"`
	Segments  []string     `json:"segments"`
	Config    synth.Config `json:"config"`

	// Attempt counts failed executions so far.
	Attempt    int       `json:"attempt"`
	// Deliveries counts reservations, including ones whose lease expired
	// without a report.
	Deliveries int       `json:"deliveries"`
	State      State     `json:"state"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Transition moves the task to next or reports why it cannot.
func (t *Task) Transition(next State) error {
	if !CanTransition(t.State, next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.State, next)
	}
	t.State = next
	return nil
}

// Status is the outcome reported for a task.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Result is what a worker reports after a task settles. A FAILURE result
// is only sent once retries are exhausted.
type Result struct {
	TaskID          string    `json:"task_id"`
	Batch           string    `json:"batch"`
	Session         string    `json:"session"`
	ChapterID       int       `json:"chapter_id"`
	Status          Status    `json:"status"`
	Artifact        string    `json:"artifact,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	ByteSize        int64     `json:"byte_size,omitempty"`
	Error           string    `json:"error,omitempty"`
	Attempts        int       `json:"attempts"`
	Worker          string    `json:"worker,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Delivery is one reservation of a task. Token identifies the reservation,
// so a worker whose visibility expired cannot settle a redelivered copy.
type Delivery struct {
	Task     *Task
	Token    string
	Deadline time.Time
}

// Depth counts tasks by where they sit in the broker.
type Depth struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Reserved int `json:"reserved"`
}

// Total is the number of unsettled tasks.
func (d Depth) Total() int {
	return d.Ready + d.Delayed + d.Reserved
}
