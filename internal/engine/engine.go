// Package engine defines the contract between the scheduler and whatever performs
// the actual byte transfer of a download.
package engine

import (
	"context"
	"errors"
)

// ErrStopped is reported as the outcome of a run that was halted through Handle.Stop.
var ErrStopped = errors.New("transfer stopped")

// Request describes one run of the engine for one transfer.
type Request struct {
	URL         string
	Destination string
	Headers     map[string]string
	Segments    int
	Retries     int
	// Resume asks the engine to continue from the partial data of an earlier run
	// instead of starting over.
	Resume bool
	// ResumeFrom is the last known progress percent of that earlier run.
	ResumeFrom int
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
)

// Event is emitted by a running Handle. A handle emits any number of progress
// events followed by exactly one completed event, then closes its channel.
type Event struct {
	Kind     EventKind
	Progress int     // percent, 0-100
	Speed    float64 // bytes per second
	Success  bool
	Err      error
}

// Progress builds a progress event.
func Progress(percent int, speed float64) Event {
	return Event{Kind: EventProgress, Progress: percent, Speed: speed}
}

// Completed builds the terminal event of a run.
func Completed(err error) Event {
	return Event{Kind: EventCompleted, Success: err == nil, Err: err}
}

// Handle is one in-flight engine run.
type Handle interface {
	Events() <-chan Event
	// Stop halts network activity. It is best effort, idempotent and must not block
	// for long; cancelling the context passed to Start forces termination.
	Stop()
}

// Engine starts runs. Start must return without waiting for the transfer.
type Engine interface {
	Start(ctx context.Context, req Request) (Handle, error)
}
