package workerchan

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a channel's worker
type State int32

const (
	StateIdle State = iota
	StateRequestPending
	StateProcessing
	StateResultReady
	StateTerminated
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestPending:
		return "request_pending"
	case StateProcessing:
		return "processing"
	case StateResultReady:
		return "result_ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrWorkerTerminated is returned by Submit once the worker has exited,
// either through Terminate or because an operation failed fatally.
var ErrWorkerTerminated = errors.New("workerchan: worker terminated")

// fatalError marks an operation error that must stop the worker
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return "fatal: " + f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks err as unrecoverable for the worker that returns it.
// The worker logs it, stops serving and every later Submit fails with
// ErrWorkerTerminated. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// panicError wraps a value recovered from an operation
type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// Stats is a point-in-time view of a channel
type Stats struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Served   uint64    `json:"served"`
	Failures uint64    `json:"failures"`
	LastSeen time.Time `json:"last_seen"`
	Err      string    `json:"error,omitempty"`
}
