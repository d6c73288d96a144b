package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("notify: notifier closed")

	// ErrPathInvalid is returned when a path cannot be represented in the
	// platform's native string form.
	ErrPathInvalid = errors.New("notify: invalid path")

	// ErrNotWatched is returned by Unwatch for a path with no live watch.
	ErrNotWatched = errors.New("notify: path not watched")

	// ErrSending is returned when an instruction could not be delivered to,
	// or answered by, the worker goroutine.
	ErrSending = errors.New("notify: worker unavailable")

	// ErrThreadPanic is returned by Close when the worker goroutine
	// panicked.
	ErrThreadPanic = errors.New("notify: worker panicked")

	// ErrNotImplemented is returned on platforms without a binding.
	ErrNotImplemented = errors.New("notify: not implemented on this platform")

	// ErrOverflow is delivered on the event stream when the kernel dropped
	// events. The lost events are not recoverable.
	ErrOverflow = errors.New("notify: event queue overflow")
)

// Transient read conditions reported by ports on a Completion. The engine
// recovers from these locally and they never reach the event stream.
var (
	errMoreData     = errors.New("notify: more data than buffer")
	errAccessDenied = errors.New("notify: watch target gone")
	errAborted      = errors.New("notify: read aborted")
)

// PathError records an operating system failure and the path it concerned.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Path == "" {
		return "notify: " + e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("notify: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// pathErr wraps err as a *PathError unless it already is one or is one of
// the package sentinels.
func pathErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) || errors.Is(err, ErrPathInvalid) || errors.Is(err, ErrNotImplemented) {
		return err
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// panicError carries the value recovered from a worker panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrThreadPanic, e.value)
}

func (e *panicError) Unwrap() error { return ErrThreadPanic }
