package porch

import (
	"errors"
	"fmt"
)

// Sentinel errors a caller can match with errors.Is. Other errors
// returned by this package are OS errors, child-reported errnos, or the
// unexpectedTagError and signalDeathError types below, several of them
// wrapped via fmt.Errorf("%s: %w", op, err).
var (
	// ErrAlreadyReleased is returned by any pre-exec-only operation
	// (Chdir, Sigcatch, Sigmask, Term) once Release has closed the IPC
	// channel.
	ErrAlreadyReleased = errors.New("porch: process already released")

	// ErrNotReleased is returned by operations that require the child
	// to have exec'd the target program (Signal) when called too early.
	ErrNotReleased = errors.New("porch: process not yet released")

	// ErrAlreadyHasTerm is returned by Term when a terminal handle has
	// already been acquired for this process — only one is permitted per
	// process.
	ErrAlreadyHasTerm = errors.New("porch: terminal handle already acquired")

	// ErrReaped is returned by Signal once the child has been reaped.
	ErrReaped = errors.New("porch: child already reaped")

	// ErrChildError describes a pre-exec failure the child reported over
	// IPC (tag Error). No function in this package returns it: the
	// child's message goes to the ChildErrorFunc given to Spawn, and Read
	// then returns nil early.
	ErrChildError = errors.New("porch: child reported pre-exec error")
)

// unexpectedTagError is returned when a round trip expecting one ack tag
// observes a different one; it names the offending tag.
type unexpectedTagError struct {
	want, got fmt.Stringer
}

func (e *unexpectedTagError) Error() string {
	return fmt.Sprintf("porch: unexpected message type %q (wanted %q)", e.got, e.want)
}

func newUnexpectedTag(want, got fmt.Stringer) error {
	return &unexpectedTagError{want: want, got: got}
}

// signalDeathError reports that the read loop observed the child
// reaped by a signal the controller did not itself deliver.
type signalDeathError struct {
	Signal int
}

func (e *signalDeathError) Error() string {
	return fmt.Sprintf("porch: child terminated by signal %d", e.Signal)
}
