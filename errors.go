package fiber

import "fmt"

// Structural errors. These are fail-fast misconfigurations, never
// conditions a well-behaved program triggers in normal operation.
var (
	// ErrNotInFiber is panicked by Current, Park, Yield, Sleep and the
	// Local accessors when they are called with no running fiber.
	ErrNotInFiber = structuralError("not called from within a fiber")

	// ErrUninstrumented is panicked by New when a Fiber is constructed from a
	// target that the configured InstrumentationOracle does not recognize
	// as instrumented or waived.
	ErrUninstrumented = structuralError("target has not been instrumented")

	// ErrDoubleCurrentFiber is raised when a slice tries to install a
	// fiber as a worker's current fiber while another is already
	// installed there.
	ErrDoubleCurrentFiber = structuralError("worker already has a current fiber")

	// ErrSerializeRunning is panicked by fiberCore.LocalSnapshot when the
	// fiber is in the RUNNING state; a caller assembling a persisted
	// snapshot must check the same state before touching the Continuation
	// Stack directly (I3).
	ErrSerializeRunning = structuralError("cannot serialize a running fiber")

	// ErrAlreadyStarted is panicked by Start when the fiber has already
	// left the NEW state.
	ErrAlreadyStarted = structuralError("fiber has already been started or has died")
)

// StructuralError reports a fail-fast internal contract violation: an
// uninstrumented call path, a double-installed current-fiber slot, or a
// serialize attempt on a running fiber. It is always a programming error in
// the caller or its instrumentation, never a condition recoverable at run
// time.
type StructuralError struct {
	msg string
}

func (e *StructuralError) Error() string { return "fiber: " + e.msg }

func structuralError(msg string) error { return &StructuralError{msg: msg} }

// FiberInterruptedError is the error a fiber terminates with when its next
// slice starts (after any onResume hook has run) and the fiber has been
// interrupted. Unlike the structural errors above,
// it propagates like an ordinary user exception: it terminates the fiber
// and is routed to the uncaught-exception handler.
type FiberInterruptedError struct {
	Name string
}

func (e *FiberInterruptedError) Error() string {
	if e.Name == "" {
		return "fiber: interrupted"
	}
	return fmt.Sprintf("fiber: %q interrupted", e.Name)
}

// TimeoutError is returned by Join(timeout) when the deadline elapses
// before the fiber terminates. It does not affect the fiber's own state;
// the fiber keeps running (or waiting) exactly as it would have otherwise.
type TimeoutError struct {
	Name string
}

func (e *TimeoutError) Error() string {
	if e.Name == "" {
		return "fiber: join timed out"
	}
	return fmt.Sprintf("fiber: join of %q timed out", e.Name)
}
