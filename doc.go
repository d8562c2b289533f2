// Package fiber implements the suspension/resumption engine of a
// cooperative user-space thread runtime.
//
// A Fiber is a unit of computation that runs on top of a work-stealing
// [*pool.Pool] of goroutines. Its target function runs in slices: a slice
// starts when a worker picks up the fiber's [*ParkableTask] and ends either
// because the function returned, because it called Park/Yield/Sleep (the
// fiber's state then becomes WAITING until a matching Unpark), or because it
// panicked with a value other than the package's own control-transfer
// sentinel.
//
// The package does not preempt fibers and does not rewrite user code to make
// it suspendable; that is the job of an external instrumentation toolchain,
// of which this package consumes only two predicates (see [InstrumentationOracle]).
//
// Without a compiler pass to generate the save/replay prologue at every
// suspending call site, a suspendable helper below a Fiber's target function
// must do it by hand with [ContinuationStack]: call Enter before the part
// that might Park, check ConsumeResume to tell a fresh call from a replay,
// and Save the locals that need to survive the unwind immediately before
// calling Park. Park and Sleep frame themselves the same way, which is what
// lets a bare call to either, directly in a target function with no
// enclosing helper, resume past itself on replay instead of parking a
// second time — the target function itself still runs from the top on
// every slice, but each frame left on the stack independently reports that
// it has already been through once.
package fiber
