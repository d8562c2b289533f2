package fiber

import (
	"math"
	"testing"
	"time"
)

func TestSingleParkRoundTrip(t *testing.T) {
	sub := &inlineSubmitter{}
	var result float64

	compute := func(f *Fiber[float64]) (float64, error) {
		v := math.Cos(0)
		Park(nil, nil, 0)
		result = v
		return v, nil
	}
	MarkInstrumented(compute)

	fb := New("single-park", sub, compute)
	fb.Start()

	if ran, done := sub.runOne(); !ran || done {
		t.Fatalf("slice 1: ran=%v done=%v, want ran=true done=false", ran, done)
	}
	if fb.State() != WAITING {
		t.Fatalf("state after slice 1 = %v, want WAITING", fb.State())
	}
	if result != 0 {
		t.Fatalf("result after slice 1 = %v, want unchanged (0)", result)
	}

	fb.Unpark()
	if sub.queued() != 1 {
		t.Fatalf("expected resubmission after Unpark, queued=%d", sub.queued())
	}
	if ran, done := sub.runOne(); !ran || !done {
		t.Fatalf("slice 2: ran=%v done=%v, want ran=true done=true", ran, done)
	}
	if fb.State() != TERMINATED {
		t.Fatalf("state after slice 2 = %v, want TERMINATED", fb.State())
	}
	if result != 1.0 {
		t.Fatalf("result after slice 2 = %v, want 1.0", result)
	}
}

// suspendableIdentity parks once, using the Continuation Stack to remember
// its argument across the unwind, and returns it unchanged on replay. It
// is the hand-written analogue of what a generated save/replay prologue
// would do for a suspendable helper below the fiber's target function.
//
// On replay it must still call Park, not short-circuit past it: Park frames
// itself (see slice.go), and its frame only pops once Park itself has
// observed the resume. Skipping the call would leave that frame orphaned on
// the stack forever.
func suspendableIdentity(f *Fiber[string], s string) string {
	fr := f.Stack().Enter(0, 1)
	if !fr.ConsumeResume() {
		fr.References[0] = s
		f.Stack().Save(0, fr.Primitives, fr.References)
	}
	v := fr.References[0].(string)
	Park(nil, nil, 0)
	f.Stack().Leave()
	return v
}

func TestNullThroughPark(t *testing.T) {
	sub := &inlineSubmitter{}
	var final string

	compute := func(f *Fiber[string]) (string, error) {
		s := suspendableIdentity(f, "a")
		if s != "" {
			final = s
		}
		return s, nil
	}
	MarkInstrumented(compute)

	fb := New("null-through-park", sub, compute)
	fb.Start()

	if _, done := sub.runOne(); done {
		t.Fatal("slice 1 should not complete the fiber")
	}
	fb.Unpark()
	if _, done := sub.runOne(); !done {
		t.Fatal("slice 2 should complete the fiber")
	}
	if final != "a" {
		t.Fatalf("final = %q, want %q", final, "a")
	}
	if !fb.Stack().Empty() {
		t.Fatalf("stack should be empty after successful termination, has %d frames", fb.Stack().Len())
	}
}

// TestInheritableLocalFromNestedNew exercises New called from inside a
// running parent slice, where the parent's own fiberLocals/
// inheritableFiberLocals fields hold the worker's stashed-away view, not
// the parent's live one (swapThreadLocals in tls.go). A child fiber
// constructed at that point must still inherit the value the parent has
// set, which means New has to read the ambient workerState's view rather
// than the field on the parent's fiberCore.
func TestInheritableLocalFromNestedNew(t *testing.T) {
	sub := &inlineSubmitter{}
	traceID := NewInheritableLocal[string]("trace-id")
	var childSaw string

	child := func(f *Fiber[string]) (string, error) {
		childSaw = traceID.Get()
		return childSaw, nil
	}
	MarkInstrumented(child)

	var spawned *Fiber[string]
	parent := func(f *Fiber[int]) (int, error) {
		traceID.Set("trace-xyz")
		spawned = New("child", sub, child)
		return 0, nil
	}
	MarkInstrumented(parent)

	fb := New("parent", sub, parent)
	fb.Start()
	if _, done := sub.runOne(); !done {
		t.Fatal("parent slice should complete the fiber")
	}
	if spawned == nil {
		t.Fatal("parent did not construct the child fiber")
	}

	spawned.Start()
	if _, done := sub.runOne(); !done {
		t.Fatal("child slice should complete the fiber")
	}
	if childSaw != "trace-xyz" {
		t.Fatalf("child observed trace-id = %q, want %q", childSaw, "trace-xyz")
	}
}

func TestLostWakeupRace(t *testing.T) {
	sub := &inlineSubmitter{}
	slices := 0

	compute := func(f *Fiber[int]) (int, error) {
		slices++
		if slices == 1 {
			// Simulate an external Unpark arriving while this goroutine
			// is still inside beginPark/unwind (the PARKING-window race)
			// by unparking before the panic, from the same call.
			f.task.beginPark(nil)
			f.task.Unpark()
			panic(suspendSignal)
		}
		return 42, nil
	}
	MarkInstrumented(compute)

	fb := New("lost-wakeup", sub, compute)
	fb.Start()

	if _, done := sub.runOne(); done {
		t.Fatal("first slice should not complete the fiber")
	}
	// The PARKING-race path forks the task back onto the worker itself
	// (here: the inline submitter's queue) without any external Unpark
	// call being needed, and the very next pool cycle must run it.
	if sub.queued() != 1 {
		t.Fatalf("expected exactly one resubmission, queued=%d", sub.queued())
	}
	if _, done := sub.runOne(); !done {
		t.Fatal("second slice should complete the fiber")
	}
	if slices != 2 {
		t.Fatalf("slices executed = %d, want 2 (no slice skipped)", slices)
	}
}

func TestInterruptAcrossPark(t *testing.T) {
	sub := &inlineSubmitter{}
	var reported error
	handler := uncaughtFunc(func(_ Identity, err error) { reported = err })

	compute := func(f *Fiber[int]) (int, error) {
		Park(struct{}{}, nil, 0)
		return 0, nil
	}
	MarkInstrumented(compute)

	fb := New("interrupt-across-park", sub, compute, WithUncaughtExceptionHandler[int](handler))
	fb.Start()
	sub.runOne()
	if fb.State() != WAITING {
		t.Fatalf("state = %v, want WAITING", fb.State())
	}

	fb.Interrupt()
	if !fb.IsInterrupted() {
		t.Fatal("IsInterrupted should be true after Interrupt")
	}
	if _, done := sub.runOne(); !done {
		t.Fatal("interrupted fiber's next slice should terminate it")
	}
	if _, ok := reported.(*FiberInterruptedError); !ok {
		t.Fatalf("reported error = %T, want *FiberInterruptedError", reported)
	}
}

type uncaughtFunc func(f Identity, err error)

func (h uncaughtFunc) UncaughtException(f Identity, err error) { h(f, err) }

func TestUninstrumentedGuard(t *testing.T) {
	sub := &inlineSubmitter{}
	unregistered := func(f *Fiber[int]) (int, error) { return 0, nil }

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("New should panic for an unregistered, unwaived target")
		}
		if _, ok := r.(*StructuralError); !ok {
			t.Fatalf("panic value = %#v, want *StructuralError", r)
		}
	}()
	New("uninstrumented", sub, unregistered)
}

func TestSleepRecomputesOnSpuriousWake(t *testing.T) {
	sub := &inlineSubmitter{}

	compute := func(f *Fiber[int]) (int, error) {
		Sleep(30 * time.Millisecond)
		return 1, nil
	}
	MarkInstrumented(compute)

	fb := New("timed-sleep", sub, compute)
	fb.Start()
	sub.runOne()
	if fb.State() != WAITING {
		t.Fatalf("state = %v, want WAITING", fb.State())
	}

	// A wake that arrives almost immediately, long before the 30ms
	// deadline: Sleep must recompute the remaining time against the
	// deadline it saved on the Continuation Stack and re-park, not
	// complete.
	fb.Unpark()
	if sub.queued() != 1 {
		t.Fatalf("expected a resubmission after the spurious wake, queued=%d", sub.queued())
	}
	if _, done := sub.runOne(); done {
		t.Fatal("fiber should re-park instead of completing on a spurious wake")
	}
	if fb.State() != WAITING {
		t.Fatalf("state after re-park = %v, want WAITING", fb.State())
	}

	// Now let the real deadline pass before waking it again.
	time.Sleep(40 * time.Millisecond)
	fb.Unpark()
	if _, done := sub.runOne(); !done {
		t.Fatal("fiber should complete once the deadline has actually passed")
	}
	v, err := fb.Join()
	if err != nil || v != 1 {
		t.Fatalf("Join() = (%v, %v), want (1, nil)", v, err)
	}
}
