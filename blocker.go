package fiber

// Blocker is an opaque object identifying what a fiber is waiting on. It
// carries no behavior of its own; synchronization primitives built on top
// of Park use it purely for diagnostics and for the identity check in
// [Fiber.Exec].
type Blocker any

// Parkable is the handle a PostParkAction receives: enough of a fiber's
// identity to publish it to a wait queue and to wake it again, without the
// action needing to know the fiber's result type.
type Parkable interface {
	Identity
	Unpark()
}

// PostParkAction is a one-shot callback supplied to Park, run exactly once
// after the park has been atomically committed and before the task is
// released back to the pool. Synchronization primitives use it to publish
// a fiber to a wait queue only after the fiber has actually become
// parkable, which is what makes the publish race-free against a concurrent
// Unpark.
type PostParkAction func(f Parkable)
