package fiber

import "sync/atomic"

// taskState is the low two bits of a ParkableTask's state word.
type taskState uint32

const (
	// StateRunnable means the task is eligible for a worker to claim it.
	StateRunnable taskState = 0
	// Leased means a worker has claimed the task and is running a slice.
	Leased taskState = 1
	// Parking means user code has signalled suspension and the
	// continuation stack has been unwound; finalization is pending.
	Parking taskState = 2
	// Parked means the task is parked, waiting for Unpark.
	Parked taskState = 3
)

func (s taskState) String() string {
	switch s {
	case StateRunnable:
		return "RUNNABLE"
	case Leased:
		return "LEASED"
	case Parking:
		return "PARKING"
	case Parked:
		return "PARKED"
	default:
		return "INVALID"
	}
}

const (
	stateMask = 0x3
	// flagUnparkPending latches an Unpark that arrives while the task is
	// LEASED. It cannot be acted on immediately: only the worker currently
	// executing the slice is allowed to move the task out of LEASED, since
	// letting an external Unpark force the state to RUNNABLE while a
	// worker still owns the slice would let the pool hand the same task to
	// a second worker concurrently. The latch is consumed by the park path
	// the next time this task's own slice tries to park.
	flagUnparkPending uint32 = 0x4
)

// Runnable is the minimal interface the work-stealing pool needs to drive
// a task: run one slice, reporting whether the task is now finished.
type Runnable interface {
	RunSlice() bool
}

// Submitter is consumed from the worker pool: submit/fork semantics
// sufficient to run a task on an arbitrary worker and later continue it on
// any worker.
type Submitter interface {
	// Submit enqueues t from outside any worker (e.g. the initial Start,
	// or an Unpark delivered from a non-worker goroutine).
	Submit(t Runnable)
	// Fork enqueues t on the calling worker's own local deque, used when
	// resubmission happens from inside a slice (e.g. Yield).
	Fork(t Runnable)
}

// ParkableTask mediates a fiber's park/unpark transitions with the pool
// that runs it. Transitions are CAS loops on a single 32-bit word; see
// taskState and flagUnparkPending for the encoding.
type ParkableTask struct {
	state   atomic.Uint32
	blocker atomic.Pointer[blockerBox]
	done    atomic.Bool

	pool Submitter
	self Runnable // the concrete Runnable to resubmit; set once by the owner
}

type blockerBox struct{ v Blocker }

// NewParkableTask creates a task in the RUNNABLE state, bound to pool for
// resubmission. self is the Runnable to hand back to the pool; callers
// typically pass the Fiber (or a small adapter) that embeds this task.
func NewParkableTask(pool Submitter, self Runnable) *ParkableTask {
	return &ParkableTask{pool: pool, self: self}
}

func (t *ParkableTask) loadState() taskState { return taskState(t.state.Load() & stateMask) }

// GetState returns the task's current parking state.
func (t *ParkableTask) GetState() taskState { return t.loadState() }

// GetBlocker returns the object the task is currently parked on, or nil.
func (t *ParkableTask) GetBlocker() Blocker {
	b := t.blocker.Load()
	if b == nil {
		return nil
	}
	return b.v
}

// SetBlocker records why the task is waiting, for diagnostics and for Exec's
// identity check.
func (t *ParkableTask) SetBlocker(blocker Blocker) {
	t.blocker.Store(&blockerBox{v: blocker})
}

// claim transitions RUNNABLE -> LEASED when a worker picks up the task.
func (t *ParkableTask) claim() bool {
	for {
		old := t.state.Load()
		if taskState(old&stateMask) != StateRunnable {
			return false
		}
		new := old&^stateMask | uint32(Leased)
		if t.state.CompareAndSwap(old, new) {
			return true
		}
	}
}

// beginPark transitions LEASED -> PARKING when user code signals a park.
// A pending-unpark latch set during this lease (the LEASED race in §4.2)
// survives this transition unexamined; commitPark is what observes it and
// redirects the outcome to RUNNABLE instead of PARKED.
func (t *ParkableTask) beginPark(blocker Blocker) {
	if blocker != nil {
		t.SetBlocker(blocker)
	}
	for {
		old := t.state.Load()
		if taskState(old&stateMask) != Leased {
			panic(structuralError("park called while task is not leased"))
		}
		new := old&^stateMask | uint32(Parking)
		if t.state.CompareAndSwap(old, new) {
			return
		}
	}
}

// commitPark finalizes a park after the continuation stack has been
// unwound. It returns true if the task actually parked (PARKED). If it
// returns false, the task has already been folded back to RUNNABLE by a
// race — either the LEASED-window latch (set while this goroutine still
// held the lease) or the PARKING-window race (an external Unpark arrived
// after beginPark but before this call) — and commitPark itself re-forks
// the task onto the calling worker's local deque before returning, since
// this goroutine is the only one that can safely touch it at this point.
func (t *ParkableTask) commitPark() (parked bool) {
	for {
		old := t.state.Load()
		if old&flagUnparkPending != 0 {
			new := old&^stateMask&^flagUnparkPending | uint32(StateRunnable)
			if t.state.CompareAndSwap(old, new) {
				t.pool.Fork(t.self)
				return false
			}
			continue
		}
		if taskState(old&stateMask) != Parking {
			// An external Unpark already moved PARKING -> RUNNABLE; it
			// deliberately did not resubmit itself (see Unpark), so that
			// job falls to us here, still on the original worker.
			t.pool.Fork(t.self)
			return false
		}
		new := old&^stateMask | uint32(Parked)
		if t.state.CompareAndSwap(old, new) {
			return true
		}
	}
}

// Unpark moves the task towards RUNNABLE, idempotently and safely
// concurrent with a slice that is itself in the middle of parking.
//
// Only the PARKED case resubmits here directly: at that point nothing
// owns the task, so it is safe to hand straight to the pool. The PARKING
// case deliberately does not resubmit — the original worker is still
// unwinding the continuation stack, and handing the task to a second
// worker before that finishes would let two workers run it at once (I2).
// commitPark, running on that original worker, is what notices the state
// flip and forks the task once it is actually safe to.
func (t *ParkableTask) Unpark() {
	for {
		old := t.state.Load()
		switch taskState(old & stateMask) {
		case Parked:
			new := old&^stateMask&^flagUnparkPending | uint32(StateRunnable)
			if t.state.CompareAndSwap(old, new) {
				if !t.done.Load() {
					t.pool.Submit(t.self)
				}
				return
			}
		case Parking:
			new := old&^stateMask&^flagUnparkPending | uint32(StateRunnable)
			if t.state.CompareAndSwap(old, new) {
				return
			}
		case Leased:
			new := old | flagUnparkPending
			if t.state.CompareAndSwap(old, new) {
				return
			}
		case StateRunnable:
			return // already runnable: no-op, preserves idempotence
		}
	}
}

// TryUnpark returns true iff it moves the task from PARKED to RUNNABLE. It
// does not resubmit to the pool and does not touch the LEASED latch; it
// exists for synchronization primitives (and Exec) that must know whether
// they specifically were the wake.
func (t *ParkableTask) TryUnpark() bool {
	for {
		old := t.state.Load()
		if taskState(old&stateMask) != Parked {
			return false
		}
		new := old&^stateMask&^flagUnparkPending | uint32(StateRunnable)
		if t.state.CompareAndSwap(old, new) {
			return true
		}
	}
}

// execInlineAttempts bounds the spin in Exec; it is intentionally small,
// matching the "bounded number of attempts" contract in §4.2.
const execInlineAttempts = 30

// Exec runs the task's slice inline on the calling goroutine, after
// confirming the task is parked on blocker. It returns true if it ran the
// slice, false if it gave up after execInlineAttempts without observing a
// matching parked task.
func (t *ParkableTask) Exec(blocker Blocker) bool {
	for i := 0; i < execInlineAttempts; i++ {
		if t.GetBlocker() == blocker && t.TryUnpark() {
			t.self.RunSlice()
			return true
		}
	}
	return false
}

// Submit hands the task to the pool from outside any worker.
func (t *ParkableTask) Submit() { t.pool.Submit(t.self) }

// IsDone reports whether the task's fiber has terminated.
func (t *ParkableTask) IsDone() bool { return t.done.Load() }

func (t *ParkableTask) markDone() { t.done.Store(true) }
