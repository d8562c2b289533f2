package fiber

import (
	"sync/atomic"
	"time"
)

// Func is the suspendable computation a Fiber runs. Implementations that
// want to call Park, Yield, or Sleep must do so (directly or transitively)
// from within Func, and must cooperate with the Continuation Stack handed
// to them through f.Stack() at every call site that can suspend — this is
// the hand-written (or, in a full system, generated) analogue of
// instrumentation rewriting a suspendable method.
type Func[V any] func(f *Fiber[V]) (V, error)

// UncaughtExceptionHandler is notified when a fiber's Func returns a
// non-nil error that nothing else consumed. Fiber-level handlers are tried
// first; if none is set, the process-wide default handler runs instead.
type UncaughtExceptionHandler interface {
	UncaughtException(f Identity, err error)
}

// Identity is the subset of Fiber's surface that does not depend on its
// result type V, so handlers and diagnostics can accept any Fiber[V].
// *fiberCore and every *Fiber[V] (through embedding) satisfy it.
type Identity interface {
	Name() string
	State() State
	GetBlocker() Blocker
}

var defaultUncaughtExceptionHandler atomic.Pointer[UncaughtExceptionHandler]

// SetDefaultUncaughtExceptionHandler installs the process-wide handler used
// for fibers that have none of their own. Pass nil to clear it.
func SetDefaultUncaughtExceptionHandler(h UncaughtExceptionHandler) {
	if h == nil {
		defaultUncaughtExceptionHandler.Store(nil)
		return
	}
	defaultUncaughtExceptionHandler.Store(&h)
}

// fiberCore is the result-type-independent half of a Fiber: everything the
// scheduler, the Worker Context Switch, and goroutine-local storage need to
// touch without knowing V. Fiber[V] embeds a *fiberCore and adds the
// V-typed target and result slot. Splitting it this way is what lets a
// single goroutine-local "current fiber" slot (tls.go) hold fibers of
// different result types without resorting to interface{}-typed generic
// instantiation tricks.
type fiberCore struct {
	name   string
	pool   Submitter
	stack  *ContinuationStack
	task   *ParkableTask
	parent Identity

	state       atomic.Int32
	interrupted atomic.Bool

	fiberLocals            localMap
	inheritableFiberLocals localMap

	postParkAction PostParkAction
	timeoutCancel  func()

	done      chan struct{}
	resultErr error

	uncaughtExceptionHandler UncaughtExceptionHandler

	onParked     func()
	onResume     func()
	onCompletion func()
	onException  func(error)

	// self is the owning *Fiber[V], recovered by Current[V] via a type
	// assertion. runSliceFn closes over V so fiberCore.RunSlice (the
	// method ParkableTask actually calls) can stay V-free.
	self       any
	runSliceFn func() bool
}

func (c *fiberCore) RunSlice() bool               { return c.runSliceFn() }
func (c *fiberCore) Name() string                 { return c.name }
func (c *fiberCore) State() State                 { return State(c.state.Load()) }
func (c *fiberCore) GetBlocker() Blocker          { return c.task.GetBlocker() }
func (c *fiberCore) SetBlocker(blocker Blocker)   { c.task.SetBlocker(blocker) }
func (c *fiberCore) Parent() Identity             { return c.parent }
func (c *fiberCore) Stack() *ContinuationStack    { return c.stack }
func (c *fiberCore) IsInterrupted() bool          { return c.interrupted.Load() }
func (c *fiberCore) Unpark()                      { c.task.Unpark() }
func (c *fiberCore) IsAlive() bool                { return c.State() != NEW && !c.task.IsDone() }

func (c *fiberCore) casState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// LocalSnapshot returns this fiber's fiber-local and inheritable-fiber-local
// values, keyed by the name each Local was constructed with. A caller
// building a persisted snapshot passes the result, together with
// c.Stack().Snapshot(), to persist.Snapshot. It panics with
// ErrSerializeRunning if the fiber is RUNNING — callers must check that
// before calling either this or Stack().Snapshot().
func (c *fiberCore) LocalSnapshot() (locals, inheritable map[string]any) {
	if c.State() == RUNNING {
		panic(ErrSerializeRunning)
	}
	return snapshotByName(c.fiberLocals), snapshotByName(c.inheritableFiberLocals)
}

func snapshotByName(m localMap) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k.name] = v
	}
	return out
}

// Interrupt asynchronously marks the fiber interrupted and issues an
// Unpark. The interrupt is only observed at the next suspension point's
// resume hook (§5 "Cancellation and timeouts"), preserving atomicity of
// non-suspending regions.
func (c *fiberCore) Interrupt() {
	c.interrupted.Store(true)
	c.task.Unpark()
}

// Fiber is a lightweight, cooperatively-scheduled unit of computation
// multiplexed onto a work-stealing pool. See package doc and SPEC_FULL.md
// §3 for the full data model.
type Fiber[V any] struct {
	*fiberCore
	target Func[V]
	result V
}

// DefaultStackSize is the initial Continuation Stack capacity used when New
// is not given an explicit one.
const DefaultStackSize = 16

// Option configures a Fiber at construction time.
type Option[V any] func(*Fiber[V])

// WithStackSize sets the Continuation Stack's initial frame capacity.
func WithStackSize[V any](n int) Option[V] {
	return func(f *Fiber[V]) {
		if n > 0 {
			f.stack = NewContinuationStack(n)
		}
	}
}

// WithUncaughtExceptionHandler sets the fiber's own handler, tried before
// the process-wide default.
func WithUncaughtExceptionHandler[V any](h UncaughtExceptionHandler) Option[V] {
	return func(f *Fiber[V]) { f.uncaughtExceptionHandler = h }
}

// WithOnParked, WithOnResume, WithOnCompletion and WithOnException install
// the overridable lifecycle hooks named in §6. They are the functional-
// option analogue of overriding Fiber.onParked/onResume/onCompletion/
// onException in the source this runtime is ported from; Go has no
// implementation inheritance to hang them off instead.
func WithOnParked[V any](fn func()) Option[V]         { return func(f *Fiber[V]) { f.onParked = fn } }
func WithOnResume[V any](fn func()) Option[V]         { return func(f *Fiber[V]) { f.onResume = fn } }
func WithOnCompletion[V any](fn func()) Option[V]     { return func(f *Fiber[V]) { f.onCompletion = fn } }
func WithOnException[V any](fn func(error)) Option[V] { return func(f *Fiber[V]) { f.onException = fn } }

// New constructs a Fiber bound to pool, running target once started.
//
// If New is called from within another fiber's slice, the new fiber's
// parent is set to the caller (I4: immutable once set) and it inherits a
// snapshot of the caller's inheritable-fiber-local view, mirroring kernel
// thread InheritableThreadLocal semantics (§4.4).
func New[V any](name string, pool Submitter, target Func[V], opts ...Option[V]) *Fiber[V] {
	verifyInstrumentation(target)
	core := &fiberCore{
		name: name,
		pool: pool,
		stack: NewContinuationStack(DefaultStackSize),
		done: make(chan struct{}),
	}
	f := &Fiber[V]{fiberCore: core, target: target}
	if parent := currentFiber(); parent != nil {
		core.parent = parent
		// parent.inheritableFiberLocals is not the caller's live view here:
		// while a slice is running, swapThreadLocals has stashed the
		// worker's own view onto parent and installed the fiber's view in
		// the goroutine-local workerState instead (tls.go). The caller's
		// actual current inheritable-local map is loadWorkerState().inherit.
		core.inheritableFiberLocals = loadWorkerState().inherit.clone()
	}
	for _, opt := range opts {
		opt(f)
	}
	core.self = f
	core.runSliceFn = f.runSlice
	core.task = NewParkableTask(pool, core)
	core.state.Store(int32(NEW))
	return f
}

// Result returns the value Func returned, and whether the fiber has
// terminated (successfully or not) yet. It does not block; use Join to
// wait.
func (f *Fiber[V]) Result() (V, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		var zero V
		return zero, false
	}
}

// Err returns the error Func returned, if the fiber terminated with one.
func (f *Fiber[V]) Err() error { return f.resultErr }

// Start transitions the fiber NEW -> STARTED and submits its task to the
// pool. It panics with ErrAlreadyStarted if called more than once (I1).
func (f *Fiber[V]) Start() *Fiber[V] {
	if !f.casState(NEW, STARTED) {
		panic(ErrAlreadyStarted)
	}
	f.task.Submit()
	return f
}

// Exec runs the fiber's next slice inline on the calling goroutine, after
// confirming it is parked on blocker. It is exposed for specialized
// handoff callers; normal callers should just Start the fiber and let the
// pool drive it.
func (f *Fiber[V]) Exec(blocker Blocker) bool { return f.task.Exec(blocker) }

// Join blocks until the fiber terminates, returning its result and error.
func (f *Fiber[V]) Join() (V, error) {
	<-f.done
	return f.result, f.resultErr
}

// JoinTimeout blocks until the fiber terminates or timeout elapses,
// whichever comes first. ok is false if timeout elapsed first, in which
// case err is a *TimeoutError rather than anything the fiber itself
// produced; the fiber is unaffected and keeps running (or waiting) exactly
// as it would have otherwise.
func (f *Fiber[V]) JoinTimeout(timeout time.Duration) (v V, err error, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.result, f.resultErr, true
	case <-timer.C:
		var zero V
		return zero, &TimeoutError{Name: f.name}, false
	}
}

// verifyCurrent returns the core of the fiber running on the calling
// goroutine, panicking with ErrNotInFiber if there is none. It is the
// generic-free entry point package-level Park/Yield/Sleep and Local[T]
// use, mirroring Fiber.verifyCurrent() in the implementation this runtime
// is ported from.
func verifyCurrent() *fiberCore {
	c := currentFiber()
	if c == nil {
		panic(ErrNotInFiber)
	}
	return c
}

// Current returns the Fiber[V] running on the calling goroutine. It panics
// with ErrNotInFiber if no fiber is running, and with a structural error if
// one is running but was constructed with a different result type.
func Current[V any]() *Fiber[V] {
	c := verifyCurrent()
	f, ok := c.self.(*Fiber[V])
	if !ok {
		panic(structuralError("fiber: Current[V] called with a type not matching the running fiber"))
	}
	return f
}
