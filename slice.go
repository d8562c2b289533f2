package fiber

import "time"

// runSlice is the Runnable the pool actually drives: it installs the fiber
// as current, runs at most one slice of target, and guarantees the
// ambient worker state is restored before returning regardless of how the
// slice ended. It corresponds to exec1 in the implementation this runtime
// is ported from.
func (f *Fiber[V]) runSlice() bool {
	c := f.fiberCore
	if !c.task.claim() {
		// Lost the claim to whoever else is driving this task (or it has
		// already finished); nothing for this invocation to do. The pool
		// is expected not to hand out a task it doesn't own, so this is
		// only a defensive backstop, not a path exercised in practice.
		return c.task.IsDone()
	}
	setCurrentFiber(c)
	swapThreadLocals(c)
	defer func() {
		swapThreadLocals(c)
		setCurrentFiber(nil)
	}()

	// Always rewind the frame pointer before anything in this slice
	// touches the Continuation Stack, whether this is the fiber's very
	// first slice (stack already empty, a no-op), a genuine resume from
	// WAITING, or an immediate retry after losing a park race (state
	// folded back to STARTED without ever reaching WAITING): in every
	// case any frames already on the stack belong to a replay, not a
	// fresh descent, and the first Enter of the slice must find fp at
	// the bottom.
	c.stack.resetForSlice()

	resumed := !c.casState(STARTED, RUNNING)
	if resumed {
		if !c.casState(WAITING, RUNNING) {
			panic(structuralError("runSlice invoked on a fiber that was not runnable"))
		}
		if c.timeoutCancel != nil {
			cancel := c.timeoutCancel
			c.timeoutCancel = nil
			cancel()
		}
		if c.onResume != nil {
			c.onResume()
		}
	}

	if c.IsInterrupted() {
		return f.finish(f.result, &FiberInterruptedError{Name: c.name})
	}

	var (
		v         V
		err       error
		suspended bool
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				if !isSuspend(r) {
					panic(r)
				}
				suspended = true
			}
		}()
		v, err = f.target(f)
	}()

	if suspended {
		return f.afterSuspend()
	}
	return f.finish(v, err)
}

func (f *Fiber[V]) finish(v V, err error) bool {
	c := f.fiberCore
	f.result = v
	c.resultErr = err
	c.casState(RUNNING, TERMINATED)
	c.task.markDone()
	close(c.done)
	if err != nil {
		f.handleUncaught(err)
	}
	if c.onCompletion != nil {
		c.onCompletion()
	}
	return true
}

func (f *Fiber[V]) handleUncaught(err error) {
	c := f.fiberCore
	if c.onException != nil {
		c.onException(err)
	}
	if c.uncaughtExceptionHandler != nil {
		c.uncaughtExceptionHandler.UncaughtException(c, err)
		return
	}
	if h := defaultUncaughtExceptionHandler.Load(); h != nil {
		(*h).UncaughtException(c, err)
	}
}

// afterSuspend finalizes a slice that ended by panicking suspendSignal. It
// always returns false: a suspended slice, whether it actually parked or
// immediately lost a race and got re-forked, has not terminated the fiber.
func (f *Fiber[V]) afterSuspend() bool {
	c := f.fiberCore
	parked := c.task.commitPark()
	if !parked {
		c.casState(RUNNING, STARTED)
		return false
	}
	c.casState(RUNNING, WAITING)
	action := c.postParkAction
	c.postParkAction = nil
	if c.onParked != nil {
		c.onParked()
	}
	if action != nil {
		action(c)
	}
	return false
}

// Park suspends the calling fiber until Unpark is called (directly, or
// indirectly through timeout elapsing). blocker records what the fiber is
// waiting on; postParkAction, if non-nil, runs exactly once after the park
// has been committed, and is how synchronization primitives publish the
// fiber to a wait queue without racing a concurrent Unpark (§4.3). A
// timeout of zero or less means wait indefinitely.
//
// Park frames itself on the Continuation Stack exactly as Sleep does, so it
// is itself a suspendable call site, not just the mechanism other
// suspendable call sites build on: a bare Park at the top of a target
// function resumes past itself on replay instead of re-parking every
// slice. A suspendable helper that wraps Park still has to call it again on
// the replay path (the way suspendableIdentity in fiber_test.go does) for
// the same reason Sleep's own callers have to call Sleep again — Park's
// frame is only popped once it has observed its own resume.
//
// Calling it outside a running fiber panics with ErrNotInFiber.
func Park(blocker Blocker, postParkAction PostParkAction, timeout time.Duration) {
	c := verifyCurrent()
	stk := c.stack
	fr := stk.Enter(0, 0)
	if fr.ConsumeResume() {
		stk.Leave()
		return
	}
	stk.Save(0, fr.Primitives, fr.References)

	c.task.beginPark(blocker)
	c.postParkAction = postParkAction
	if timeout > 0 {
		task := c.task
		c.timeoutCancel = currentTimedWaitService().Schedule(func() { task.Unpark() }, timeout)
	}
	panic(suspendSignal)
}

// Yield gives up the remainder of the current slice so the pool can run
// other runnable work, and reschedules the calling fiber onto the same
// worker's local deque rather than the global queue, preserving locality
// for the common case of cooperative round-robin. Calling it outside a
// running fiber panics with ErrNotInFiber.
func Yield() {
	c := verifyCurrent()
	c.task.beginPark(nil)
	c.postParkAction = nil
	c.task.Unpark()
	panic(suspendSignal)
}

// sleepBlocker is the Blocker recorded while a fiber is parked inside
// Sleep, so diagnostics can tell a timed sleep apart from an ordinary
// Park on a synchronization primitive.
type sleepBlocker struct{ deadline time.Time }

// Sleep parks the calling fiber until d has elapsed. It uses the fiber's
// Continuation Stack to remember the absolute deadline across a spurious
// wake (an Unpark delivered before the timeout), so that re-entry
// recomputes the remaining time against the original deadline rather than
// restarting a fresh d-length sleep. Calling it outside a running fiber
// panics with ErrNotInFiber.
func Sleep(d time.Duration) {
	c := verifyCurrent()
	stk := c.stack
	fr := stk.Enter(1, 0)

	var deadline time.Time
	if fr.ConsumeResume() {
		deadline = time.Unix(0, int64(fr.Primitives[0]))
	} else {
		deadline = time.Now().Add(d)
		fr.Primitives[0] = uint64(deadline.UnixNano())
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		stk.Leave()
		return
	}

	stk.Save(0, fr.Primitives, fr.References)
	task := c.task
	task.beginPark(sleepBlocker{deadline: deadline})
	c.timeoutCancel = currentTimedWaitService().Schedule(func() { task.Unpark() }, remaining)
	panic(suspendSignal)
}
