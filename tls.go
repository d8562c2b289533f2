package fiber

import "github.com/fibersched/fiber/internal/gls"

// localMap is the snapshot of fiber-local (or inheritable-fiber-local)
// values carried by a Fiber. Keys are the opaque identities handed out by
// NewLocal; see local.go.
type localMap map[*localKey]any

func (m localMap) clone() localMap {
	if m == nil {
		return nil
	}
	out := make(localMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// workerState is the goroutine-local record a worker goroutine carries:
// which fiber it is currently running a slice for (at most one, I2), and
// the thread-local view currently installed — either the worker's own
// (when idle or running non-fiber code) or a fiber's, while a slice runs.
//
// current holds a *fiberCore rather than a *Fiber[V]: goroutine-local
// storage is untyped and shared by fibers of every result type, so the
// ambient, result-type-independent half of Fiber is what lives here. See
// fiber.go for how Fiber[V] recovers its concrete type from a core.
type workerState struct {
	current *fiberCore
	locals  localMap
	inherit localMap
}

func loadWorkerState() *workerState {
	v, ok := gls.Load()
	if !ok {
		return &workerState{}
	}
	return v.(*workerState)
}

func storeWorkerState(w *workerState) { gls.Store(w) }

// currentFiber returns the core of the fiber currently running a slice on
// the calling goroutine, or nil if none.
func currentFiber() *fiberCore {
	v, ok := gls.Load()
	if !ok {
		return nil
	}
	return v.(*workerState).current
}

// setCurrentFiber installs c as the calling goroutine's current fiber.
// Installing a non-nil core over another non-nil core is a structural
// error: the worker's current-fiber slot is single-writer, written only by
// the slice that owns it (§4.4).
func setCurrentFiber(c *fiberCore) {
	w := loadWorkerState()
	if c != nil && w.current != nil {
		panic(ErrDoubleCurrentFiber)
	}
	w.current = c
	storeWorkerState(w)
}

// swapThreadLocals exchanges the calling goroutine's installed
// fiber-local/inheritable-fiber-local view with c's saved view. Calling it
// once on slice entry installs c's locals in place of the worker's own
// (saving the worker's into c); calling it again on slice exit, on the
// same goroutine, restores the worker's original view exactly, because the
// operation is its own inverse. This is the entirety of the "Worker
// Context Switch" component: one symmetric swap, invoked twice per slice.
func swapThreadLocals(c *fiberCore) {
	w := loadWorkerState()
	w.locals, c.fiberLocals = c.fiberLocals, w.locals
	w.inherit, c.inheritableFiberLocals = c.inheritableFiberLocals, w.inherit
	storeWorkerState(w)
}
