package fiber

import (
	"fmt"
	"sync/atomic"
)

// localKey is the opaque identity of a fiber-local slot. Identity for
// lookup purposes is the pointer itself, mirroring how a Java ThreadLocal's
// identity is the object rather than anything textual; name is carried
// alongside only so the persisted-state codec (persist package) has a
// stable label to serialize values under, since a pointer is meaningless
// across a restore into a different process.
type localKey struct {
	inheritable bool
	name        string
}

var localKeySeq atomic.Int64

func resolveLocalName(given []string) string {
	if len(given) > 0 && given[0] != "" {
		return given[0]
	}
	return fmt.Sprintf("local#%d", localKeySeq.Add(1))
}

// Local is a typed fiber-local variable: its value is part of the fiber's
// thread-local view and is swapped in and out transparently by the Worker
// Context Switch on every slice entry and exit (§4.4). Reads and writes
// are only meaningful from within a running fiber's slice.
type Local[T any] struct {
	key  *localKey
	zero T
}

// NewLocal creates a fiber-local variable. Values read through it are
// visible only to the fiber that wrote them. name, if given, is the label
// under which persist serializes this slot; callers that never persist a
// fiber can omit it.
func NewLocal[T any](name ...string) *Local[T] {
	return &Local[T]{key: &localKey{name: resolveLocalName(name)}}
}

// NewInheritableLocal creates a fiber-local variable whose value is copied
// into any fiber constructed from within another fiber's slice, the way a
// kernel thread's InheritableThreadLocal flows to children.
func NewInheritableLocal[T any](name ...string) *Local[T] {
	return &Local[T]{key: &localKey{inheritable: true, name: resolveLocalName(name)}}
}

// Get returns the value set for the calling fiber, or the zero value if
// none was set. It panics with ErrNotInFiber outside a fiber.
//
// Deliberately, this reads the ambient worker-local view (via gls), not
// any field on the Fiber struct: while a slice is running, the Fiber's own
// fiberLocals field holds the *worker's* original view, swapped out for
// the duration of the slice by swapThreadLocals. Reading through the
// ambient view is what makes this transparent at arbitrary call depth.
func (l *Local[T]) Get() T {
	verifyCurrent()
	w := loadWorkerState()
	m := w.locals
	if l.key.inheritable {
		m = w.inherit
	}
	if v, ok := m[l.key]; ok {
		return v.(T)
	}
	return l.zero
}

// Set stores a value for the calling fiber. It panics with ErrNotInFiber
// outside a fiber.
func (l *Local[T]) Set(v T) {
	verifyCurrent()
	w := loadWorkerState()
	if l.key.inheritable {
		if w.inherit == nil {
			w.inherit = make(localMap)
		}
		w.inherit[l.key] = v
	} else {
		if w.locals == nil {
			w.locals = make(localMap)
		}
		w.locals[l.key] = v
	}
	storeWorkerState(w)
}
