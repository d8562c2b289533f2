package fiber

import (
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fibersched/fiber/internal/waiver"
)

// InstrumentationOracle answers the two questions the instrumentation
// toolchain would otherwise answer ahead of time: whether a function is
// known to cooperate with the Continuation Stack protocol ("instrumented"),
// and whether it has been explicitly exempted ("waived") despite not
// being recognized as such — e.g. a leaf function that never actually
// parks. New consults the currently installed oracle and panics
// ErrUninstrumented if a target is neither.
type InstrumentationOracle interface {
	IsInstrumented(pkg, fn string) bool
	IsWaived(pkg, fn string) bool
}

var instrumentationOracle atomic.Pointer[InstrumentationOracle]

// SetInstrumentationOracle overrides the process-wide oracle New consults.
// Passing nil restores the default registry-and-waiver-list-backed oracle.
func SetInstrumentationOracle(o InstrumentationOracle) {
	if o == nil {
		instrumentationOracle.Store(nil)
		return
	}
	instrumentationOracle.Store(&o)
}

func currentOracle() InstrumentationOracle {
	if p := instrumentationOracle.Load(); p != nil {
		return *p
	}
	return defaultOracle
}

// registryOracle is the default oracle: a process-wide set of functions
// explicitly registered via MarkInstrumented (the hand-written stand-in
// for what a real instrumentation pass would emit as generated init
// registrations), consulted alongside an optional waiver list loaded with
// SetWaiverList. cmd/fiberlint reads the same waiver file format
// (internal/waiver) ahead of time, over source rather than over a live
// registry.
type registryOracle struct {
	mu           sync.RWMutex
	instrumented map[string]struct{}
	waived       *waiver.List
}

var defaultOracle = &registryOracle{instrumented: make(map[string]struct{})}

func (o *registryOracle) IsInstrumented(pkg, fn string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.instrumented[pkg+"."+fn]
	return ok
}

func (o *registryOracle) IsWaived(pkg, fn string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.waived.Contains(pkg, fn)
}

// MarkInstrumented registers target with the default oracle's registry.
// Real instrumentation would call this from a generated init(); hand-
// written suspendable functions call it directly, once, typically from
// their own package's init().
func MarkInstrumented(target any) {
	pkg, fn := funcIdentity(target)
	defaultOracle.mu.Lock()
	defaultOracle.instrumented[pkg+"."+fn] = struct{}{}
	defaultOracle.mu.Unlock()
}

// SetWaiverList loads a waiver file into the default oracle. It does not
// affect an oracle installed via SetInstrumentationOracle.
func SetWaiverList(path string) error {
	l, err := waiver.Load(path)
	if err != nil {
		return err
	}
	defaultOracle.mu.Lock()
	defaultOracle.waived = l
	defaultOracle.mu.Unlock()
	return nil
}

// funcIdentity extracts the "package path" and "function name" halves of
// a function value's runtime symbol name, the same granularity
// cmd/fiberlint reports waivers and instrumented markers at. Closures get
// their enclosing function's identity with Go's own ".funcN" suffix left
// attached, which is deliberate: a closure is only ever instrumented or
// waived as part of the literal that created it.
func funcIdentity(target any) (pkg, fn string) {
	v := reflect.ValueOf(target)
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "", ""
	}
	full := rf.Name()
	idx := strings.LastIndex(full, ".")
	if idx < 0 {
		return "", full
	}
	return full[:idx], full[idx+1:]
}

func verifyInstrumentation(target any) {
	pkg, fn := funcIdentity(target)
	oracle := currentOracle()
	if oracle.IsInstrumented(pkg, fn) || oracle.IsWaived(pkg, fn) {
		return
	}
	panic(ErrUninstrumented)
}
