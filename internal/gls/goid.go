package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var stackBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// GoroutineID returns an identifier for the calling goroutine that is
// stable for its lifetime.
//
// The teacher package this runtime is grounded on resolves this by reading
// the runtime's internal g struct through an unsafe, architecture-specific
// intrinsic (see its own getg.go, which is itself left as a stub pending
// per-architecture assembly). That approach is faster but brittle across Go
// versions and GOARCH values. This port instead parses the goroutine id out
// of runtime.Stack's header line, which is slower per call but has been a
// stable, documented-enough convention since Go 1.0 and needs no assembly,
// no unsafe, and no per-architecture maintenance.
func GoroutineID() uint64 {
	buf := stackBufPool.Get().(*[]byte)
	defer stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	b := (*buf)[:n]

	// Header line looks like: "goroutine 123 [running]:\n"
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		panic("gls: unexpected runtime.Stack header: " + string(b))
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		panic("gls: unexpected runtime.Stack header: " + string(b))
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		panic("gls: cannot parse goroutine id: " + err.Error())
	}
	return id
}
