package fiber

import (
	"sync/atomic"
	"time"
)

// TimedWaitService schedules a one-shot wake callback after a delay and
// returns a cancel function. Park and Sleep use it for timeouts instead of
// spinning up a goroutine per call; Unpark remains the only thing that
// actually moves a task out of PARKED, so a service only ever needs to
// call wake — it never touches ParkableTask state directly.
type TimedWaitService interface {
	Schedule(wake func(), d time.Duration) (cancel func())
}

// stdTimedWaitService is the ambient fallback: one runtime timer per
// scheduled wait, which is correct but does not amortize across many
// concurrently sleeping fibers the way a shared deadline heap would. The
// timer/ package's Service is the DOMAIN-scale replacement; SetTimedWaitService
// installs it process-wide.
type stdTimedWaitService struct{}

func (stdTimedWaitService) Schedule(wake func(), d time.Duration) func() {
	t := time.AfterFunc(d, wake)
	return func() { t.Stop() }
}

var timedWaitService atomic.Pointer[TimedWaitService]

// SetTimedWaitService overrides the process-wide timer used by Park's
// timeout argument and by Sleep. Passing nil restores the stdlib-backed
// default.
func SetTimedWaitService(svc TimedWaitService) {
	if svc == nil {
		timedWaitService.Store(nil)
		return
	}
	timedWaitService.Store(&svc)
}

func currentTimedWaitService() TimedWaitService {
	if p := timedWaitService.Load(); p != nil {
		return *p
	}
	return stdTimedWaitService{}
}
