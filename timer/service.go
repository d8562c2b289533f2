// Package timer provides the Timed Wait Service used by fiber's timeout
// and Sleep support at scale: a single background goroutine driving a
// container/heap-based min-heap of deadlines, rather than one runtime
// timer per parked fiber. It is grounded on the timer heap in
// gosimruntime, adapted from simulated-machine wakeups to Unpark calls.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// entry is one scheduled wake, with its position in the heap tracked so
// the cancel function returned by Schedule can remove it in O(log n)
// instead of a linear scan.
type entry struct {
	when int64 // UnixNano
	wake func()
	pos  int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].when < h[j].when }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.pos = -1
	return e
}

// Service is a fiber.TimedWaitService backed by one shared heap and one
// background goroutine, instead of fiber's default one-runtime-timer-per-
// park fallback. Call Start before installing it with fiber.SetTimedWaitService,
// and Stop when the pool using it shuts down.
type Service struct {
	mu   sync.Mutex
	heap entryHeap

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewService creates a Service. It does not start the background
// goroutine; call Start.
func NewService() *Service {
	return &Service{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the background loop. It is not safe to call twice.
func (s *Service) Start() {
	go s.loop()
}

// Stop terminates the background loop and waits for it to exit. Pending
// entries are simply dropped; nothing fires for them.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

// Schedule implements fiber.TimedWaitService: it arranges for wake to run
// once, no earlier than d from now, and returns a function that cancels
// the wake if it has not fired yet.
func (s *Service) Schedule(wake func(), d time.Duration) (cancel func()) {
	e := &entry{when: time.Now().Add(d).UnixNano(), wake: wake, pos: -1}
	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.nudge()
	return func() {
		s.mu.Lock()
		if e.pos != -1 {
			heap.Remove(&s.heap, e.pos)
		}
		s.mu.Unlock()
	}
}

// Len reports how many wakes are currently pending, for diagnostics.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var d time.Duration
		if len(s.heap) == 0 {
			d = time.Hour
		} else {
			d = time.Until(time.Unix(0, s.heap[0].when))
			if d < 0 {
				d = 0
			}
		}
		s.mu.Unlock()
		timer.Reset(d)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fire()
		}
	}
}

func (s *Service) fire() {
	now := time.Now().UnixNano()
	var due []*entry
	s.mu.Lock()
	for len(s.heap) > 0 && s.heap[0].when <= now {
		due = append(due, heap.Pop(&s.heap).(*entry))
	}
	s.mu.Unlock()
	for _, e := range due {
		e.wake()
	}
}
