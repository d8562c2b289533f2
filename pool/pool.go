// Package pool implements the work-stealing scheduler that drives fiber
// slices: one goroutine per worker, each with its own lock-free local
// deque, a global overflow queue for cross-worker submissions, and
// steal-from-tail balancing when a worker's own deque runs dry.
//
// It is grounded on the worker-pool/steal design in the Sola VM's
// multi-threaded scheduler, adapted from goroutines carrying bytecode
// frames to fiber.Runnable tasks carrying a Continuation Stack.
package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fibersched/fiber"
	"github.com/fibersched/fiber/internal/gls"
)

// Stats is a snapshot of pool-wide scheduling counters.
type Stats struct {
	Executed     int64
	Steals       int64
	StealFails   int64
	GlobalPushed int64
	GlobalPopped int64
}

// Pool is a fixed-size work-stealing executor implementing
// fiber.Submitter. Construct with New, then Start before submitting any
// fiber to it.
type Pool struct {
	workers []*worker

	globalMu    sync.Mutex
	globalQueue []fiber.Runnable

	sem *semaphore.Weighted // bounds the global queue's resident depth

	running atomic.Bool
	group   *errgroup.Group
	cancel  context.CancelFunc
	stopCh  chan struct{}

	executed     atomic.Int64
	steals       atomic.Int64
	stealFails   atomic.Int64
	globalPushed atomic.Int64
	globalPopped atomic.Int64
}

// Option configures a Pool at construction time.
type Option func(*Pool, *config)

type config struct {
	numWorkers    int
	maxGlobalWait int64
}

// WithWorkers sets the number of worker goroutines. n <= 0 means
// runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(_ *Pool, c *config) { c.numWorkers = n }
}

// WithMaxGlobalQueue bounds how many tasks may be resident in the global
// overflow queue at once; Submit blocks once the bound is reached, giving
// the pool real backpressure instead of an unbounded slice. n <= 0 means
// unbounded.
func WithMaxGlobalQueue(n int) Option {
	return func(_ *Pool, c *config) { c.maxGlobalWait = int64(n) }
}

// New creates a Pool. Call Start before Submit/Fork are used.
func New(opts ...Option) *Pool {
	cfg := &config{numWorkers: runtime.NumCPU(), maxGlobalWait: 0}
	p := &Pool{}
	for _, opt := range opts {
		opt(p, cfg)
	}
	if cfg.numWorkers <= 0 {
		cfg.numWorkers = runtime.NumCPU()
	}
	if cfg.maxGlobalWait > 0 {
		p.sem = semaphore.NewWeighted(cfg.maxGlobalWait)
	}
	p.workers = make([]*worker, cfg.numWorkers)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p)
	}
	return p
}

// Start launches all worker goroutines under an errgroup, which Stop waits
// on until every worker has exited. Workers do not recover panics: a panic
// escaping a slice is not caught by the pool.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	group, _ := errgroup.WithContext(ctx)
	p.group = group
	for _, w := range p.workers {
		w := w
		group.Go(func() error {
			w.run(p.stopCh)
			return nil
		})
	}
}

// Stop signals every worker to exit once its current slice (if any)
// returns, and waits for them all to drain. Tasks left in queues when Stop
// is called are abandoned; Stop does not run them.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	for _, w := range p.workers {
		w.wake()
	}
	_ = p.group.Wait()
	p.cancel()
}

// Submit enqueues t on the global overflow queue and wakes an idle
// worker. It implements fiber.Submitter and is safe to call from any
// goroutine, worker or not.
func (p *Pool) Submit(t fiber.Runnable) {
	if p.sem != nil {
		_ = p.sem.Acquire(context.Background(), 1)
	}
	p.globalMu.Lock()
	p.globalQueue = append(p.globalQueue, t)
	p.globalMu.Unlock()
	p.globalPushed.Add(1)
	p.wakeOne()
}

// Fork enqueues t on the calling worker's own local deque, preserving
// cache locality for the common case of a fiber rescheduling itself (e.g.
// Yield). Called off a worker goroutine, or when the local deque is full,
// it falls back to Submit.
func (p *Pool) Fork(t fiber.Runnable) {
	w := getCurrentWorker()
	if w == nil {
		p.Submit(t)
		return
	}
	if !w.pushLocal(t) {
		p.Submit(t)
	}
}

func (p *Pool) popGlobal() fiber.Runnable {
	p.globalMu.Lock()
	if len(p.globalQueue) == 0 {
		p.globalMu.Unlock()
		return nil
	}
	t := p.globalQueue[0]
	p.globalQueue = p.globalQueue[1:]
	p.globalMu.Unlock()
	p.globalPopped.Add(1)
	if p.sem != nil {
		p.sem.Release(1)
	}
	return t
}

func (p *Pool) wakeOne() {
	for _, w := range p.workers {
		if w.parking.Load() {
			w.wake()
			return
		}
	}
}

// NumWorkers returns the number of worker goroutines.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// Stats returns a snapshot of pool-wide scheduling counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Executed:     p.executed.Load(),
		Steals:       p.steals.Load(),
		StealFails:   p.stealFails.Load(),
		GlobalPushed: p.globalPushed.Load(),
		GlobalPopped: p.globalPopped.Load(),
	}
}

// currentWorker associates the goroutine currently running a worker's
// loop with that worker, so Fork can find its caller's local deque. It is
// deliberately independent of the fiber package's own goroutine-local
// "current fiber" slot (tls.go) — both are per-goroutine singletons, and
// sharing one slot between two unrelated concerns would make them clobber
// each other. Keyed by the same gls.GoroutineID used internally by the
// fiber package, but stored in a map private to this package.
var (
	currentWorkerMu sync.RWMutex
	currentWorker   = map[uint64]*worker{}
)

func setCurrentWorker(w *worker) {
	id := gls.GoroutineID()
	currentWorkerMu.Lock()
	currentWorker[id] = w
	currentWorkerMu.Unlock()
}

func clearCurrentWorker() {
	id := gls.GoroutineID()
	currentWorkerMu.Lock()
	delete(currentWorker, id)
	currentWorkerMu.Unlock()
}

func getCurrentWorker() *worker {
	id := gls.GoroutineID()
	currentWorkerMu.RLock()
	w := currentWorker[id]
	currentWorkerMu.RUnlock()
	return w
}
