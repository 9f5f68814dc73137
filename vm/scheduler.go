package vm

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var schedLog = commonlog.GetLogger("ember.scheduler")

// ---------------------------------------------------------------------------
// runQueue: a locked FIFO of ready processes
// ---------------------------------------------------------------------------

type runQueue struct {
	mu    sync.Mutex
	items []*Process
	head  int
}

func (q *runQueue) push(p *Process) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

func (q *runQueue) pop() *Process {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil
	}
	p := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return p
}

// stealHalf removes up to half of the queued processes (at least one) from
// the back of the queue.
func (q *runQueue) stealHalf() []*Process {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	if n == 0 {
		return nil
	}
	take := (n + 1) / 2
	cut := len(q.items) - take
	stolen := make([]*Process, take)
	copy(stolen, q.items[cut:])
	for i := cut; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:cut]
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return stolen
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// ---------------------------------------------------------------------------
// Scheduler: N workers over a global queue and per-worker queues
// ---------------------------------------------------------------------------

// Scheduler multiplexes processes over a fixed set of worker goroutines, each
// optionally locked to its own OS thread.
type Scheduler struct {
	vm         *VM
	workers    []*Worker
	global     runQueue
	resumed    chan *Process
	wake       chan struct{}
	quit       chan struct{}
	sleeping   atomic.Int32
	reductions int
	pin        bool

	group    *errgroup.Group
	started  atomic.Bool
	stopOnce sync.Once

	busy      atomic.Int64
	blocked   atomic.Int64
	preempted atomic.Uint64
	steals    atomic.Uint64
}

// sharedPollInterval is how often a worker with local work looks at the
// resumption channel and the global queue first.
const sharedPollInterval = 61

// Worker runs ready processes one segment at a time.
type Worker struct {
	id    int
	sched *Scheduler
	local runQueue
	busy  atomic.Bool
	ticks uint32
}

// ID returns the worker's index in the pool.
func (w *Worker) ID() int { return w.id }

func newScheduler(vm *VM, workers, reductions, resumeCapacity int, pin bool) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if reductions <= 0 {
		reductions = DefaultReductions
	}
	if resumeCapacity <= 0 {
		resumeCapacity = 1024
	}
	s := &Scheduler{
		vm:         vm,
		resumed:    make(chan *Process, resumeCapacity),
		wake:       make(chan struct{}, workers),
		quit:       make(chan struct{}),
		reductions: reductions,
		pin:        pin,
	}
	for i := 0; i < workers; i++ {
		s.workers = append(s.workers, &Worker{id: i, sched: s})
	}
	return s
}

// start launches the workers.
func (s *Scheduler) start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already started")
	}
	s.group = new(errgroup.Group)
	for _, w := range s.workers {
		s.group.Go(w.run)
	}
	schedLog.Infof("started %d workers (reductions %d)", len(s.workers), s.reductions)
	return nil
}

// stop signals every worker to exit and waits for them.
func (s *Scheduler) stop() error {
	s.stopOnce.Do(func() { close(s.quit) })
	if !s.started.Load() {
		return nil
	}
	return s.group.Wait()
}

// schedule enqueues a ready process from outside the pool.
func (s *Scheduler) schedule(p *Process) {
	s.global.push(p)
	s.notify()
}

// resume is the blocking bridge's way back in: the process arrives as a
// message on the resumption channel.
func (s *Scheduler) resume(p *Process) {
	select {
	case s.resumed <- p:
	case <-s.quit:
		schedLog.Warningf("process %d resumed after shutdown; dropped", p.id)
	}
}

// notify wakes one sleeping worker, if any.
func (s *Scheduler) notify() {
	if s.sleeping.Load() == 0 {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() error {
	s := w.sched
	if s.pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	schedLog.Debugf("worker %d running", w.id)

	for {
		select {
		case <-s.quit:
			return nil
		default:
		}

		if p := w.find(); p != nil {
			w.execute(p)
			continue
		}

		// Announce sleep before the last look so a concurrent push either
		// is seen here or sends a wake-up.
		s.sleeping.Add(1)
		if p := w.find(); p != nil {
			s.sleeping.Add(-1)
			w.execute(p)
			continue
		}

		select {
		case <-s.wake:
			s.sleeping.Add(-1)
		case p := <-s.resumed:
			s.sleeping.Add(-1)
			w.execute(p)
		case <-s.quit:
			s.sleeping.Add(-1)
			return nil
		}
	}
}

// find looks for work: own queue, resumed processes, global queue, then the
// other workers' queues. Every sharedPollInterval calls the shared queues go
// first, so a process looping on the local queue cannot starve them.
func (w *Worker) find() *Process {
	w.ticks++
	if w.ticks%sharedPollInterval == 0 {
		if p := w.findShared(); p != nil {
			return p
		}
	}

	if p := w.local.pop(); p != nil {
		return p
	}

	s := w.sched
	if p := w.findShared(); p != nil {
		return p
	}

	n := len(s.workers)
	if n == 1 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		victim := s.workers[(start+i)%n]
		if victim == w {
			continue
		}
		stolen := victim.local.stealHalf()
		if len(stolen) == 0 {
			continue
		}
		s.steals.Add(1)
		for _, p := range stolen[1:] {
			w.local.push(p)
		}
		if len(stolen) > 1 {
			s.notify()
		}
		return stolen[0]
	}
	return nil
}

// findShared takes a process from the resumption channel or the global
// queue, alternating which goes first on each poll tick.
func (w *Worker) findShared() *Process {
	s := w.sched
	if (w.ticks/sharedPollInterval)%2 == 1 {
		if p := s.global.pop(); p != nil {
			return p
		}
	}
	select {
	case p := <-s.resumed:
		return p
	default:
	}
	return s.global.pop()
}

// execute runs one segment of p on this worker.
func (w *Worker) execute(p *Process) {
	s := w.sched
	p.transition(ProcessReady, ProcessRunning)
	w.busy.Store(true)
	s.busy.Add(1)

	seg, op := w.runSegment(p)

	w.busy.Store(false)
	s.busy.Add(-1)

	switch seg {
	case segmentYielded, segmentPreempted:
		if seg == segmentPreempted {
			s.preempted.Add(1)
		}
		p.transition(ProcessRunning, ProcessReady)
		w.local.push(p)
		s.notify()
	case segmentBlocked:
		p.transition(ProcessRunning, ProcessBlocked)
		s.blocked.Add(1)
		// p now belongs to the bridge; it must not be touched here again.
		s.vm.bridge.submit(p, op)
	case segmentFinished:
		s.vm.finish(p)
	}
}

// runSegment interprets p and turns a panic into a crashed process.
func (w *Worker) runSegment(p *Process) (seg segment, op func() Result) {
	defer func() {
		if r := recover(); r != nil {
			p.err = fmt.Errorf("process %d crashed: %v", p.id, r)
			schedLog.Errorf("%v", p.err)
			seg, op = segmentFinished, nil
		}
	}()
	return p.interpret(w, w.sched.reductions)
}

// BusyWorkers returns the number of workers currently running a process.
func (s *Scheduler) BusyWorkers() int64 {
	return s.busy.Load()
}

// Blocked returns the number of processes waiting on the blocking bridge.
func (s *Scheduler) Blocked() int64 {
	return s.blocked.Load()
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return len(s.workers)
}

// QueueLengths returns the global queue length followed by each worker's
// local queue length.
func (s *Scheduler) QueueLengths() []int {
	lens := []int{s.global.len()}
	for _, w := range s.workers {
		lens = append(lens, w.local.len())
	}
	return lens
}
