package vm

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ---------------------------------------------------------------------------
// BlockingPool: runs blocking native operations off the worker threads
// ---------------------------------------------------------------------------

// BlockingPool executes the operations of Blocked processes. Each operation
// runs on a goroutine locked to an OS thread, never on a worker. With a
// positive size at most that many threads are held by the pool; queued
// operations wait as parked goroutines until a slot frees.
type BlockingPool struct {
	sem       *semaphore.Weighted
	size      int
	sched     *Scheduler
	active    atomic.Int64
	completed atomic.Uint64
}

func newBlockingPool(size int, sched *Scheduler) *BlockingPool {
	b := &BlockingPool{size: size, sched: sched}
	if size > 0 {
		b.sem = semaphore.NewWeighted(int64(size))
	}
	return b
}

// submit runs op for the Blocked process p and then sends p back to the
// scheduler carrying op's Result.
func (b *BlockingPool) submit(p *Process, op func() Result) {
	go func() {
		if b.sem != nil {
			// Acquire only fails on context cancellation.
			_ = b.sem.Acquire(context.Background(), 1)
			defer b.sem.Release(1)
		}

		// Locked only once a slot is held, so waiting operations do not pin
		// threads of their own.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		b.active.Add(1)
		res := b.run(p, op)
		b.active.Add(-1)
		b.completed.Add(1)

		b.sched.blocked.Add(-1)
		p.complete(res)
		b.sched.resume(p)
	}()
}

func (b *BlockingPool) run(p *Process, op func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			schedLog.Errorf("process %d: blocking operation panicked: %v", p.id, r)
			res = Error(-1)
		}
	}()
	return op()
}

// Active returns the number of operations currently executing.
func (b *BlockingPool) Active() int64 {
	return b.active.Load()
}

// Completed returns the number of operations that have finished.
func (b *BlockingPool) Completed() uint64 {
	return b.completed.Load()
}

// Size returns the configured cap, 0 meaning unbounded.
func (b *BlockingPool) Size() int {
	return b.size
}
