package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/ember/platform"
)

var log = commonlog.GetLogger("ember.vm")

// DefaultReductions is the number of instructions a process may run before
// it is preempted.
const DefaultReductions = 1000

// ErrShutdown is returned when spawning on a VM that has been shut down.
var ErrShutdown = errors.New("vm is shut down")

// ---------------------------------------------------------------------------
// VM: the native execution core
// ---------------------------------------------------------------------------

// Options configures a VM.
type Options struct {
	// Workers is the number of scheduler threads; 0 means one per CPU core.
	Workers int
	// BlockingThreads caps concurrent blocking operations; 0 means unbounded.
	BlockingThreads int
	// Reductions is the preemption budget per run segment.
	Reductions int
	// PinWorkers locks each worker goroutine to its own OS thread.
	PinWorkers bool
	// ResumeCapacity buffers processes coming back from the blocking pool.
	ResumeCapacity int

	Arguments []string
	Env       platform.Environment
	Spawner   platform.Spawner

	// OnExit, if set, is called on the worker right before a finished
	// process's heap is released.
	OnExit func(p *Process)
}

// VM owns the shared state, the native table, the scheduler and the
// blocking bridge.
type VM struct {
	State   *State
	Natives *Natives

	sched  *Scheduler
	bridge *BlockingPool
	onExit func(p *Process)

	processes   map[uint64]*Process
	processesMu sync.RWMutex
	processID   atomic.Uint64
	live        sync.WaitGroup
	spawned     atomic.Uint64
	finished    atomic.Uint64
	closed      atomic.Bool
}

// New builds a VM. The Permanent Space is complete and frozen when New
// returns; workers start with Start.
func New(opts Options) *VM {
	vm := &VM{
		State:     NewState(opts.Env, opts.Spawner, opts.Arguments),
		Natives:   NewNatives(),
		onExit:    opts.OnExit,
		processes: make(map[uint64]*Process),
	}
	registerBuiltins(vm.Natives)

	vm.sched = newScheduler(vm, opts.Workers, opts.Reductions, opts.ResumeCapacity, opts.PinWorkers)
	vm.bridge = newBlockingPool(opts.BlockingThreads, vm.sched)

	log.Infof("vm %s: %d workers, %d natives", vm.State.ID, vm.sched.Workers(), vm.Natives.Len())
	return vm
}

// Scheduler exposes the scheduler for inspection.
func (vm *VM) Scheduler() *Scheduler { return vm.sched }

// Bridge exposes the blocking pool for inspection.
func (vm *VM) Bridge() *BlockingPool { return vm.bridge }

// Start launches the worker threads.
func (vm *VM) Start() error {
	return vm.sched.start()
}

func (vm *VM) nextProcessID() uint64 {
	return vm.processID.Add(1)
}

// Spawn creates a process running the named routine of prog and queues it.
func (vm *VM) Spawn(prog *Program, routine string) (*Process, error) {
	r, ok := prog.routines[routine]
	if !ok {
		return nil, fmt.Errorf("%w: routine %q not found", ErrBadImage, routine)
	}
	if vm.closed.Load() {
		return nil, ErrShutdown
	}
	p := vm.register(r)
	vm.sched.schedule(p)
	return p, nil
}

// spawnLocal creates a process from inside a running one and queues it on
// the spawning worker.
func (vm *VM) spawnLocal(w *Worker, r *linkedRoutine) *Process {
	p := vm.register(r)
	w.local.push(p)
	w.sched.notify()
	return p
}

func (vm *VM) register(r *linkedRoutine) *Process {
	p := newProcess(vm.nextProcessID(), vm.State.Space, r)

	vm.processesMu.Lock()
	vm.processes[p.id] = p
	vm.processesMu.Unlock()

	vm.live.Add(1)
	vm.spawned.Add(1)
	log.Debugf("spawned process %d (%s)", p.id, r.Name)
	return p
}

// finish releases a process that ran to completion or crashed.
func (vm *VM) finish(p *Process) {
	if vm.onExit != nil {
		vm.onExit(p)
	}
	if n := p.heap.Live(); n > 0 {
		log.Debugf("process %d: releasing %d live objects", p.id, n)
	}
	p.heap.Release()
	p.transition(ProcessRunning, ProcessFinished)

	vm.processesMu.Lock()
	delete(vm.processes, p.id)
	vm.processesMu.Unlock()

	vm.finished.Add(1)
	close(p.done)
	vm.live.Done()
}

// Process looks up a live process by id.
func (vm *VM) Process(id uint64) *Process {
	vm.processesMu.RLock()
	defer vm.processesMu.RUnlock()
	return vm.processes[id]
}

// ProcessCount returns the number of live processes.
func (vm *VM) ProcessCount() int {
	vm.processesMu.RLock()
	defer vm.processesMu.RUnlock()
	return len(vm.processes)
}

// Wait blocks until every process has finished or ctx is done.
func (vm *VM) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		vm.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the workers. Blocking operations still in flight run to
// completion; their processes are dropped.
func (vm *VM) Shutdown() error {
	vm.closed.Store(true)
	if n := vm.bridge.Active(); n > 0 {
		log.Warningf("shutting down with %d blocking operations in flight", n)
	}
	err := vm.sched.stop()
	log.Infof("vm %s stopped", vm.State.ID)
	return err
}

// Run starts the VM, runs the entry routine of prog and everything it
// spawns to completion, then shuts down.
func (vm *VM) Run(ctx context.Context, prog *Program) error {
	if err := vm.Start(); err != nil {
		return err
	}
	if _, err := vm.Spawn(prog, prog.entry); err != nil {
		return errors.Join(err, vm.Shutdown())
	}
	waitErr := vm.Wait(ctx)
	return errors.Join(waitErr, vm.Shutdown())
}

// Stats is a point-in-time view of the VM.
type Stats struct {
	ID             string
	Workers        int
	BlockingSize   int
	Spawned        uint64
	Finished       uint64
	Live           int
	BusyWorkers    int64
	Blocked        int64
	BlockingActive int64
	Preempted      uint64
	Steals         uint64
	Queues         []int
}

// Stats collects counters from the scheduler and the blocking pool.
func (vm *VM) Stats() Stats {
	return Stats{
		ID:             vm.State.ID.String(),
		Workers:        vm.sched.Workers(),
		BlockingSize:   vm.bridge.Size(),
		Spawned:        vm.spawned.Load(),
		Finished:       vm.finished.Load(),
		Live:           vm.ProcessCount(),
		BusyWorkers:    vm.sched.BusyWorkers(),
		Blocked:        vm.sched.Blocked(),
		BlockingActive: vm.bridge.Active(),
		Preempted:      vm.sched.preempted.Load(),
		Steals:         vm.sched.steals.Load(),
		Queues:         vm.sched.QueueLengths(),
	}
}
