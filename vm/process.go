package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Process: a lightweight, isolated unit of execution
// ---------------------------------------------------------------------------

// ProcessState is the scheduling state of a process.
type ProcessState int32

const (
	ProcessReady ProcessState = iota
	ProcessRunning
	ProcessBlocked
	ProcessFinished
)

func (s ProcessState) String() string {
	switch s {
	case ProcessReady:
		return "ready"
	case ProcessRunning:
		return "running"
	case ProcessBlocked:
		return "blocked"
	case ProcessFinished:
		return "finished"
	}
	return fmt.Sprintf("ProcessState(%d)", int32(s))
}

// Process has its own heap and register stack. Only the worker running it
// touches either; while Blocked, only the bridged operation may touch the
// buffers its native captured.
type Process struct {
	id    uint64
	state atomic.Int32

	heap    *Heap
	stack   []Pointer
	results []Result
	ip      int
	routine *linkedRoutine

	// Set while Blocked; applied by the worker that resumes the process.
	pending       Result
	pendingDst    int
	pendingNat    *Native
	pendingResume func(Result) Result
	hasPending    bool

	done chan struct{}
	err  error
}

func newProcess(id uint64, space *PermanentSpace, r *linkedRoutine) *Process {
	p := &Process{
		id:      id,
		heap:    newHeap(space, false),
		stack:   make([]Pointer, r.Registers),
		results: make([]Result, r.Registers),
		routine: r,
		done:    make(chan struct{}),
	}
	for i := range p.stack {
		p.stack[i] = Nil
		p.results[i] = None()
	}
	return p
}

// ID returns the process id.
func (p *Process) ID() uint64 { return p.id }

// State returns the current scheduling state.
func (p *Process) State() ProcessState { return ProcessState(p.state.Load()) }

// Heap returns the process-private heap.
func (p *Process) Heap() *Heap { return p.heap }

// Register returns the value in register i.
func (p *Process) Register(i int) Pointer { return p.stack[i] }

// ResultAt returns the Result last stored into register i by a call.
func (p *Process) ResultAt(i int) Result { return p.results[i] }

// Done is closed when the process finishes.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the crash cause of a process that panicked, or nil.
func (p *Process) Err() error { return p.err }

// transition moves the process from one state to another. Any other starting
// state is an invariant violation.
func (p *Process) transition(from, to ProcessState) {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("vm: process %d: illegal transition %s -> %s (state is %s)",
			p.id, from, to, p.State()))
	}
	log.Debugf("process %d: %s -> %s", p.id, from, to)
}

// complete is called on the blocking thread with the operation's Result.
func (p *Process) complete(res Result) {
	p.pending = res
	p.hasPending = true
	p.transition(ProcessBlocked, ProcessReady)
}

// applyPending stores a bridged Result. Runs on the resuming worker.
func (p *Process) applyPending() {
	if !p.hasPending {
		return
	}
	res := p.pending
	if p.pendingResume != nil {
		res = p.pendingResume(res)
	}
	p.store(p.pendingDst, p.pendingNat, res)
	p.hasPending = false
	p.pendingNat = nil
	p.pendingResume = nil
}

// store writes a native's Result into register dst, converting the Ok payload
// according to the native's payload kind.
func (p *Process) store(dst int, nat *Native, res Result) {
	p.results[dst] = res
	if !res.IsOk() {
		p.stack[dst] = Nil
		return
	}
	switch nat.Payload {
	case PayloadPointer:
		p.stack[dst] = res.Pointer()
	case PayloadInt:
		p.stack[dst] = p.heap.NewInt(res.Int())
	case PayloadFloat:
		p.stack[dst] = p.heap.NewFloat(res.Float())
	default:
		p.stack[dst] = Nil
	}
}

// NewDetachedProcess creates a process that is never scheduled, for calling
// natives through VM.Invoke.
func (vm *VM) NewDetachedProcess(registers int) *Process {
	r := &linkedRoutine{Routine: &Routine{Name: "detached", Registers: registers}}
	p := newProcess(vm.nextProcessID(), vm.State.Space, r)
	p.state.Store(int32(ProcessRunning))
	return p
}
