package vm

// segment is how a run segment ended.
type segment int

const (
	segmentFinished segment = iota
	segmentYielded
	segmentPreempted
	segmentBlocked
)

// interpret runs p from its instruction pointer for at most budget
// instructions. On segmentBlocked the returned op must be handed to the
// blocking bridge.
func (p *Process) interpret(w *Worker, budget int) (segment, func() Result) {
	p.applyPending()

	r := p.routine
	code := r.Code
	heap := p.heap

	for p.ip < len(code) {
		if budget == 0 {
			return segmentPreempted, nil
		}
		budget--

		pc := p.ip
		ins := &code[pc]
		p.ip++

		switch ins.Op {
		case OpLoadInt:
			p.stack[ins.Dst] = heap.NewInt(ins.Int)

		case OpLoadString:
			p.stack[ins.Dst] = heap.NewString(ins.Str)

		case OpLoadNil:
			p.stack[ins.Dst] = Nil

		case OpMove:
			p.stack[ins.Dst] = p.stack[ins.Src]
			p.results[ins.Dst] = p.results[ins.Src]

		case OpCall:
			nat := r.natives[pc]
			args := make([]Pointer, len(ins.Args))
			for i, reg := range ins.Args {
				args[i] = p.stack[reg]
			}
			c := &Call{State: w.sched.vm.State, Worker: w, Process: p, Args: args}
			res := nat.Fn(c)
			if c.blocking != nil {
				p.pendingDst = ins.Dst
				p.pendingNat = nat
				p.pendingResume = c.resume
				return segmentBlocked, c.blocking
			}
			if c.resume != nil {
				res = c.resume(res)
			}
			p.store(ins.Dst, nat, res)

		case OpDrop:
			heap.Drop(p.stack[ins.Src])
			p.stack[ins.Src] = Nil

		case OpJump:
			p.ip = ins.Target

		case OpJumpIfOk:
			if p.results[ins.Src].IsOk() {
				p.ip = ins.Target
			}

		case OpJumpUnlessOk:
			if !p.results[ins.Src].IsOk() {
				p.ip = ins.Target
			}

		case OpSpawn:
			child := w.sched.vm.spawnLocal(w, r.spawns[pc])
			p.stack[ins.Dst] = heap.NewInt(int64(child.id))

		case OpYield:
			return segmentYielded, nil

		case OpReturn:
			return segmentFinished, nil
		}
	}
	return segmentFinished, nil
}
