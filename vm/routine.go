package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Routines: the code a process executes
// ---------------------------------------------------------------------------

// Opcode selects an instruction. Routines only move values between registers
// and call natives; everything else is the compiler's business.
type Opcode uint8

const (
	OpLoadInt Opcode = iota
	OpLoadString
	OpLoadNil
	OpMove
	OpCall
	OpDrop
	OpJump
	OpJumpIfOk
	OpJumpUnlessOk
	OpSpawn
	OpYield
	OpReturn
)

var opcodeNames = [...]string{
	OpLoadInt:      "load_int",
	OpLoadString:   "load_string",
	OpLoadNil:      "load_nil",
	OpMove:         "move",
	OpCall:         "call",
	OpDrop:         "drop",
	OpJump:         "jump",
	OpJumpIfOk:     "jump_if_ok",
	OpJumpUnlessOk: "jump_unless_ok",
	OpSpawn:        "spawn",
	OpYield:        "yield",
	OpReturn:       "return",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// MarshalText lets routines be written by name in assembly sources.
func (o Opcode) MarshalText() ([]byte, error) {
	if int(o) >= len(opcodeNames) {
		return nil, fmt.Errorf("unknown opcode %d", uint8(o))
	}
	return []byte(opcodeNames[o]), nil
}

func (o *Opcode) UnmarshalText(text []byte) error {
	for i, name := range opcodeNames {
		if name == string(text) {
			*o = Opcode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown opcode %q", text)
}

// Instruction is one step of a routine. Which fields are used depends on Op:
//
//	load_int        Dst <- Int
//	load_string     Dst <- new String(Str)
//	load_nil        Dst <- nil
//	move            Dst <- Src
//	call            Dst <- Native(Args...)
//	drop            release Src
//	jump            goto Target
//	jump_if_ok      goto Target if result of Src is Ok
//	jump_unless_ok  goto Target unless result of Src is Ok
//	spawn           start routine Str, Dst <- process id
//	yield           give up the worker
//	return          finish the process
type Instruction struct {
	Op     Opcode `cbor:"1,keyasint" toml:"op"`
	Dst    int    `cbor:"2,keyasint,omitempty" toml:"dst"`
	Src    int    `cbor:"3,keyasint,omitempty" toml:"src"`
	Int    int64  `cbor:"4,keyasint,omitempty" toml:"int"`
	Str    string `cbor:"5,keyasint,omitempty" toml:"str"`
	Native string `cbor:"6,keyasint,omitempty" toml:"native"`
	Args   []int  `cbor:"7,keyasint,omitempty" toml:"args"`
	Target int    `cbor:"8,keyasint,omitempty" toml:"target"`
}

// Routine is a named instruction list with a fixed register count.
type Routine struct {
	Name      string        `cbor:"1,keyasint" toml:"name"`
	Registers int           `cbor:"2,keyasint" toml:"registers"`
	Code      []Instruction `cbor:"3,keyasint" toml:"code"`
}

// ---------------------------------------------------------------------------
// Linking
// ---------------------------------------------------------------------------

// linkedRoutine is a Routine with native names and spawn targets resolved.
type linkedRoutine struct {
	*Routine
	natives []*Native
	spawns  []*linkedRoutine
}

// Program is a linked image, ready to spawn processes from.
type Program struct {
	entry    string
	routines map[string]*linkedRoutine
}

// Entry returns the name of the routine Run starts.
func (p *Program) Entry() string {
	return p.entry
}

// Link resolves every native and spawn target in img against the VM's native
// table and validates register and jump bounds.
func (vm *VM) Link(img *Image) (*Program, error) {
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadImage, img.Version, ImageVersion)
	}

	prog := &Program{entry: img.Entry, routines: make(map[string]*linkedRoutine, len(img.Routines))}
	for i := range img.Routines {
		r := &img.Routines[i]
		if _, dup := prog.routines[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate routine %q", ErrBadImage, r.Name)
		}
		prog.routines[r.Name] = &linkedRoutine{
			Routine: r,
			natives: make([]*Native, len(r.Code)),
			spawns:  make([]*linkedRoutine, len(r.Code)),
		}
	}
	if _, ok := prog.routines[img.Entry]; !ok {
		return nil, fmt.Errorf("%w: entry routine %q not found", ErrBadImage, img.Entry)
	}

	for _, lr := range prog.routines {
		if err := vm.linkRoutine(prog, lr); err != nil {
			return nil, fmt.Errorf("routine %s: %w", lr.Name, err)
		}
	}
	return prog, nil
}

// LinkRoutine links a single routine that spawns nothing.
func (vm *VM) LinkRoutine(r *Routine) (*Program, error) {
	return vm.Link(&Image{Version: ImageVersion, Entry: r.Name, Routines: []Routine{*r}})
}

func (vm *VM) linkRoutine(prog *Program, lr *linkedRoutine) error {
	regs := lr.Registers
	reg := func(pc, r int) error {
		if r < 0 || r >= regs {
			return fmt.Errorf("%w: instruction %d uses register %d of %d", ErrBadImage, pc, r, regs)
		}
		return nil
	}

	for pc, ins := range lr.Code {
		var err error
		switch ins.Op {
		case OpLoadInt, OpLoadString, OpLoadNil:
			err = reg(pc, ins.Dst)
		case OpMove:
			if err = reg(pc, ins.Dst); err == nil {
				err = reg(pc, ins.Src)
			}
		case OpDrop:
			err = reg(pc, ins.Src)
		case OpCall:
			n, ok := vm.Natives.Lookup(ins.Native)
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownNative, ins.Native)
			}
			lr.natives[pc] = n
			err = reg(pc, ins.Dst)
			for _, a := range ins.Args {
				if err != nil {
					break
				}
				err = reg(pc, a)
			}
		case OpJump:
			err = jumpTarget(pc, ins.Target, len(lr.Code))
		case OpJumpIfOk, OpJumpUnlessOk:
			if err = reg(pc, ins.Src); err == nil {
				err = jumpTarget(pc, ins.Target, len(lr.Code))
			}
		case OpSpawn:
			target, ok := prog.routines[ins.Str]
			if !ok {
				return fmt.Errorf("%w: spawn of unknown routine %q", ErrBadImage, ins.Str)
			}
			lr.spawns[pc] = target
			err = reg(pc, ins.Dst)
		case OpYield, OpReturn:
		default:
			return fmt.Errorf("%w: instruction %d has unknown opcode %d", ErrBadImage, pc, ins.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func jumpTarget(pc, target, n int) error {
	// Jumping to n is allowed and finishes the routine.
	if target < 0 || target > n {
		return fmt.Errorf("%w: instruction %d jumps to %d", ErrBadImage, pc, target)
	}
	return nil
}
