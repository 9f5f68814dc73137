package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Native function surface
// ---------------------------------------------------------------------------

// PayloadKind tells the interpreter how to store an Ok payload in a register.
type PayloadKind uint8

const (
	PayloadNone    PayloadKind = iota // nothing useful; register gets nil
	PayloadPointer                    // payload is a Pointer
	PayloadInt                        // payload is a raw int64
	PayloadFloat                      // payload is float64 bits, boxed on store
)

// NativeFunc is the calling convention for every native function. It returns
// exactly one Result.
type NativeFunc func(c *Call) Result

// Native is a registered native function. ID is its position in the native
// table and is stable for a given registration order.
type Native struct {
	ID      uint32
	Name    string
	Payload PayloadKind
	Fn      NativeFunc
}

// Call carries the context of one native invocation.
//
// Argument arity and classes are the caller's responsibility; natives assume
// them and do not re-validate.
type Call struct {
	State   *State
	Worker  *Worker // nil when invoked outside the scheduler
	Process *Process
	Args    []Pointer

	blocking func() Result
	resume   func(Result) Result
}

// Heap returns the current process's heap.
func (c *Call) Heap() *Heap {
	return c.Process.heap
}

// Blocking hands op to the blocking bridge. The native must return the value
// of Blocking directly; the real Result is produced by op on a blocking
// thread and delivered when the process resumes. op must only touch values
// the native captured for it.
func (c *Call) Blocking(op func() Result) Result {
	c.blocking = op
	return None()
}

// Resume registers fn to run on the worker that resumes the process, after
// the blocking operation finished and before its Result is stored. It is the
// place to turn an operation's output into heap objects.
func (c *Call) Resume(fn func(Result) Result) {
	c.resume = fn
}

// Natives is the table of native functions, keyed by name and by ID.
type Natives struct {
	mu     sync.RWMutex
	list   []*Native
	byName map[string]*Native
}

// NewNatives creates an empty native table.
func NewNatives() *Natives {
	return &Natives{byName: make(map[string]*Native)}
}

// Register adds a native. Registering the same name twice panics.
func (n *Natives) Register(name string, payload PayloadKind, fn NativeFunc) *Native {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, dup := n.byName[name]; dup {
		panic(fmt.Sprintf("vm: native %q registered twice", name))
	}
	nat := &Native{ID: uint32(len(n.list)), Name: name, Payload: payload, Fn: fn}
	n.list = append(n.list, nat)
	n.byName[name] = nat
	return nat
}

// Lookup finds a native by name.
func (n *Natives) Lookup(name string) (*Native, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nat, ok := n.byName[name]
	return nat, ok
}

// ByID finds a native by ID.
func (n *Natives) ByID(id uint32) (*Native, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if int(id) >= len(n.list) {
		return nil, false
	}
	return n.list[id], true
}

// Names returns all registered names, sorted.
func (n *Natives) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.list))
	for _, nat := range n.list {
		names = append(names, nat.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered natives.
func (n *Natives) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.list)
}

// registerBuiltins installs the runtime's natives. The order fixes their IDs.
func registerBuiltins(n *Natives) {
	registerStringNatives(n)
	registerByteArrayNatives(n)
	registerEnvNatives(n)
	registerChildNatives(n)
}

// Invoke calls a native directly on p, outside the scheduler. A blocking
// native runs its operation inline on the calling goroutine. Used for
// embedding and tests; p must not be scheduled concurrently.
func (vm *VM) Invoke(p *Process, name string, args ...Pointer) Result {
	nat, ok := vm.Natives.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("vm: %v: %q", ErrUnknownNative, name))
	}
	c := &Call{State: vm.State, Process: p, Args: args}
	res := nat.Fn(c)
	if c.blocking != nil {
		res = c.blocking()
	}
	if c.resume != nil {
		res = c.resume(res)
	}
	return res
}
