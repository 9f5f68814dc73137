package vm

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chazu/ember/platform"
)

// newTestVM builds an unstarted VM over a fixed environment.
func newTestVM(t *testing.T, opts ...func(*Options)) *VM {
	t.Helper()
	o := Options{
		Workers: 2,
		Env: &platform.Snapshot{
			Vars: map[string]string{
				"HOME":  "/home/ember",
				"LANG":  "C",
				"EMPTY": "",
			},
			Dir:        "/work",
			Executable: "/usr/bin/ember",
			Temp:       "/tmp",
			Cores:      4,
			GOOS:       "linux",
		},
		Arguments: []string{"one", "two"},
	}
	for _, opt := range opts {
		opt(&o)
	}
	vm := New(o)
	t.Cleanup(func() { vm.Shutdown() })
	return vm
}

func mustOk(t *testing.T, res Result) Result {
	t.Helper()
	if !res.IsOk() {
		t.Fatalf("got %s, want ok", res)
	}
	return res
}

// runImage links and runs src to completion with a deadline.
func runImage(t *testing.T, vm *VM, src string) {
	t.Helper()
	img, err := Assemble([]byte(src))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	prog, err := vm.Link(img)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vm.Run(ctx, prog); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNewVM(t *testing.T) {
	vm := newTestVM(t)

	if vm.Scheduler().Workers() != 2 {
		t.Errorf("Workers() = %d, want 2", vm.Scheduler().Workers())
	}
	if !vm.State.Space.Frozen() {
		t.Error("permanent space not frozen after New")
	}
	for _, name := range []string{"string_concat", "env_get", "child_process_spawn", "cpu_cores"} {
		if _, ok := vm.Natives.Lookup(name); !ok {
			t.Errorf("native %q not registered", name)
		}
	}
}

func TestNativeIDsAreStable(t *testing.T) {
	a := newTestVM(t).Natives
	b := newTestVM(t).Natives
	if a.Len() != b.Len() {
		t.Fatalf("native counts differ: %d vs %d", a.Len(), b.Len())
	}
	for i := 0; i < a.Len(); i++ {
		na, _ := a.ByID(uint32(i))
		nb, _ := b.ByID(uint32(i))
		if na.Name != nb.Name {
			t.Errorf("native %d: %q vs %q", i, na.Name, nb.Name)
		}
	}
	if _, ok := a.ByID(uint32(a.Len())); ok {
		t.Error("ByID past the end succeeded")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	vm := newTestVM(t)
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	vm.Natives.Register("string_concat", PayloadNone, func(c *Call) Result { return None() })
}

func TestRunStoresResults(t *testing.T) {
	var (
		mu       sync.Mutex
		upper    string
		floatRes Result
		floatVal float64
	)
	vm := newTestVM(t, func(o *Options) {
		o.OnExit = func(p *Process) {
			mu.Lock()
			defer mu.Unlock()
			upper = p.Heap().String(p.Register(1))
			floatRes = p.ResultAt(3)
			floatVal = p.Heap().Float(p.Register(3))
		}
	})

	runImage(t, vm, `
entry = "main"

[[routine]]
name = "main"
registers = 4
code = [
  { op = "load_string", dst = 0, str = "shout" },
  { op = "call", dst = 1, native = "string_to_upper", args = [0] },
  { op = "load_string", dst = 2, str = "2.5" },
  { op = "call", dst = 3, native = "string_to_float", args = [2] },
  { op = "return" },
]
`)

	mu.Lock()
	defer mu.Unlock()
	if upper != "SHOUT" {
		t.Errorf("register 1 = %q, want SHOUT", upper)
	}
	if !floatRes.IsOk() || floatVal != 2.5 {
		t.Errorf("register 3 = %v (%s), want 2.5", floatVal, floatRes)
	}
	if st := vm.Stats(); st.Spawned != 1 || st.Finished != 1 || st.Live != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRunBranchesOnResult(t *testing.T) {
	var got atomic.Int64
	vm := newTestVM(t, func(o *Options) {
		o.OnExit = func(p *Process) { got.Store(p.Register(2).Int64()) }
	})

	// env_get of an unset variable is None, so the jump is taken.
	runImage(t, vm, `
[[routine]]
name = "main"
registers = 3
code = [
  { op = "load_string", dst = 0, str = "NOT_SET" },
  { op = "call", dst = 1, native = "env_get", args = [0] },
  { op = "jump_unless_ok", src = 1, target = 5 },
  { op = "load_int", dst = 2, int = 1 },
  { op = "return" },
  { op = "load_int", dst = 2, int = 2 },
]
`)
	if got.Load() != 2 {
		t.Errorf("register 2 = %d, want 2", got.Load())
	}
}

func TestSpawnRunsChildRoutine(t *testing.T) {
	var children atomic.Int32
	vm := newTestVM(t, func(o *Options) {
		o.OnExit = func(p *Process) {
			if p.routine.Name == "child" {
				children.Add(1)
			}
		}
	})

	runImage(t, vm, `
entry = "main"

[[routine]]
name = "main"
registers = 1
code = [
  { op = "spawn", dst = 0, str = "child" },
  { op = "spawn", dst = 0, str = "child" },
  { op = "spawn", dst = 0, str = "child" },
]

[[routine]]
name = "child"
registers = 1
code = [
  { op = "load_string", dst = 0, str = "hi" },
  { op = "yield" },
  { op = "drop", src = 0 },
]
`)
	if children.Load() != 3 {
		t.Errorf("%d children finished, want 3", children.Load())
	}
	if st := vm.Stats(); st.Spawned != 4 || st.Finished != 4 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestPreemption(t *testing.T) {
	vm := newTestVM(t, func(o *Options) {
		o.Workers = 1
		o.Reductions = 10
	})

	// Two processes that each loop for a while on one worker: both finish
	// only if the worker preempts them.
	runImage(t, vm, `
entry = "main"

[[routine]]
name = "main"
registers = 1
code = [
  { op = "spawn", dst = 0, str = "spin" },
  { op = "spawn", dst = 0, str = "spin" },
]

[[routine]]
name = "spin"
registers = 2
code = [
  { op = "load_int", dst = 0, int = 0 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "load_nil", dst = 1 },
  { op = "return" },
]
`)
	if st := vm.Stats(); st.Preempted < 2 {
		t.Errorf("Preempted = %d, want at least 2", st.Preempted)
	}
}

func TestCrashedProcessFinishes(t *testing.T) {
	var crash atomic.Value
	vm := newTestVM(t, func(o *Options) {
		o.OnExit = func(p *Process) {
			if p.Err() != nil {
				crash.Store(p.Err())
			}
		}
	})
	vm.Natives.Register("test_panic", PayloadNone, func(c *Call) Result {
		panic("kaboom")
	})

	runImage(t, vm, `
[[routine]]
name = "main"
registers = 1
code = [
  { op = "call", dst = 0, native = "test_panic" },
]
`)
	if crash.Load() == nil {
		t.Error("crash was not recorded on the process")
	}
	if st := vm.Stats(); st.Live != 0 || st.Finished != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

// Blocked processes must not hold workers: with K > N processes all parked on
// the bridge, every worker is idle and can still run new work.
func TestBlockedProcessesReleaseWorkers(t *testing.T) {
	const workers, blocked = 2, 6

	vm := newTestVM(t, func(o *Options) { o.Workers = workers })
	release := make(chan struct{})
	vm.Natives.Register("test_block", PayloadInt, func(c *Call) Result {
		return c.Blocking(func() Result {
			<-release
			return OkInt(7)
		})
	})
	var sevens atomic.Int32
	vm.onExit = func(p *Process) {
		if p.ResultAt(0) == OkInt(7) && p.Register(0) == Int(7) {
			sevens.Add(1)
		}
	}

	img, err := Assemble([]byte(`
[[routine]]
name = "block"
registers = 1
code = [
  { op = "call", dst = 0, native = "test_block" },
]

[[routine]]
name = "quick"
registers = 1
code = [
  { op = "load_int", dst = 0, int = 1 },
]
`))
	if err != nil {
		t.Fatal(err)
	}
	prog, err := vm.Link(img)
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < blocked; i++ {
		if _, err := vm.Spawn(prog, "block"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return vm.Scheduler().Blocked() == blocked })
	waitFor(t, func() bool { return vm.Scheduler().BusyWorkers() == 0 })

	quick, err := vm.Spawn(prog, "quick")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-quick.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("ready process did not run while others were blocked")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vm.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if sevens.Load() != blocked {
		t.Errorf("%d processes resumed with Ok(7), want %d", sevens.Load(), blocked)
	}
	if vm.Bridge().Completed() != blocked {
		t.Errorf("Completed() = %d, want %d", vm.Bridge().Completed(), blocked)
	}
}

func TestBlockingPoolBound(t *testing.T) {
	vm := newTestVM(t, func(o *Options) { o.BlockingThreads = 1 })
	var inFlight, peak atomic.Int32
	vm.Natives.Register("test_sleep", PayloadNone, func(c *Call) Result {
		return c.Blocking(func() Result {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return None()
		})
	})

	runImage(t, vm, `
[[routine]]
name = "main"
registers = 1
code = [
  { op = "spawn", dst = 0, str = "sleeper" },
  { op = "spawn", dst = 0, str = "sleeper" },
  { op = "spawn", dst = 0, str = "sleeper" },
]

[[routine]]
name = "sleeper"
registers = 1
code = [
  { op = "call", dst = 0, native = "test_sleep" },
]
`)
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

// Operations queued behind a full pool wait without an OS thread each.
func TestBlockingPoolBoundsThreads(t *testing.T) {
	const queued = 60

	vm := newTestVM(t, func(o *Options) { o.BlockingThreads = 1 })
	release := make(chan struct{})
	vm.Natives.Register("test_block", PayloadNone, func(c *Call) Result {
		return c.Blocking(func() Result {
			<-release
			return None()
		})
	})
	prog, err := vm.LinkRoutine(&Routine{
		Name:      "main",
		Registers: 1,
		Code:      []Instruction{{Op: OpCall, Native: "test_block"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}

	threads := pprof.Lookup("threadcreate")
	before := threads.Count()
	for i := 0; i < queued; i++ {
		if _, err := vm.Spawn(prog, "main"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return vm.Scheduler().Blocked() == queued })
	waitFor(t, func() bool { return vm.Bridge().Active() == 1 })

	if created := threads.Count() - before; created >= queued/3 {
		t.Errorf("%d threads created for %d queued operations on a pool of 1", created, queued)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vm.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if vm.Bridge().Completed() != queued {
		t.Errorf("Completed() = %d, want %d", vm.Bridge().Completed(), queued)
	}
}

const spinnerSource = `
[[routine]]
name = "spin"
registers = 1
code = [
  { op = "jump", target = 0 },
]

[[routine]]
name = "quick"
registers = 1
code = [
  { op = "load_int", dst = 0, int = 1 },
]

[[routine]]
name = "waiter"
registers = 1
code = [
  { op = "call", dst = 0, native = "test_block" },
  { op = "load_int", dst = 0, int = 2 },
]
`

// startSpinner runs a process that never finishes on a single worker and
// returns once it has been preempted at least once.
func startSpinner(t *testing.T) (*VM, *Program) {
	t.Helper()
	vm := newTestVM(t, func(o *Options) {
		o.Workers = 1
		o.Reductions = 10
	})
	vm.Natives.Register("test_block", PayloadNone, func(c *Call) Result {
		return c.Blocking(func() Result { return None() })
	})
	img, err := Assemble([]byte(spinnerSource))
	if err != nil {
		t.Fatal(err)
	}
	prog, err := vm.Link(img)
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Spawn(prog, "spin"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return vm.Stats().Preempted > 0 })
	return vm, prog
}

func TestSpinnerDoesNotStarveSpawned(t *testing.T) {
	vm, prog := startSpinner(t)

	quick, err := vm.Spawn(prog, "quick")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-quick.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("spawned process never scheduled: %+v", vm.Stats())
	}
}

func TestSpinnerDoesNotStarveResumed(t *testing.T) {
	vm, prog := startSpinner(t)

	waiter, err := vm.Spawn(prog, "waiter")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-waiter.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked process never resumed: %+v", vm.Stats())
	}
	if vm.Bridge().Completed() != 1 || vm.Scheduler().Blocked() != 0 {
		t.Errorf("bridge completed %d, blocked %d", vm.Bridge().Completed(), vm.Scheduler().Blocked())
	}
}

func TestSpawnAfterShutdown(t *testing.T) {
	vm := newTestVM(t)
	prog, err := vm.LinkRoutine(&Routine{Name: "main", Registers: 0})
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Spawn(prog, "main"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Spawn after shutdown = %v, want ErrShutdown", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	vm := newTestVM(t)
	release := make(chan struct{})
	defer close(release)
	vm.Natives.Register("test_block", PayloadNone, func(c *Call) Result {
		return c.Blocking(func() Result {
			<-release
			return None()
		})
	})
	prog, err := vm.LinkRoutine(&Routine{
		Name:      "main",
		Registers: 1,
		Code:      []Instruction{{Op: OpCall, Native: "test_block"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Spawn(prog, "main"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := vm.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}
