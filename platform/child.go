package platform

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Stdio selects how a child's standard stream is wired. The values are part
// of the native ABI.
type Stdio int64

const (
	StdioNull Stdio = iota
	StdioInherit
	StdioPiped
)

// StdioFor maps an ABI integer to a Stdio, treating unknown values as null.
func StdioFor(v int64) Stdio {
	switch Stdio(v) {
	case StdioInherit, StdioPiped:
		return Stdio(v)
	}
	return StdioNull
}

// EnvPair is one extra environment variable for a child.
type EnvPair struct {
	Key   string
	Value string
}

// SpawnOptions describes a child process.
type SpawnOptions struct {
	Program string
	Args    []string
	// Env is added on top of the parent's environment.
	Env    []EnvPair
	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio
	// Dir is the working directory; empty keeps the parent's.
	Dir string
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(opts SpawnOptions) (Child, error)
}

// Child is a running or exited child process. A Child is owned by exactly one
// lightweight process; concurrent use from two owners is not supported.
type Child interface {
	Pid() int
	// Wait blocks until the child exits and returns its exit code. A child
	// terminated by a signal reports 0.
	Wait() (int, error)
	// TryWait polls without blocking. exited is false while the child runs.
	TryWait() (code int, exited bool, err error)
	// Stdin, Stdout and Stderr return nil when the stream is not piped or
	// has been closed.
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// CloseStdin, CloseStdout and CloseStderr drop one stream. Closing an
	// absent stream does nothing.
	CloseStdin()
	CloseStdout()
	CloseStderr()
	// Release frees the OS resources held by the handle. It neither kills
	// nor waits for the child.
	Release()
}

// ReadInto appends up to size bytes from r to buf, or everything until EOF
// when size <= 0. It returns the number of bytes appended.
func ReadInto(r io.Reader, buf *[]byte, size int64) (int64, error) {
	if size > 0 {
		r = io.LimitReader(r, size)
	}
	data, err := io.ReadAll(r)
	*buf = append(*buf, data...)
	return int64(len(data)), err
}

// Flush flushes w if it buffers writes.
func Flush(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Exec: os/exec backed children
// ---------------------------------------------------------------------------

// Exec spawns real OS processes.
type Exec struct{}

type execChild struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done chan struct{}
	code int
	err  error
}

// Spawn starts the child. Piped streams use plain OS pipes rather than
// exec's pipe helpers so that output stays readable after Wait returns.
func (Exec) Spawn(opts SpawnOptions) (Child, error) {
	cmd := exec.Command(opts.Program, opts.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for _, kv := range opts.Env {
			cmd.Env = append(cmd.Env, kv.Key+"="+kv.Value)
		}
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	c := &execChild{cmd: cmd, done: make(chan struct{})}
	var childEnds []*os.File
	cleanup := func() {
		for _, f := range childEnds {
			f.Close()
		}
	}

	switch opts.Stdin {
	case StdioInherit:
		cmd.Stdin = os.Stdin
	case StdioPiped:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdin = r
		c.stdin = w
		childEnds = append(childEnds, r)
	}

	for _, s := range []struct {
		mode   Stdio
		target *io.Writer
		parent **os.File
		std    *os.File
	}{
		{opts.Stdout, &cmd.Stdout, &c.stdout, os.Stdout},
		{opts.Stderr, &cmd.Stderr, &c.stderr, os.Stderr},
	} {
		switch s.mode {
		case StdioInherit:
			*s.target = s.std
		case StdioPiped:
			r, w, err := os.Pipe()
			if err != nil {
				cleanup()
				c.Release()
				return nil, err
			}
			*s.target = w
			*s.parent = r
			childEnds = append(childEnds, w)
		}
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		c.Release()
		return nil, err
	}
	cleanup()

	log.Debugf("spawned %s (pid %d)", opts.Program, cmd.Process.Pid)
	go c.reap()
	return c, nil
}

func (c *execChild) reap() {
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		c.err = err
	}
	if st := c.cmd.ProcessState; st != nil {
		c.code = st.ExitCode()
		if c.code < 0 {
			c.code = 0
		}
	}
	close(c.done)
}

func (c *execChild) Pid() int {
	return c.cmd.Process.Pid
}

func (c *execChild) Wait() (int, error) {
	<-c.done
	return c.code, c.err
}

func (c *execChild) TryWait() (int, bool, error) {
	select {
	case <-c.done:
		return c.code, true, c.err
	default:
		return 0, false, nil
	}
}

func (c *execChild) Stdin() io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return nil
	}
	return c.stdin
}

func (c *execChild) Stdout() io.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdout == nil {
		return nil
	}
	return c.stdout
}

func (c *execChild) Stderr() io.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr == nil {
		return nil
	}
	return c.stderr
}

func (c *execChild) CloseStdin()  { c.closeStream(&c.stdin) }
func (c *execChild) CloseStdout() { c.closeStream(&c.stdout) }
func (c *execChild) CloseStderr() { c.closeStream(&c.stderr) }

func (c *execChild) closeStream(f **os.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *f != nil {
		(*f).Close()
		*f = nil
	}
}

func (c *execChild) Release() {
	c.CloseStdin()
	c.CloseStdout()
	c.CloseStderr()
}
