package vm

import (
	"io"

	"github.com/chazu/ember/platform"
)

// ---------------------------------------------------------------------------
// Child process natives
// ---------------------------------------------------------------------------

// Every argument is read on the worker before an operation is handed to the
// blocking bridge. The operations capture plain Go values plus, for reads,
// the destination buffer.
func registerChildNatives(n *Natives) {
	// child_process_spawn(program, args, env, stdin, stdout, stderr, dir)
	//
	// args is an Array of Strings, env an Array of alternating keys and
	// values. An empty dir keeps the working directory of the runtime.
	n.Register("child_process_spawn", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		opts := platform.SpawnOptions{
			Program: h.String(c.Args[0]),
			Args:    stringsOf(h, c.Args[1]),
			Env:     envPairsOf(h, c.Args[2]),
			Stdin:   platform.StdioFor(h.Integer(c.Args[3])),
			Stdout:  platform.StdioFor(h.Integer(c.Args[4])),
			Stderr:  platform.StdioFor(h.Integer(c.Args[5])),
			Dir:     h.String(c.Args[6]),
		}
		spawner := c.State.Spawner

		var child platform.Child
		c.Resume(func(res Result) Result {
			if !res.IsOk() {
				return res
			}
			return Ok(h.NewHandle(child))
		})
		return c.Blocking(func() Result {
			ch, err := spawner.Spawn(opts)
			if err != nil {
				log.Debugf("spawn %s: %v", opts.Program, err)
				return IOError(err)
			}
			child = ch
			return OkInt(int64(ch.Pid()))
		})
	})

	n.Register("child_process_wait", PayloadInt, func(c *Call) Result {
		child := childOf(c)
		return c.Blocking(func() Result {
			code, err := child.Wait()
			if err != nil {
				return IOError(err)
			}
			return OkInt(int64(code))
		})
	})

	// child_process_try_wait polls without the bridge and reports -1 while
	// the child is still running.
	n.Register("child_process_try_wait", PayloadInt, func(c *Call) Result {
		code, exited, err := childOf(c).TryWait()
		if err != nil {
			return IOError(err)
		}
		if !exited {
			return OkInt(-1)
		}
		return OkInt(int64(code))
	})

	n.Register("child_process_stdout_read", PayloadInt, func(c *Call) Result {
		return readStream(c, childOf(c).Stdout())
	})

	n.Register("child_process_stderr_read", PayloadInt, func(c *Call) Result {
		return readStream(c, childOf(c).Stderr())
	})

	n.Register("child_process_stdin_write_bytes", PayloadInt, func(c *Call) Result {
		data := append([]byte(nil), c.Heap().ByteArray(c.Args[1]).Bytes...)
		return writeStream(c, data)
	})

	n.Register("child_process_stdin_write_string", PayloadInt, func(c *Call) Result {
		return writeStream(c, []byte(c.Heap().String(c.Args[1])))
	})

	n.Register("child_process_stdin_flush", PayloadNone, func(c *Call) Result {
		w := childOf(c).Stdin()
		if w == nil {
			return None()
		}
		return c.Blocking(func() Result {
			if err := platform.Flush(w); err != nil {
				return IOError(err)
			}
			return None()
		})
	})

	n.Register("child_process_stdout_close", PayloadNone, func(c *Call) Result {
		childOf(c).CloseStdout()
		return None()
	})

	n.Register("child_process_stderr_close", PayloadNone, func(c *Call) Result {
		childOf(c).CloseStderr()
		return None()
	})

	n.Register("child_process_stdin_close", PayloadNone, func(c *Call) Result {
		childOf(c).CloseStdin()
		return None()
	})

	// child_process_drop releases the handle. The child keeps running.
	n.Register("child_process_drop", PayloadNone, func(c *Call) Result {
		childOf(c).Release()
		c.Heap().Drop(c.Args[0])
		return None()
	})
}

func childOf(c *Call) platform.Child {
	return c.Heap().Read(c.Args[0]).(platform.Child)
}

// readStream appends from r into the buffer in Args[1], reading Args[2]
// bytes or to EOF. An absent stream reads nothing.
func readStream(c *Call, r io.Reader) Result {
	if r == nil {
		return OkInt(0)
	}
	h := c.Heap()
	buf := h.ByteArray(c.Args[1])
	size := h.Integer(c.Args[2])
	return c.Blocking(func() Result {
		n, err := platform.ReadInto(r, &buf.Bytes, size)
		if err != nil {
			return IOError(err)
		}
		return OkInt(n)
	})
}

func writeStream(c *Call, data []byte) Result {
	w := childOf(c).Stdin()
	if w == nil {
		return OkInt(0)
	}
	return c.Blocking(func() Result {
		n, err := w.Write(data)
		if err != nil {
			return IOError(err)
		}
		return OkInt(int64(n))
	})
}

func stringsOf(h *Heap, array Pointer) []string {
	values := h.Array(array)
	out := make([]string, len(values))
	for i, p := range values {
		out[i] = h.String(p)
	}
	return out
}

func envPairsOf(h *Heap, array Pointer) []platform.EnvPair {
	values := h.Array(array)
	pairs := make([]platform.EnvPair, 0, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		pairs = append(pairs, platform.EnvPair{
			Key:   h.String(values[i]),
			Value: h.String(values[i+1]),
		})
	}
	return pairs
}
