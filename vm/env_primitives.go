package vm

import (
	"github.com/chazu/ember/platform"
)

// ---------------------------------------------------------------------------
// Environment natives
// ---------------------------------------------------------------------------

// Variables and arguments come from the snapshot taken when the State was
// built. Directories and the executable path are asked of the Environment
// on every call.
func registerEnvNatives(n *Natives) {
	n.Register("env_get", PayloadPointer, func(c *Call) Result {
		name := c.Heap().String(c.Args[0])
		if p, ok := c.State.Getenv(name); ok {
			return Ok(p)
		}
		return None()
	})

	n.Register("env_variables", PayloadPointer, func(c *Call) Result {
		h := c.Heap()
		names := c.State.EnvNames()
		values := make([]Pointer, len(names))
		for i, name := range names {
			values[i] = h.NewString(name)
		}
		return Ok(h.NewArray(values))
	})

	n.Register("env_home_directory", PayloadPointer, func(c *Call) Result {
		home, ok := c.State.Getenv(platform.HomeVariable(c.State.GOOS))
		if !ok || c.Heap().String(home) == "" {
			return None()
		}
		return Ok(home)
	})

	n.Register("env_temp_directory", PayloadPointer, func(c *Call) Result {
		return Ok(c.Heap().NewString(c.State.Env.TempDirectory()))
	})

	n.Register("env_get_working_directory", PayloadPointer, func(c *Call) Result {
		dir, err := c.State.Env.WorkingDirectory()
		if err != nil {
			return IOError(err)
		}
		return Ok(c.Heap().NewString(dir))
	})

	n.Register("env_set_working_directory", PayloadPointer, func(c *Call) Result {
		if err := c.State.Env.SetWorkingDirectory(c.Heap().String(c.Args[0])); err != nil {
			return IOError(err)
		}
		return Ok(Nil)
	})

	// env_arguments returns a fresh Array each call; its elements are the
	// permanent argument Strings.
	n.Register("env_arguments", PayloadPointer, func(c *Call) Result {
		args := c.State.Arguments()
		values := make([]Pointer, len(args))
		copy(values, args)
		return Ok(c.Heap().NewArray(values))
	})

	n.Register("env_platform", PayloadInt, func(c *Call) Result {
		return OkInt(platform.OperatingSystem(c.State.GOOS))
	})

	n.Register("env_executable", PayloadPointer, func(c *Call) Result {
		path, err := c.State.Env.ExecutablePath()
		if err != nil {
			return IOError(err)
		}
		return Ok(c.Heap().NewString(path))
	})

	n.Register("cpu_cores", PayloadInt, func(c *Call) Result {
		return OkInt(int64(c.State.Env.CPUCores()))
	})
}
