package vm

import (
	"runtime"

	"github.com/google/uuid"

	"github.com/chazu/ember/platform"
)

// State is the runtime state shared by every worker and native call. It is
// fully built before any worker starts and is not mutated afterwards.
type State struct {
	ID    uuid.UUID
	Space *PermanentSpace

	Env     platform.Environment
	Spawner platform.Spawner
	GOOS    string

	// environment is the variable snapshot taken at startup, interned as
	// permanent Strings.
	environment map[string]Pointer
	envNames    []string
	arguments   []Pointer
}

// NewState bootstraps the Permanent Space, interns the environment snapshot
// and the program arguments, then freezes the space.
func NewState(env platform.Environment, spawner platform.Spawner, args []string) *State {
	if env == nil {
		env = platform.OS{}
	}
	if spawner == nil {
		spawner = platform.Exec{}
	}

	st := &State{
		ID:          uuid.New(),
		Space:       NewPermanentSpace(),
		Env:         env,
		Spawner:     spawner,
		GOOS:        runtime.GOOS,
		environment: make(map[string]Pointer),
	}
	if snap, ok := env.(*platform.Snapshot); ok && snap.GOOS != "" {
		st.GOOS = snap.GOOS
	}

	for _, name := range env.All() {
		val, ok := env.Get(name)
		if !ok {
			continue
		}
		st.environment[name] = st.Space.Intern(val)
		st.envNames = append(st.envNames, name)
	}
	for _, a := range args {
		st.arguments = append(st.arguments, st.Space.Intern(a))
	}

	st.Space.Freeze()
	return st
}

// Getenv returns the permanent String for a variable in the startup
// snapshot.
func (st *State) Getenv(name string) (Pointer, bool) {
	p, ok := st.environment[name]
	return p, ok
}

// EnvNames returns the snapshot's variable names in sorted order.
func (st *State) EnvNames() []string {
	return st.envNames
}

// Arguments returns the program arguments as permanent Strings.
func (st *State) Arguments() []Pointer {
	return st.arguments
}
