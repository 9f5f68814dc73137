// Package platform holds the thin OS collaborators the runtime consumes:
// environment access and child-process control.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ember.platform")

// Environment is the runtime's view of the process environment.
type Environment interface {
	// Get returns the value of an environment variable.
	Get(name string) (string, bool)
	// All returns every variable name in sorted order.
	All() []string
	// WorkingDirectory returns the canonicalized working directory.
	WorkingDirectory() (string, error)
	SetWorkingDirectory(path string) error
	ExecutablePath() (string, error)
	// TempDirectory returns the canonicalized temporary directory.
	TempDirectory() string
	// HomeDirectory returns HOME (USERPROFILE on Windows). An empty value
	// counts as unset.
	HomeDirectory() (string, bool)
	CPUCores() int
}

// HomeVariable names the variable holding the home directory on goos.
func HomeVariable(goos string) string {
	if goos == "windows" {
		return "USERPROFILE"
	}
	return "HOME"
}

// Canonicalize resolves symlinks and makes path absolute. On failure the
// input is returned unchanged.
func Canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return path
	}
	return resolved
}

// ---------------------------------------------------------------------------
// OS: the live process environment
// ---------------------------------------------------------------------------

// OS reads the real environment of the current OS process.
type OS struct{}

func (OS) Get(name string) (string, bool) {
	return os.LookupEnv(name)
}

func (OS) All() []string {
	return namesOf(os.Environ())
}

func (OS) WorkingDirectory() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return Canonicalize(dir), nil
}

func (OS) SetWorkingDirectory(path string) error {
	log.Debugf("chdir %s", path)
	return os.Chdir(path)
}

func (OS) ExecutablePath() (string, error) {
	return os.Executable()
}

func (OS) TempDirectory() string {
	return Canonicalize(os.TempDir())
}

func (OS) HomeDirectory() (string, bool) {
	home, ok := os.LookupEnv(HomeVariable(runtime.GOOS))
	if !ok || home == "" {
		return "", false
	}
	return home, true
}

func (OS) CPUCores() int {
	return runtime.NumCPU()
}

func namesOf(environ []string) []string {
	names := make([]string, 0, len(environ))
	seen := make(map[string]struct{}, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Snapshot: a fixed environment
// ---------------------------------------------------------------------------

// Snapshot is a map-backed Environment. Tests use it to pin variables and
// directories; the working directory is tracked in memory only.
type Snapshot struct {
	Vars       map[string]string
	Dir        string
	Executable string
	Temp       string
	Cores      int
	// GOOS selects the platform family for the home directory lookup. Empty
	// means the host's.
	GOOS string
}

func (s *Snapshot) Get(name string) (string, bool) {
	v, ok := s.Vars[name]
	return v, ok
}

func (s *Snapshot) All() []string {
	names := make([]string, 0, len(s.Vars))
	for name := range s.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Snapshot) WorkingDirectory() (string, error) {
	if s.Dir == "" {
		return "", os.ErrNotExist
	}
	return s.Dir, nil
}

func (s *Snapshot) SetWorkingDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "chdir", Path: path, Err: errNotDir}
	}
	s.Dir = Canonicalize(path)
	return nil
}

func (s *Snapshot) ExecutablePath() (string, error) {
	if s.Executable == "" {
		return "", os.ErrNotExist
	}
	return s.Executable, nil
}

func (s *Snapshot) TempDirectory() string {
	if s.Temp == "" {
		return Canonicalize(os.TempDir())
	}
	return s.Temp
}

func (s *Snapshot) HomeDirectory() (string, bool) {
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	home, ok := s.Vars[HomeVariable(goos)]
	if !ok || home == "" {
		return "", false
	}
	return home, true
}

func (s *Snapshot) CPUCores() int {
	if s.Cores <= 0 {
		return 1
	}
	return s.Cores
}
