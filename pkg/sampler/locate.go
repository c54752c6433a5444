package sampler

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// HomeEnv names the environment variable pointing at an async-profiler install.
const HomeEnv = "ASYNC_PROFILER_HOME"

// Locator finds sampler binaries.
type Locator struct {
	// LookPath resolves a name or path to an executable.
	LookPath func(string) (string, error)
	// UserHome is searched for ~/async-profiler and ~/tools/async-profiler.
	UserHome string
	// ProfilerHome is the value of ASYNC_PROFILER_HOME.
	ProfilerHome string
}

// DefaultLocator uses exec.LookPath and the current environment.
func DefaultLocator() Locator {
	home, _ := os.UserHomeDir()
	return Locator{
		LookPath:     exec.LookPath,
		UserHome:     home,
		ProfilerHome: os.Getenv(HomeEnv),
	}
}

// AsyncProfilerCandidates lists the locations tried before ProfilerHome.
func (l Locator) AsyncProfilerCandidates() []string {
	candidates := []string{
		"asprof",
		"/usr/local/bin/asprof",
		"/opt/homebrew/bin/asprof",
	}
	if l.UserHome != "" {
		candidates = append(candidates,
			filepath.Join(l.UserHome, "async-profiler", "bin", "asprof"),
			filepath.Join(l.UserHome, "tools", "async-profiler", "bin", "asprof"),
		)
	}
	return candidates
}

// AsyncProfiler returns the path of asprof or an error wrapping ErrToolNotFound.
func (l Locator) AsyncProfiler() (string, error) {
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	for _, candidate := range l.AsyncProfilerCandidates() {
		if path, err := lookPath(candidate); err == nil {
			return path, nil
		}
	}

	if l.ProfilerHome != "" {
		asprof := filepath.Join(l.ProfilerHome, "bin", "asprof")
		if info, err := os.Stat(asprof); err == nil && info.Mode().IsRegular() {
			return asprof, nil
		}
	}

	return "", fmt.Errorf("%w: async-profiler. Install via:\n"+
		"  macOS: brew install async-profiler\n"+
		"  Linux: https://github.com/async-profiler/async-profiler/releases\n"+
		"  Or set %s", ErrToolNotFound, HomeEnv)
}

// Perf returns the path of perf or an error wrapping ErrToolNotFound.
func (l Locator) Perf() (string, error) {
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath("perf")
	if err != nil {
		return "", fmt.Errorf("%w: perf (install linux-tools-common or equivalent)", ErrToolNotFound)
	}
	return path, nil
}
