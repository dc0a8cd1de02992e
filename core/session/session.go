// Package session holds the process-wide execution state shared by every
// pipeline stage: the environment map and the working directory.
//
// The working directory is intentionally process-wide. A virtual cd in one
// pipeline is observed by every later stage, native or virtual, exactly as
// it would be in an interactive shell. Callers composing parallel
// pipelines that both mutate the directory must serialize themselves.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opal-lang/cmdstream/core/invariant"
)

// Session is a mutable environment + working directory pair guarded by a
// read-write mutex.
type Session struct {
	mu  sync.RWMutex
	env map[string]string
	cwd string
}

var (
	globalOnce    sync.Once
	globalSession *Session
)

// Global returns the process-wide session, created on first use from the
// real process environment and working directory.
func Global() *Session {
	globalOnce.Do(func() {
		globalSession = New()
	})
	return globalSession
}

// New creates a session snapshot of the current process environment.
func New() *Session {
	return &Session{
		env: envToMap(os.Environ()),
		cwd: mustGetwd(),
	}
}

// Detached creates a session with exactly the given environment and
// working directory, disconnected from the real process state. A nil env
// inherits the process environment.
func Detached(env map[string]string, cwd string) *Session {
	invariant.Precondition(cwd != "", "cwd cannot be empty")

	var envMap map[string]string
	if env == nil {
		envMap = envToMap(os.Environ())
	} else {
		envMap = make(map[string]string, len(env))
		for k, v := range env {
			envMap[k] = v
		}
	}
	return &Session{env: envMap, cwd: cwd}
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// Chdir resolves dir against the current directory, verifies it exists,
// and records it. For the global session the real process directory moves
// too, so spawned children inherit it.
func (s *Session) Chdir(dir string) error {
	invariant.Precondition(dir != "", "dir cannot be empty")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.cwd, dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}

	if s == globalSession {
		if err := os.Chdir(dir); err != nil {
			return err
		}
	}

	s.cwd = dir
	return nil
}

// Env returns a copy of the environment map.
func (s *Session) Env() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	envCopy := make(map[string]string, len(s.env))
	for k, v := range s.env {
		envCopy[k] = v
	}
	return envCopy
}

// Environ returns the environment in os.Environ() form, sorted by key so
// output is deterministic.
func (s *Session) Environ() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.env[k])
	}
	return out
}

// Lookup returns the value of an environment variable.
func (s *Session) Lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.env[name]
	return v, ok
}

// Setenv sets an environment variable in the session.
func (s *Session) Setenv(name, value string) {
	invariant.Precondition(name != "", "name cannot be empty")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[name] = value
}

// WithEnv returns a detached copy of the session with delta applied.
// The copy never touches the real process state.
func (s *Session) WithEnv(delta map[string]string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	newEnv := make(map[string]string, len(s.env)+len(delta))
	for k, v := range s.env {
		newEnv[k] = v
	}
	for k, v := range delta {
		newEnv[k] = v
	}

	return &Session{env: newEnv, cwd: s.cwd}
}

func envToMap(environ []string) map[string]string {
	envMap := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}
	return envMap
}

func mustGetwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		panic("failed to get current working directory: " + err.Error())
	}
	return cwd
}
