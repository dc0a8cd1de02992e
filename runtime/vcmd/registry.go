// Package vcmd implements the virtual command subsystem: an in-process
// registry of commands that participate in pipelines as if they were
// native executables, reading stdin and writing stdout/stderr through the
// same byte streams.
package vcmd

import (
	"sort"
	"sync"

	"github.com/opal-lang/cmdstream/core/invariant"
)

// Registry maps command names to handlers. It is safe for concurrent use;
// the engine shares one process-wide instance.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	disabled bool
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry with the built-in command set
// installed.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		registerBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register installs or replaces a command by name.
func (r *Registry) Register(cmd *Command) {
	invariant.NotNil(cmd, "command")
	invariant.Precondition(cmd.Name != "", "command name cannot be empty")
	invariant.Precondition((cmd.Buffered == nil) != (cmd.Stream == nil),
		"command %s must set exactly one of Buffered or Stream", cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Unregister removes a command by name. Removing an unknown name is a
// no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, name)
}

// Lookup returns the handler for name. It misses when the registry is
// disabled, so callers fall through to native spawn.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.disabled {
		return nil, false
	}
	cmd, ok := r.commands[name]
	return cmd, ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enable turns the registry back on after Disable.
func (r *Registry) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = false
}

// Disable makes every Lookup miss, forcing native execution for all
// commands until Enable.
func (r *Registry) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = true
}
