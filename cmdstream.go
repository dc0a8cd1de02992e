// Package cmdstream is a shell-command execution engine. A command
// string is parsed and run as a composition of native subprocesses and
// in-process virtual commands, and the result is consumable four ways at
// once: await the final result, attach event listeners, iterate output
// chunks, or read the buffer/string accessors.
//
// The entry point mirrors a tagged template: Exec quotes every
// interpolated value before it touches the command string, so arbitrary
// bytes cannot inject shell constructs.
//
//	r := cmdstream.Exec("grep %s %s", pattern, file)
//	result, err := r.Run(ctx)
//
// New returns a configured Shell for repeated runs with the same
// options:
//
//	sh := cmdstream.New(cmdstream.Quiet(), cmdstream.Dir(tmp))
//	sh.Exec("make test").Run(ctx)
package cmdstream

import (
	"context"
	"io"
	"time"

	"github.com/opal-lang/cmdstream/core/quote"
	"github.com/opal-lang/cmdstream/runtime/runner"
	"github.com/opal-lang/cmdstream/runtime/trace"
	"github.com/opal-lang/cmdstream/runtime/vcmd"
)

// Raw marks an interpolated value that bypasses quoting. The caller owns
// its safety.
type Raw = quote.Raw

// Re-exported execution types; the runner package holds the machinery.
type (
	Runner    = runner.Runner
	Result    = runner.Result
	ExitError = runner.ExitError
	Chunk     = runner.Chunk
	Options   = runner.Options
)

// Exec builds a runner from a printf-style template, quoting every
// argument. The runner is inert until a consumer starts it.
func Exec(format string, args ...interface{}) *Runner {
	return defaultShell.Exec(format, args...)
}

// Command builds a runner from a pre-split argv; no quoting or shell
// parsing is involved.
func Command(argv ...string) *Runner {
	return defaultShell.Command(argv...)
}

// Settings exposes the process-wide shell flags: errexit, pipefail,
// verbose, and the trace filter.
func Settings() *trace.Settings {
	return trace.Default()
}

// Commands exposes the process-wide virtual command registry.
func Commands() *vcmd.Registry {
	return vcmd.Default()
}

// Register installs a virtual command process-wide.
func Register(cmd *vcmd.Command) {
	vcmd.Default().Register(cmd)
}

// Unregister removes a virtual command by name.
func Unregister(name string) {
	vcmd.Default().Unregister(name)
}

// Shell is a configured command builder, the equivalent of calling the
// engine with a fixed option set.
type Shell struct {
	opts runner.Options
}

var defaultShell = &Shell{opts: runner.DefaultOptions()}

// Option configures a Shell.
type Option func(*runner.Options)

// New returns a Shell with the defaults (capture and mirror on) plus the
// given options applied.
func New(opts ...Option) *Shell {
	options := runner.DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Shell{opts: options}
}

// With returns a copy of the shell with more options applied.
func (s *Shell) With(opts ...Option) *Shell {
	options := s.opts
	for _, opt := range opts {
		opt(&options)
	}
	return &Shell{opts: options}
}

// Exec builds a runner from a quoted template using this shell's
// options.
func (s *Shell) Exec(format string, args ...interface{}) *Runner {
	return runner.New(quote.Interpolate(format, args...), s.opts)
}

// Command builds a runner from a pre-split argv using this shell's
// options.
func (s *Shell) Command(argv ...string) *Runner {
	return runner.NewArgv(argv, s.opts)
}

// Run is shorthand for Exec followed by Run.
func (s *Shell) Run(ctx context.Context, format string, args ...interface{}) (Result, error) {
	return s.Exec(format, args...).Run(ctx)
}

// Quiet disables mirroring to the parent streams.
func Quiet() Option {
	return func(o *runner.Options) { o.Mirror = false }
}

// NoCapture stops retaining output bytes in memory.
func NoCapture() Option {
	return func(o *runner.Options) { o.Capture = false }
}

// Dir sets the working directory for the run. A virtual cd inside the
// run stays scoped to it instead of moving the process-wide directory.
func Dir(dir string) Option {
	return func(o *runner.Options) { o.Cwd = dir }
}

// Env replaces the inherited environment.
func Env(env map[string]string) Option {
	return func(o *runner.Options) { o.Env = env }
}

// Timeout starts graceful termination once elapsed.
func Timeout(d time.Duration) Option {
	return func(o *runner.Options) { o.Timeout = d }
}

// WithContext binds an external cancellation context.
func WithContext(ctx context.Context) Option {
	return func(o *runner.Options) { o.Context = ctx }
}

// StdinString feeds the first stage a fixed string.
func StdinString(s string) Option {
	return func(o *runner.Options) {
		o.Stdin = runner.StdinData
		o.StdinData = []byte(s)
	}
}

// StdinBytes feeds the first stage fixed bytes.
func StdinBytes(b []byte) Option {
	return func(o *runner.Options) {
		o.Stdin = runner.StdinData
		o.StdinData = b
	}
}

// StdinReader streams the first stage's stdin from r.
func StdinReader(r io.Reader) Option {
	return func(o *runner.Options) {
		o.Stdin = runner.StdinReader
		o.StdinReader = r
	}
}

// StdinInherit binds the first stage's stdin to the parent terminal.
func StdinInherit() Option {
	return func(o *runner.Options) { o.Stdin = runner.StdinInherit }
}

// StripANSI removes escape sequences from mirrored output and the
// string accessors. Captured buffers keep the raw bytes.
func StripANSI() Option {
	return func(o *runner.Options) { o.PreserveANSI = false }
}

// StdoutInherit binds pipeline stdout directly to the parent's stdout,
// bypassing capture and events.
func StdoutInherit() Option {
	return func(o *runner.Options) { o.Stdout = runner.IOInherit }
}

// StderrInherit binds pipeline stderr directly to the parent's stderr.
func StderrInherit() Option {
	return func(o *runner.Options) { o.Stderr = runner.IOInherit }
}

// StdoutIgnore discards pipeline stdout entirely.
func StdoutIgnore() Option {
	return func(o *runner.Options) { o.Stdout = runner.IOIgnore }
}

// StderrIgnore discards pipeline stderr entirely.
func StderrIgnore() Option {
	return func(o *runner.Options) { o.Stderr = runner.IOIgnore }
}
