package runner

import (
	"context"
	"io"
	"time"
)

// StdinMode selects where the first stage's stdin comes from.
type StdinMode int

const (
	StdinNone    StdinMode = iota // closed immediately
	StdinInherit                  // the parent terminal
	StdinData                     // the bytes in Options.StdinData
	StdinReader                   // the stream in Options.StdinReader
	StdinIgnore                   // /dev/null semantics
)

// IOMode selects what happens to a pipeline's outer stdout/stderr.
type IOMode int

const (
	IOPipe    IOMode = iota // flows through the engine (capture/mirror/events)
	IOInherit               // bound directly to the parent's stream
	IOIgnore                // discarded
)

// Options configure one command execution. The zero value is not useful;
// DefaultOptions supplies the documented defaults (capture and mirror on,
// ANSI preserved).
type Options struct {
	// Capture retains stdout/stderr bytes in memory for the Result and
	// the buffer accessors.
	Capture bool

	// Mirror forwards output to the parent's stdout/stderr as it
	// arrives.
	Mirror bool

	Stdin       StdinMode
	StdinData   []byte
	StdinReader io.Reader

	Stdout IOMode
	Stderr IOMode

	// Cwd overrides the session working directory for this run only.
	Cwd string

	// Env replaces the inherited environment when non-nil.
	Env map[string]string

	// Timeout starts graceful termination (SIGTERM, then SIGKILL after
	// the grace window) once elapsed.
	Timeout time.Duration

	// Context cancels the run externally. Nil means Background.
	Context context.Context

	// PreserveANSI keeps escape sequences in mirrored output and the
	// string accessors. When false they are stripped; captured buffers
	// always keep the raw bytes.
	PreserveANSI bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Capture:      true,
		Mirror:       true,
		Stdin:        StdinNone,
		Stdout:       IOPipe,
		Stderr:       IOPipe,
		PreserveANSI: true,
	}
}
