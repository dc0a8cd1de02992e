package vcmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/opal-lang/cmdstream/core/invariant"
	"github.com/opal-lang/cmdstream/core/session"
)

// Exit code conventions shared with the runner.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2 // unknown flag or bad operand
)

// Invocation is everything one command execution sees. Stdin is the byte
// stream wired from the previous stage (never nil), Stdout/Stderr are the
// stage's outgoing streams.
type Invocation struct {
	Args    []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Session *session.Session

	// ExitRequested is set by the exit command; the runner stops the
	// surrounding sequence when it sees it.
	ExitRequested bool
}

// Result is the terminal outcome of a buffered handler.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// BufferedFunc consumes all of stdin up front and returns a terminal
// result. Suits commands whose output is a function of complete input
// (sort, uniq, wc).
type BufferedFunc func(inv *Invocation, stdin string) Result

// StreamFunc produces output incrementally, writing chunks to
// inv.Stdout and observing ctx for cancellation. Suits unbounded
// generators (yes, sleep) and commands that relay as they read (cat,
// tee, grep).
type StreamFunc func(ctx context.Context, inv *Invocation) int

// Command is a registered virtual command: exactly one of Buffered or
// Stream is set.
type Command struct {
	Name     string
	Buffered BufferedFunc
	Stream   StreamFunc
}

// Execute runs the command against an invocation and returns its exit
// code. Buffered handlers get stdin drained for them; their stdout and
// stderr strings are flushed to the invocation streams.
func (c *Command) Execute(ctx context.Context, inv *Invocation) int {
	invariant.NotNil(inv, "invocation")
	invariant.NotNil(inv.Stdout, "invocation stdout")
	invariant.NotNil(inv.Stderr, "invocation stderr")

	if c.Stream != nil {
		return c.Stream(ctx, inv)
	}

	var stdin string
	if inv.Stdin != nil {
		data, err := io.ReadAll(inv.Stdin)
		if err != nil {
			fmt.Fprintf(inv.Stderr, "%s: read stdin: %v\n", c.Name, err)
			return ExitFailure
		}
		stdin = string(data)
	}

	if ctx.Err() != nil {
		return ExitFailure
	}

	res := c.Buffered(inv, stdin)
	if res.Stdout != "" {
		if _, err := io.WriteString(inv.Stdout, res.Stdout); err != nil {
			return ExitFailure
		}
	}
	if res.Stderr != "" {
		_, _ = io.WriteString(inv.Stderr, res.Stderr)
	}
	return res.Code
}

// usageError writes a code-2 diagnostic in the POSIX style.
func usageError(inv *Invocation, name, format string, args ...interface{}) int {
	fmt.Fprintf(inv.Stderr, "%s: %s\n", name, fmt.Sprintf(format, args...))
	return ExitUsage
}

// splitFlags separates leading -x flag clusters from operands. Every flag
// letter must appear in allowed or the command reports a usage error via
// the returned unknown rune. A literal "--" ends flag parsing.
func splitFlags(args []string, allowed string) (flags map[byte]bool, operands []string, unknown byte) {
	flags = make(map[byte]bool)

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			i++
			break
		}
		if len(arg) < 2 || arg[0] != '-' {
			break
		}
		// A lone "-" is an operand (conventionally stdin).
		for j := 1; j < len(arg); j++ {
			ch := arg[j]
			if strings.IndexByte(allowed, ch) < 0 {
				return flags, nil, ch
			}
			flags[ch] = true
		}
	}

	return flags, args[i:], 0
}
