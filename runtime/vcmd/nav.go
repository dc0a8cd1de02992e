package vcmd

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// registerBuiltins installs the full built-in repertoire into r. which
// closes over r so virtual commands are findable before PATH.
func registerBuiltins(r *Registry) {
	r.Register(&Command{Name: "cd", Buffered: cdCmd})
	r.Register(&Command{Name: "pwd", Buffered: pwdCmd})
	r.Register(&Command{Name: "which", Buffered: whichCmd(r)})
	r.Register(&Command{Name: "env", Buffered: envCmd})
	r.Register(&Command{Name: "exit", Buffered: exitCmd})

	r.Register(&Command{Name: "cat", Stream: catCmd})
	r.Register(&Command{Name: "echo", Stream: echoCmd})
	r.Register(&Command{Name: "ls", Buffered: lsCmd})
	r.Register(&Command{Name: "mkdir", Buffered: mkdirCmd})
	r.Register(&Command{Name: "cp", Buffered: cpCmd})
	r.Register(&Command{Name: "mv", Buffered: mvCmd})
	r.Register(&Command{Name: "rm", Buffered: rmCmd})
	r.Register(&Command{Name: "touch", Buffered: touchCmd})
	r.Register(&Command{Name: "head", Stream: headCmd})
	r.Register(&Command{Name: "tail", Buffered: tailCmd})
	r.Register(&Command{Name: "seq", Stream: seqCmd})
	r.Register(&Command{Name: "sort", Buffered: sortCmd})
	r.Register(&Command{Name: "uniq", Buffered: uniqCmd})
	r.Register(&Command{Name: "wc", Buffered: wcCmd})
	r.Register(&Command{Name: "grep", Stream: grepCmd})
	r.Register(&Command{Name: "tee", Stream: teeCmd})

	r.Register(&Command{Name: "sleep", Stream: sleepCmd})
	r.Register(&Command{Name: "yes", Stream: yesCmd})

	r.Register(&Command{Name: "_write_multiline_content", Buffered: writeMultilineContentCmd})
}

// cd changes the session working directory. Subsequent stages, native
// or virtual, inherit the new directory; on the process-wide session the
// real process directory moves too.
func cdCmd(inv *Invocation, _ string) Result {
	var target string
	switch len(inv.Args) {
	case 0:
		home, ok := inv.Session.Lookup("HOME")
		if !ok || home == "" {
			return Result{Code: ExitFailure, Stderr: "cd: HOME not set\n"}
		}
		target = home
	case 1:
		target = inv.Args[0]
	default:
		return Result{Code: ExitUsage, Stderr: "cd: too many arguments\n"}
	}

	if err := inv.Session.Chdir(target); err != nil {
		return Result{Code: ExitFailure, Stderr: fmt.Sprintf("cd: %s: %v\n", target, err)}
	}
	return Result{}
}

func pwdCmd(inv *Invocation, _ string) Result {
	return Result{Stdout: inv.Session.Cwd() + "\n"}
}

// which resolves names against the virtual registry first, matching the
// engine's own command resolution order, then PATH.
func whichCmd(r *Registry) BufferedFunc {
	return func(inv *Invocation, _ string) Result {
		if len(inv.Args) == 0 {
			return Result{Code: ExitUsage, Stderr: "which: missing operand\n"}
		}

		var out string
		code := ExitSuccess
		for _, name := range inv.Args {
			if _, ok := r.Lookup(name); ok {
				out += name + ": virtual command\n"
				continue
			}
			path, err := exec.LookPath(name)
			if err != nil {
				code = ExitFailure
				continue
			}
			out += path + "\n"
		}
		return Result{Code: code, Stdout: out}
	}
}

func envCmd(inv *Invocation, _ string) Result {
	if len(inv.Args) > 0 {
		return Result{Code: ExitUsage, Stderr: "env: arguments are not supported\n"}
	}

	var out string
	for _, kv := range inv.Session.Environ() {
		out += kv + "\n"
	}
	return Result{Stdout: out}
}

// exit terminates the command chain with the given code. The runner
// observes ExitRequested and stops the surrounding sequence.
func exitCmd(inv *Invocation, _ string) Result {
	code := 0
	if len(inv.Args) > 1 {
		return Result{Code: ExitUsage, Stderr: "exit: too many arguments\n"}
	}
	if len(inv.Args) == 1 {
		n, err := strconv.Atoi(inv.Args[0])
		if err != nil {
			return Result{Code: ExitUsage, Stderr: fmt.Sprintf("exit: %s: numeric argument required\n", inv.Args[0])}
		}
		code = n & 0xff
	}

	inv.ExitRequested = true
	return Result{Code: code}
}

// ctxDone is a cheap cooperative cancellation probe for streaming loops.
func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
