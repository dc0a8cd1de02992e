package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opal-lang/cmdstream/core/invariant"
	"github.com/opal-lang/cmdstream/core/shellparse"
	"github.com/opal-lang/cmdstream/runtime/vcmd"
)

// runNode walks the parsed tree. stdin may be nil (no input); stdout and
// stderr are the destinations for this subtree, either the runner's
// fan-out writers or an inter-stage pipe.
func (r *Runner) runNode(node shellparse.Node, stdin io.Reader, stdout, stderr io.Writer) int {
	if r.canceled() {
		return r.cancelCode()
	}

	switch n := node.(type) {
	case *shellparse.Simple:
		return r.runStage(n, stdin, stdout, stderr)

	case *shellparse.Subshell:
		return r.runNode(n.Body, stdin, stdout, stderr)

	case *shellparse.Pipeline:
		return r.runPipeline(n, stdin, stdout, stderr)

	case *shellparse.AndOr:
		code := r.runNode(n.First, stdin, stdout, stderr)
		for _, link := range n.Rest {
			if r.canceled() {
				return r.cancelCode()
			}
			if r.exitWasRequested() {
				return code
			}
			if link.Op == shellparse.OpAnd && code != 0 {
				continue
			}
			if link.Op == shellparse.OpOr && code == 0 {
				continue
			}
			code = r.runNode(link.Node, stdin, stdout, stderr)
		}
		return code

	case *shellparse.Seq:
		var code int
		for _, group := range n.Groups {
			if r.canceled() {
				return r.cancelCode()
			}
			code = r.runNode(group, stdin, stdout, stderr)
			if r.exitWasRequested() {
				return code
			}
		}
		return code

	default:
		invariant.Invariant(false, "unknown shellparse node type: %T", node)
		return ExitFailure
	}
}

// runPipeline allocates a byte channel between each adjacent pair of
// stages and runs every stage concurrently, the left writing into the
// right's stdin. Exit consolidation follows pipefail.
func (r *Runner) runPipeline(pipeline *shellparse.Pipeline, stdin io.Reader, stdout, stderr io.Writer) int {
	numStages := len(pipeline.Cmds)
	invariant.Precondition(numStages > 0, "pipeline must have at least one stage")

	if numStages == 1 {
		return r.runNode(pipeline.Cmds[0], stdin, stdout, stderr)
	}

	pipeReaders := make([]*os.File, numStages-1)
	pipeWriters := make([]*os.File, numStages-1)
	for i := 0; i < numStages-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			for j := 0; j < i; j++ {
				_ = pipeReaders[j].Close()
				_ = pipeWriters[j].Close()
			}
			r.reportError(fmt.Errorf("pipeline pipe: %w", err))
			return ExitFailure
		}
		pipeReaders[i] = pr
		pipeWriters[i] = pw
	}

	exitCodes := make([]int, numStages)
	var group errgroup.Group

	for i := 0; i < numStages; i++ {
		stageIdx := i
		node := pipeline.Cmds[i]

		group.Go(func() error {
			var stageIn io.Reader
			if stageIdx == 0 {
				stageIn = stdin
			} else {
				stageIn = pipeReaders[stageIdx-1]
				defer pipeReaders[stageIdx-1].Close()
			}

			var stageOut io.Writer
			if stageIdx < numStages-1 {
				stageOut = pipeWriters[stageIdx]
				defer pipeWriters[stageIdx].Close()
			} else {
				stageOut = stdout
			}

			exitCodes[stageIdx] = r.runNode(node, stageIn, stageOut, stderr)
			return nil
		})
	}

	_ = group.Wait()

	// An exit inside a pipeline ends only its own stage; the surrounding
	// sequence keeps going.
	r.mu.Lock()
	r.exitFlag = false
	r.mu.Unlock()

	if r.settings.Pipefail() {
		for _, code := range exitCodes {
			if code != 0 {
				return code
			}
		}
		return 0
	}
	return exitCodes[numStages-1]
}

// runStage executes one simple command: redirections are applied left to
// right, then the name resolves against the virtual registry with native
// spawn as the fallback.
func (r *Runner) runStage(simple *shellparse.Simple, stdin io.Reader, stdout, stderr io.Writer) int {
	argv := simple.Argv()

	// Apply redirections.
	var openFiles []*os.File
	defer func() {
		for _, f := range openFiles {
			_ = f.Close()
		}
	}()

	for _, redir := range simple.Redirs {
		switch redir.Kind {
		case shellparse.RedirIn:
			f, err := os.Open(r.resolvePath(redir.Target.Text))
			if err != nil {
				fmt.Fprintf(stderr, "cmdstream: %s: %v\n", redir.Target.Text, err)
				return ExitFailure
			}
			openFiles = append(openFiles, f)
			stdin = f

		case shellparse.RedirOut, shellparse.RedirAppend, shellparse.RedirErr, shellparse.RedirBoth:
			mode := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if redir.Kind == shellparse.RedirAppend {
				mode = os.O_WRONLY | os.O_CREATE | os.O_APPEND
			}
			f, err := os.OpenFile(r.resolvePath(redir.Target.Text), mode, 0o644)
			if err != nil {
				fmt.Fprintf(stderr, "cmdstream: %s: %v\n", redir.Target.Text, err)
				return ExitFailure
			}
			openFiles = append(openFiles, f)
			switch redir.Kind {
			case shellparse.RedirErr:
				stderr = f
			case shellparse.RedirBoth:
				stdout = f
				stderr = f
			default:
				stdout = f
			}

		case shellparse.RedirErrToOut:
			stderr = stdout

		case shellparse.RedirOutToErr:
			stdout = stderr
		}
	}

	if len(argv) == 0 {
		return ExitSuccess // redirections only, e.g. "> file"
	}

	if cmd, ok := r.registry.Lookup(argv[0]); ok {
		return r.runVirtual(cmd, argv[1:], stdin, stdout, stderr)
	}

	// Unknown virtual name is not an error; fall through to native spawn.
	return r.runNative(argv, stdin, stdout, stderr)
}

func (r *Runner) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.sess.Cwd(), path)
}

// runVirtual executes an in-process handler. A panicking handler yields
// code 1 with the message on stderr, matching a crashing native tool.
func (r *Runner) runVirtual(cmd *vcmd.Command, args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	r.log.Debug("virtual stage", zap.String("command", cmd.Name), zap.Strings("args", args))

	defer func() {
		if rec := recover(); rec != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmd.Name, rec)
			code = ExitFailure
		}
	}()

	if stdin == nil {
		stdin = strings.NewReader("")
	}

	inv := &vcmd.Invocation{
		Args:    args,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Session: r.sess,
	}
	code = cmd.Execute(r.execCtx, inv)
	if inv.ExitRequested {
		r.requestExit()
	}
	return code
}

// runNative spawns a subprocess in its own process group so interrupts
// and kills reach the whole subtree.
func (r *Runner) runNative(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	invariant.Precondition(len(argv) > 0, "native stage needs argv")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.sess.Cwd()
	cmd.Env = r.sess.Environ()
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	r.log.Debug("native stage", zap.Strings("argv", argv))

	if err := cmd.Start(); err != nil {
		spawnErr := fmt.Errorf("spawn %s: %w", argv[0], err)
		fmt.Fprintf(stderr, "cmdstream: %v\n", spawnErr)
		r.reportError(spawnErr)
		return ExitSpawnFailure
	}

	r.addChild(cmd)
	defer r.removeChild(cmd)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-r.execCtx.Done():
		// Interrupt/Kill already signaled live children; this path also
		// covers plain context cancellation, where nobody has yet.
		if r.recordedKill() == 0 {
			killProcessGroup(cmd, syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(graceWindow()):
			killProcessGroup(cmd, syscall.SIGKILL)
			<-done
		}
		return r.cancelCode()

	case err := <-done:
		if err == nil {
			return ExitSuccess
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				r.noteChildSignal(status.Signal())
				return InterruptCode(status.Signal())
			}
			return exitErr.ExitCode()
		}
		fmt.Fprintf(stderr, "cmdstream: %s: %v\n", argv[0], err)
		return ExitFailure
	}
}

// killProcessGroup signals the child's whole process group; the child
// itself is the fallback when groups are unavailable.
func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS != "windows" {
		if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
			return
		}
	}
	_ = cmd.Process.Signal(sig)
}
