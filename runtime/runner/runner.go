// Package runner drives a parsed command through the state machine
// Created -> Starting -> Running -> Finishing -> Finished, multiplexing
// output to four consumer shapes at once: the awaited result, event
// listeners, bounded chunk iteration, and the buffer/string accessors.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opal-lang/cmdstream/core/invariant"
	"github.com/opal-lang/cmdstream/core/quote"
	"github.com/opal-lang/cmdstream/core/session"
	"github.com/opal-lang/cmdstream/core/shellparse"
	"github.com/opal-lang/cmdstream/runtime/trace"
	"github.com/opal-lang/cmdstream/runtime/vcmd"
)

// State is the runner lifecycle position. It only ever advances.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateFinishing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// finalizeTick is the runner's internal scheduling quantum; the kill
// grace window is twice this, floored at 100ms.
const finalizeTick = 50 * time.Millisecond

func graceWindow() time.Duration {
	grace := 2 * finalizeTick
	if grace < 100*time.Millisecond {
		grace = 100 * time.Millisecond
	}
	return grace
}

// Runner owns one command execution.
type Runner struct {
	id       string
	command  string
	argv     []string // pre-split form; bypasses the parser when set
	opts     Options
	sess     *session.Session
	registry *vcmd.Registry
	settings *trace.Settings
	log      *zap.Logger

	state     atomic.Int32
	startOnce sync.Once
	armOnce   sync.Once
	done      chan struct{}

	execCtx    context.Context
	cancelExec context.CancelFunc
	abortCh    <-chan struct{}

	listeners *listenerSet
	mailbox   *mailbox
	stdoutW   *streamWriter
	stderrW   *streamWriter

	mu          sync.Mutex
	outBuf      bytes.Buffer
	errBuf      bytes.Buffer
	children    []*exec.Cmd
	killSig     syscall.Signal
	childSig    syscall.Signal
	timedOut    bool
	exitFlag    bool
	result      *Result
	startTime   time.Time
	timeoutStop *time.Timer

	upstream *Runner // non-nil for the right side of a Pipe composition
}

// New builds a runner for a shell command string. The runner is inert
// until a consumer starts it.
func New(command string, opts Options) *Runner {
	invariant.Precondition(command != "", "command cannot be empty")
	return newRunner(command, nil, opts)
}

// NewArgv builds a runner from a pre-split argv; no quoting or parsing
// is applied.
func NewArgv(argv []string, opts Options) *Runner {
	invariant.Precondition(len(argv) > 0, "argv cannot be empty")
	return newRunner("", argv, opts)
}

func newRunner(command string, argv []string, opts Options) *Runner {
	settings := trace.Default()

	r := &Runner{
		id:        uuid.NewString(),
		command:   command,
		argv:      argv,
		opts:      opts,
		registry:  vcmd.Default(),
		settings:  settings,
		done:      make(chan struct{}),
		listeners: newListenerSet(),
		mailbox:   newMailbox(),
	}
	r.log = settings.Logger("ProcessRunner").With(zap.String("runner", r.id[:8]))
	r.sess = r.buildSession()

	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	r.execCtx, r.cancelExec = context.WithCancel(parent)
	r.abortCh = r.execCtx.Done()

	r.stdoutW = newStreamWriter(r, StreamStdout)
	r.stderrW = newStreamWriter(r, StreamStderr)

	return r
}

// buildSession picks the session the stages observe. Runs with an
// explicit cwd or env get a detached session so their cd stays scoped;
// everything else shares the process-wide session.
func (r *Runner) buildSession() *session.Session {
	if r.opts.Cwd == "" && r.opts.Env == nil {
		return session.Global()
	}

	cwd := r.opts.Cwd
	if cwd == "" {
		cwd = session.Global().Cwd()
	}
	return session.Detached(r.opts.Env, cwd)
}

// ID returns the runner's unique identity.
func (r *Runner) ID() string { return r.id }

// CommandString returns the shell command this runner executes.
func (r *Runner) CommandString() string {
	if r.command != "" {
		return r.command
	}
	parts := make([]string, len(r.argv))
	copy(parts, r.argv)
	return joinArgv(parts)
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Finished reports whether the runner reached its terminal state.
func (r *Runner) Finished() bool {
	return r.State() == StateFinished
}

// Start launches execution. It is idempotent; every consumer shape calls
// it implicitly.
func (r *Runner) Start() *Runner {
	r.startOnce.Do(func() {
		ok := r.state.CompareAndSwap(int32(StateCreated), int32(StateStarting))
		invariant.Invariant(ok, "start from state %s", r.State())

		signals.add(r)

		r.mu.Lock()
		r.startTime = time.Now()
		r.mu.Unlock()

		if r.settings.Verbose() {
			fmt.Fprintf(os.Stderr, "+ %s\n", r.CommandString())
		}
		r.log.Debug("starting", zap.String("command", r.CommandString()))

		if r.opts.Timeout > 0 {
			r.timeoutStop = time.AfterFunc(r.opts.Timeout, r.onTimeout)
		}

		if r.upstream != nil {
			r.upstream.Start()
		}

		go r.run()
	})
	return r
}

func (r *Runner) run() {
	r.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))

	defer func() {
		if rec := recover(); rec != nil {
			r.reportError(fmt.Errorf("runner panic: %v", rec))
			r.finish(ExitFailure)
		}
	}()

	code := r.execute()
	r.finish(code)
}

func (r *Runner) execute() int {
	stdin := r.buildStdin()
	stdout := r.finalWriter(StreamStdout)
	stderr := r.finalWriter(StreamStderr)

	if r.argv != nil {
		return r.runNative(r.argv, stdin, stdout, stderr)
	}

	if shellparse.NeedsRealShell(r.command) {
		r.log.Debug("delegating to real shell")
		return r.runNative([]string{shellparse.FindShell(), "-c", r.command}, stdin, stdout, stderr)
	}

	tree, err := shellparse.Parse(r.command)
	if err != nil {
		// The pre-scan is a heuristic; anything it let through that the
		// subset parser rejects still belongs to a real shell.
		r.log.Debug("parser fallback to real shell", zap.Error(err))
		return r.runNative([]string{shellparse.FindShell(), "-c", r.command}, stdin, stdout, stderr)
	}

	return r.runNode(tree, stdin, stdout, stderr)
}

func (r *Runner) buildStdin() io.Reader {
	switch r.opts.Stdin {
	case StdinInherit:
		return os.Stdin
	case StdinData:
		return bytes.NewReader(r.opts.StdinData)
	case StdinReader:
		invariant.NotNil(r.opts.StdinReader, "stdin reader")
		return r.opts.StdinReader
	default: // StdinNone, StdinIgnore
		return nil
	}
}

func (r *Runner) finalWriter(stream StreamID) io.Writer {
	mode := r.opts.Stdout
	w := io.Writer(r.stdoutW)
	inherit := io.Writer(os.Stdout)
	if stream == StreamStderr {
		mode = r.opts.Stderr
		w = r.stderrW
		inherit = os.Stderr
	}

	switch mode {
	case IOInherit:
		return inherit
	case IOIgnore:
		return io.Discard
	default:
		return w
	}
}

// finish consolidates the terminal result and fires exit/end exactly
// once, no matter how many paths race into it.
func (r *Runner) finish(code int) {
	r.mu.Lock()
	if r.result != nil {
		r.mu.Unlock()
		return
	}

	r.state.Store(int32(StateFinishing))
	if r.timeoutStop != nil {
		r.timeoutStop.Stop()
	}

	signalNameStr := ""
	if r.killSig != 0 {
		code = InterruptCode(r.killSig)
		signalNameStr = signalName(r.killSig)
	} else if r.childSig != 0 {
		signalNameStr = signalName(r.childSig)
	}

	result := &Result{
		Code:     code,
		Signal:   signalNameStr,
		Stdout:   append([]byte(nil), r.outBuf.Bytes()...),
		Stderr:   append([]byte(nil), r.errBuf.Bytes()...),
		TimedOut: r.timedOut,
		Duration: time.Since(r.startTime),
	}
	r.result = result
	r.mu.Unlock()

	r.log.Debug("finished", zap.Int("code", result.Code), zap.Duration("duration", result.Duration))

	r.listeners.emit(Event{Kind: EventExit, Code: result.Code})
	r.listeners.emit(Event{Kind: EventEnd, Result: result})

	r.mailbox.close()
	r.stdoutW.closePipes()
	r.stderrW.closePipes()

	r.state.Store(int32(StateFinished))
	signals.remove(r)
	close(r.done)
	r.cancelExec()
}

// Wait blocks until the runner finishes and returns the result. Under
// errexit a non-zero code comes back as *ExitError. Canceling ctx
// abandons the wait without affecting the run.
func (r *Runner) Wait(ctx context.Context) (Result, error) {
	r.Start()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.done:
	}

	r.mu.Lock()
	result := *r.result
	r.mu.Unlock()

	// Pipe compositions consolidate exit codes across the upstream chain
	// when pipefail is on.
	if r.upstream != nil && r.settings.Pipefail() {
		// Walk right to left; the last non-zero seen is the left-most,
		// which wins under pipefail.
		for up := r.upstream; up != nil; up = up.upstream {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-up.done:
			}
			if res, err := up.peekResult(); err == nil && res.Code != 0 {
				result.Code = res.Code
			}
		}
	}

	if r.settings.Errexit() && result.Code != 0 {
		return result, &ExitError{Code: result.Code, Result: result}
	}
	return result, nil
}

// Run starts the command and waits for it, the one-call form.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	return r.Wait(ctx)
}

func (r *Runner) peekResult() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return Result{}, fmt.Errorf("runner not finished")
	}
	return *r.result, nil
}

// On attaches a listener. Attaching counts as a consumer, so it arms
// execution; the actual start is deferred one tick so a caller wiring
// several listeners in a row cannot miss early chunks.
func (r *Runner) On(kind EventKind, fn Listener) *Runner {
	r.listeners.add(kind, fn)
	r.armOnce.Do(func() {
		time.AfterFunc(finalizeTick, func() { r.Start() })
	})
	return r
}

// OnStdout attaches a stdout chunk listener.
func (r *Runner) OnStdout(fn func([]byte)) *Runner {
	return r.On(EventStdout, func(ev Event) { fn(ev.Bytes) })
}

// OnStderr attaches a stderr chunk listener.
func (r *Runner) OnStderr(fn func([]byte)) *Runner {
	return r.On(EventStderr, func(ev Event) { fn(ev.Bytes) })
}

// OnExit attaches an exit-code listener.
func (r *Runner) OnExit(fn func(int)) *Runner {
	return r.On(EventExit, func(ev Event) { fn(ev.Code) })
}

// OnEnd attaches a terminal-result listener.
func (r *Runner) OnEnd(fn func(Result)) *Runner {
	return r.On(EventEnd, func(ev Event) { fn(*ev.Result) })
}

// OnError attaches an engine-failure listener.
func (r *Runner) OnError(fn func(error)) *Runner {
	return r.On(EventError, func(ev Event) { fn(ev.Err) })
}

// Chunks begins chunk iteration and returns the bounded mailbox channel.
// The channel closes when the runner finishes; a consumer that stops
// draining eventually blocks the producing stage (back-pressure).
func (r *Runner) Chunks() <-chan Chunk {
	ch := r.mailbox.subscribe()
	r.Start()
	return ch
}

// StdinPipe returns a writable handle feeding the first stage's stdin
// and starts the runner. It must be the first consumer to touch stdin
// configuration.
func (r *Runner) StdinPipe() io.WriteCloser {
	invariant.Precondition(r.State() == StateCreated, "StdinPipe after start")

	pr, pw := io.Pipe()
	r.opts.Stdin = StdinReader
	r.opts.StdinReader = pr
	r.Start()
	return pw
}

// StdoutPipe returns a live reader over stdout and starts the runner.
func (r *Runner) StdoutPipe() io.ReadCloser {
	pr := r.stdoutW.attachPipe()
	r.Start()
	return pr
}

// StderrPipe returns a live reader over stderr and starts the runner.
func (r *Runner) StderrPipe() io.ReadCloser {
	pr := r.stderrW.attachPipe()
	r.Start()
	return pr
}

// Stdout returns a copy of the captured stdout bytes so far.
func (r *Runner) Stdout() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.outBuf.Bytes()...)
}

// Stderr returns a copy of the captured stderr bytes so far.
func (r *Runner) Stderr() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.errBuf.Bytes()...)
}

// StdoutString returns captured stdout decoded as a string, with ANSI
// escapes stripped when PreserveANSI is off.
func (r *Runner) StdoutString() string {
	return r.decode(r.Stdout())
}

// StderrString returns captured stderr decoded as a string.
func (r *Runner) StderrString() string {
	return r.decode(r.Stderr())
}

func (r *Runner) decode(b []byte) string {
	s := string(b)
	if !r.opts.PreserveANSI {
		return stripANSI(s)
	}
	return s
}

// Quiet disables mirroring. Only meaningful before the runner starts.
func (r *Runner) Quiet() *Runner {
	r.opts.Mirror = false
	return r
}

// Kill forwards a signal to every live stage: native children get the OS
// signal on their process group, virtual tasks observe the abort
// context. Safe to call in any state, idempotent, and a pending SIGKILL
// is never downgraded by a later softer signal.
func (r *Runner) Kill(sigName string) {
	r.Interrupt(ParseSignal(sigName))
}

// Interrupt is Kill with a concrete signal value.
func (r *Runner) Interrupt(sig syscall.Signal) {
	r.mu.Lock()
	if r.killSig != syscall.SIGKILL {
		r.killSig = sig
	}
	children := append([]*exec.Cmd(nil), r.children...)
	r.mu.Unlock()

	r.log.Debug("interrupt", zap.String("signal", signalName(sig)))

	for _, child := range children {
		killProcessGroup(child, sig)
	}
	r.cancelExec()

	if r.upstream != nil {
		r.upstream.Interrupt(sig)
	}

	if sig != syscall.SIGKILL {
		time.AfterFunc(graceWindow(), func() {
			if !r.Finished() {
				r.forceKill()
			}
		})
	}
}

func (r *Runner) forceKill() {
	r.mu.Lock()
	if r.killSig == 0 {
		r.killSig = syscall.SIGKILL
	}
	children := append([]*exec.Cmd(nil), r.children...)
	r.mu.Unlock()

	for _, child := range children {
		killProcessGroup(child, syscall.SIGKILL)
	}
	r.cancelExec()
}

// onTimeout starts graceful termination: SIGTERM now, SIGKILL after the
// grace window if stages linger.
func (r *Runner) onTimeout() {
	r.mu.Lock()
	r.timedOut = true
	r.mu.Unlock()

	r.log.Debug("timeout", zap.Duration("limit", r.opts.Timeout))
	r.Interrupt(syscall.SIGTERM)
}

// Pipe binds this runner's stdout to next's first-stage stdin and
// returns next, which is itself a runner with all four consumption
// shapes. Starting next starts this runner too.
func (r *Runner) Pipe(next *Runner) *Runner {
	invariant.NotNil(next, "next runner")
	invariant.Precondition(r.State() == StateCreated, "Pipe after start")
	invariant.Precondition(next.State() == StateCreated, "Pipe target already started")

	pr := r.stdoutW.attachPipe()
	next.opts.Stdin = StdinReader
	next.opts.StdinReader = pr
	next.upstream = r

	// When the downstream finishes first, release the upstream writer.
	next.listeners.add(EventEnd, func(Event) { _ = pr.Close() })

	return next
}

// helpers shared with stage execution

func (r *Runner) appendCapture(stream StreamID, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream == StreamStdout {
		r.outBuf.Write(chunk)
	} else {
		r.errBuf.Write(chunk)
	}
}

func (r *Runner) addChild(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = append(r.children, cmd)
}

func (r *Runner) removeChild(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.children {
		if c == cmd {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return
		}
	}
}

func (r *Runner) noteChildSignal(sig syscall.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.childSig == 0 {
		r.childSig = sig
	}
}

func (r *Runner) requestExit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitFlag = true
}

func (r *Runner) exitWasRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitFlag
}

func (r *Runner) canceled() bool {
	return r.execCtx.Err() != nil
}

// cancelCode is the exit code for a canceled run: interrupt-coded when a
// signal was recorded, generic failure otherwise.
func (r *Runner) cancelCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.killSig != 0 {
		return InterruptCode(r.killSig)
	}
	return ExitFailure
}

func (r *Runner) reportError(err error) {
	r.log.Debug("engine error", zap.Error(err))
	r.listeners.emit(Event{Kind: EventError, Err: err})
}

// ListenerCount reports attached listeners for a kind; used by tests.
func (r *Runner) ListenerCount(kind EventKind) int {
	return r.listeners.count(kind)
}

func (r *Runner) recordedKill() syscall.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killSig
}

func joinArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		parts[i] = quote.Token(arg)
	}
	return strings.Join(parts, " ")
}
