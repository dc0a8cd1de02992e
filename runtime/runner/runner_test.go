package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/cmdstream/core/quote"
	"github.com/opal-lang/cmdstream/core/session"
	"github.com/opal-lang/cmdstream/runtime/trace"
	"github.com/opal-lang/cmdstream/runtime/vcmd"
)

// testOpts are the documented defaults minus mirroring, so test output
// stays clean.
func testOpts() Options {
	opts := DefaultOptions()
	opts.Mirror = false
	return opts
}

func runCommand(t *testing.T, command string) Result {
	t.Helper()
	result, err := New(command, testOpts()).Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestEchoHello(t *testing.T) {
	result := runCommand(t, "echo hello")
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "hello\n", string(result.Stdout))
	assert.Empty(t, result.Stderr)
}

func TestInterpolatedValueStaysLiteral(t *testing.T) {
	v := "$(whoami)"
	result := runCommand(t, quote.Interpolate("echo %s", v))
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "$(whoami)\n", string(result.Stdout))
}

func TestPipelineMixesNativeAndVirtual(t *testing.T) {
	// printf spawns natively, sort runs in-process.
	result := runCommand(t, `printf 'a\nb\nc\n' | sort -r`)
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "c\nb\na\n", string(result.Stdout))
}

func TestAndOrShortCircuit(t *testing.T) {
	result := runCommand(t, "echo a && echo b")
	assert.Equal(t, "a\nb\n", string(result.Stdout))

	result = runCommand(t, "false && echo skipped; echo after")
	assert.Equal(t, "after\n", string(result.Stdout))

	result = runCommand(t, "false || echo rescued")
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "rescued\n", string(result.Stdout))
}

func TestSequencePropagatesLastCode(t *testing.T) {
	result := runCommand(t, "true; false")
	assert.Equal(t, 1, result.Code)
}

func TestCdMutatesProcessWideCwd(t *testing.T) {
	prev := session.Global().Cwd()
	t.Cleanup(func() { require.NoError(t, session.Global().Chdir(prev)) })

	tempDir := t.TempDir()
	result := runCommand(t, quote.Interpolate("cd %s && pwd", tempDir))
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, tempDir+"\n", string(result.Stdout))
	assert.Equal(t, tempDir, session.Global().Cwd())
}

func TestExitCode(t *testing.T) {
	result := runCommand(t, "exit 42")
	assert.Equal(t, 42, result.Code)
}

func TestExitStopsSequence(t *testing.T) {
	result := runCommand(t, "echo before; exit 3; echo after")
	assert.Equal(t, 3, result.Code)
	assert.Equal(t, "before\n", string(result.Stdout))
}

func TestErrexitRejectsNonZero(t *testing.T) {
	settings := trace.Default()
	settings.SetErrexit(true)
	t.Cleanup(func() { settings.SetErrexit(false) })

	_, err := New("exit 42", testOpts()).Run(context.Background())
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 42, exitErr.Code)
	assert.Equal(t, 42, exitErr.ExitCode())
	assert.Equal(t, 42, exitErr.Result.Code)
}

func TestEventDelivery(t *testing.T) {
	var stdout bytes.Buffer
	var exitCode atomic.Int32
	var endCount atomic.Int32

	r := New("echo one && echo two", testOpts())
	r.OnStdout(func(b []byte) { stdout.Write(b) })
	r.OnExit(func(code int) { exitCode.Store(int32(code)) })
	r.OnEnd(func(Result) { endCount.Add(1) })

	result, err := r.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "one\ntwo\n", stdout.String())
	assert.Equal(t, int32(0), exitCode.Load())
	assert.Equal(t, int32(1), endCount.Load())
	assert.Equal(t, string(result.Stdout), stdout.String())
}

func TestFinalizationIsIdempotent(t *testing.T) {
	var endCount atomic.Int32

	r := New("echo once", testOpts())
	r.OnEnd(func(Result) { endCount.Add(1) })

	first, err := r.Wait(context.Background())
	require.NoError(t, err)

	// Driving the finish path again must not re-emit or change the result.
	r.finish(99)
	r.finish(100)

	again, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Code, again.Code)
	assert.Equal(t, int32(1), endCount.Load())
}

func TestChunkIterationMatchesCapture(t *testing.T) {
	r := New("seq 1 100", testOpts())
	ch := r.Chunks()

	var iterated bytes.Buffer
	for chunk := range ch {
		if chunk.Stream == StreamStdout {
			iterated.Write(chunk.Bytes)
		}
	}

	result, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(result.Stdout), iterated.String())
}

func TestUnboundedProducerWithEarlyConsumer(t *testing.T) {
	result := runCommand(t, "yes | head -n 5")
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, strings.Repeat("y\n", 5), string(result.Stdout))
}

func TestKillSleepYieldsSigintCode(t *testing.T) {
	r := New("sleep 30", testOpts()).Start()

	time.Sleep(200 * time.Millisecond)
	r.Kill("SIGINT")

	start := time.Now()
	result, err := r.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 130, result.Code)
	assert.Equal(t, "SIGINT", result.Signal)
	assert.Empty(t, result.Stdout)
	assert.Less(t, time.Since(start), 5*time.Second, "kill must not hang")
}

func TestTimeoutEscalation(t *testing.T) {
	opts := testOpts()
	opts.Timeout = 100 * time.Millisecond

	result, err := New("sleep 30", opts).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.Equal(t, 143, result.Code)
	assert.Equal(t, "SIGTERM", result.Signal)
}

func TestExternalContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := testOpts()
	opts.Context = ctx

	r := New("sleep 30", opts).Start()
	time.Sleep(100 * time.Millisecond)
	cancel()

	result, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, 0, result.Code)
}

func TestSignalHandlerAccounting(t *testing.T) {
	require.Equal(t, 0, Coordinator().InstalledHandlers())

	r := New("sleep 0.2", testOpts()).Start()
	assert.Equal(t, 1, Coordinator().InstalledHandlers())

	_, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, Coordinator().InstalledHandlers())
}

func TestVirtualNativeParity(t *testing.T) {
	virtual := runCommand(t, "echo X | cat")

	vcmd.Default().Disable()
	native := runCommand(t, "echo X | cat")
	vcmd.Default().Enable()

	assert.Equal(t, virtual.Code, native.Code)
	assert.Equal(t, string(virtual.Stdout), string(native.Stdout))
	assert.Equal(t, "X\n", string(virtual.Stdout))
}

func TestFileRedirections(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts()
	opts.Cwd = dir

	result, err := New("echo payload > out.txt", opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Code)
	assert.Empty(t, result.Stdout, "redirected output must not reach capture")

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(data))

	result, err = New("sort < out.txt", opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(result.Stdout))

	result, err = New("cat missing.txt 2> err.txt", opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Code)
	data, err = os.ReadFile(filepath.Join(dir, "err.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "missing.txt")

	result, err = New("echo visible 2>&1", opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "visible\n", string(result.Stdout))

	result, err = New("echo diverted >&2", opts).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Stdout)
	assert.Equal(t, "diverted\n", string(result.Stderr))
}

func TestUserRegisteredVirtualCommand(t *testing.T) {
	vcmd.Default().Register(&vcmd.Command{Name: "multiply", Buffered: func(inv *vcmd.Invocation, stdin string) vcmd.Result {
		if len(inv.Args) != 1 {
			return vcmd.Result{Code: vcmd.ExitUsage, Stderr: "multiply: expected one factor\n"}
		}
		factor, err := strconv.Atoi(inv.Args[0])
		if err != nil {
			return vcmd.Result{Code: vcmd.ExitUsage, Stderr: "multiply: invalid factor\n"}
		}

		var out strings.Builder
		for _, line := range strings.Split(strings.TrimSuffix(stdin, "\n"), "\n") {
			n, err := strconv.Atoi(line)
			if err != nil {
				return vcmd.Result{Code: vcmd.ExitFailure, Stderr: "multiply: non-numeric line\n"}
			}
			out.WriteString(strconv.Itoa(n*factor) + "\n")
		}
		return vcmd.Result{Stdout: out.String()}
	}})
	t.Cleanup(func() { vcmd.Default().Unregister("multiply") })

	result := runCommand(t, "seq 1 3 | multiply 3")
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "3\n6\n9\n", string(result.Stdout))
}

func TestStdinData(t *testing.T) {
	opts := testOpts()
	opts.Stdin = StdinData
	opts.StdinData = []byte("b\na\n")

	result, err := New("sort", opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(result.Stdout))
}

func TestStdinPipeAutoStarts(t *testing.T) {
	r := New("cat", testOpts())
	w := r.StdinPipe()

	_, err := w.Write([]byte("live input\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	result, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live input\n", string(result.Stdout))
	assert.NotEqual(t, StateCreated, r.State())
}

func TestRealShellFallback(t *testing.T) {
	home := os.Getenv("HOME")
	if home == "" {
		t.Skip("HOME not set")
	}

	result := runCommand(t, "echo $HOME")
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, home+"\n", string(result.Stdout))
}

func TestSpawnFailure(t *testing.T) {
	var gotErr atomic.Bool

	r := New("definitely-no-such-command-xyz", testOpts())
	r.OnError(func(error) { gotErr.Store(true) })

	result, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSpawnFailure, result.Code)
	assert.True(t, gotErr.Load())
	assert.Contains(t, string(result.Stderr), "definitely-no-such-command-xyz")
}

func TestPipeComposition(t *testing.T) {
	upstream := New("echo hello", testOpts())
	composed := upstream.Pipe(New("cat", testOpts()))

	result, err := composed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "hello\n", string(result.Stdout))
	assert.True(t, upstream.Finished())
}

func TestQuietDisablesMirror(t *testing.T) {
	opts := DefaultOptions()
	r := New("echo quiet", opts).Quiet()
	assert.False(t, r.opts.Mirror)
}

func TestStateAdvancesMonotonically(t *testing.T) {
	r := New("echo state", testOpts())
	assert.Equal(t, StateCreated, r.State())

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinished, r.State())
}

func TestStringsAccessorStripsANSIWhenAsked(t *testing.T) {
	opts := testOpts()
	opts.PreserveANSI = false

	r := New(`echo -e '\e[31mred\e[0m'`, opts)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "red\n", r.StdoutString())
	// Raw capture keeps the escape bytes.
	assert.NotEqual(t, r.StdoutString(), string(r.Stdout()))
}

func TestSubshellGrouping(t *testing.T) {
	result := runCommand(t, "(echo a; echo b) | wc -l")
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "2\n", string(result.Stdout))
}

func TestPipefailConsolidation(t *testing.T) {
	settings := trace.Default()
	settings.SetPipefail(true)
	t.Cleanup(func() { settings.SetPipefail(false) })

	result := runCommand(t, "false | cat")
	assert.Equal(t, 1, result.Code)
}
