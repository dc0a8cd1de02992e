package runner

import (
	"io"
	"os"
	"sync"

	ansiparser "github.com/leaanthony/go-ansi-parser"
)

// streamWriter fans one output stream out to every consumer shape: the
// capture buffer, the parent stream (mirroring), event listeners, the
// iteration mailbox, and any live pipe handles. Writes are serialized
// per stream so every consumer observes the same byte order.
type streamWriter struct {
	r      *Runner
	stream StreamID

	mu     sync.Mutex
	closed bool
	pipes  []*io.PipeWriter
}

func newStreamWriter(r *Runner, stream StreamID) *streamWriter {
	return &streamWriter{r: r, stream: stream}
}

// mirrorTarget is resolved per write, so Quiet() before start takes
// effect.
func (w *streamWriter) mirrorTarget() io.Writer {
	if !w.r.opts.Mirror {
		return nil
	}
	if w.stream == StreamStdout {
		return os.Stdout
	}
	return os.Stderr
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Consumers get their own copy; stages reuse their buffers.
	chunk := make([]byte, len(p))
	copy(chunk, p)

	if w.r.opts.Capture {
		w.r.appendCapture(w.stream, chunk)
	}

	if mirror := w.mirrorTarget(); mirror != nil {
		_, _ = mirror.Write(w.mirrorBytes(chunk))
	}

	kind := EventStdout
	if w.stream == StreamStderr {
		kind = EventStderr
	}
	w.r.listeners.emit(Event{Kind: EventData, Stream: w.stream, Bytes: chunk})
	w.r.listeners.emit(Event{Kind: kind, Stream: w.stream, Bytes: chunk})

	w.r.mailbox.deliver(Chunk{Stream: w.stream, Bytes: chunk}, w.r.abortCh)

	for _, pw := range w.pipes {
		_, _ = pw.Write(chunk)
	}

	return len(p), nil
}

func (w *streamWriter) mirrorBytes(chunk []byte) []byte {
	if w.r.opts.PreserveANSI {
		return chunk
	}
	return []byte(stripANSI(string(chunk)))
}

// attachPipe adds a live reader handle fed by this stream. Attaching
// after finalization yields an immediately-closed reader.
func (w *streamWriter) attachPipe() io.ReadCloser {
	pr, pw := io.Pipe()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = pw.Close()
		return pr
	}
	w.pipes = append(w.pipes, pw)
	w.mu.Unlock()
	return pr
}

// closePipes ends every live reader handle at finalization.
func (w *streamWriter) closePipes() {
	w.mu.Lock()
	pipes := w.pipes
	w.pipes = nil
	w.closed = true
	w.mu.Unlock()

	for _, pw := range pipes {
		_ = pw.Close()
	}
}

// stripANSI removes escape sequences from decoded output. Malformed
// sequences pass through untouched.
func stripANSI(s string) string {
	cleansed, err := ansiparser.Cleanse(s)
	if err != nil {
		return s
	}
	return cleansed
}
