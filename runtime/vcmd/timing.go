package vcmd

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"
)

// sleep waits for the given number of seconds (fractions allowed) without
// busy-looping. Cancellation interrupts the wait immediately.
func sleepCmd(ctx context.Context, inv *Invocation) int {
	if len(inv.Args) != 1 {
		return usageError(inv, "sleep", "expected one duration operand")
	}

	seconds, err := strconv.ParseFloat(inv.Args[0], 64)
	if err != nil || seconds < 0 {
		return usageError(inv, "sleep", "invalid duration %q", inv.Args[0])
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return ExitSuccess
	case <-ctx.Done():
		return ExitFailure
	}
}

// yes repeats its word forever. The write into the stage pipe is the
// cooperative yield: a slow or closed consumer blocks or ends the loop,
// and the cancellation probe runs once per emitted batch.
func yesCmd(ctx context.Context, inv *Invocation) int {
	word := "y"
	if len(inv.Args) > 0 {
		word = strings.Join(inv.Args, " ")
	}
	line := word + "\n"

	// Emit in batches the way coreutils does, so the pipe is not hit once
	// per line.
	batch := strings.Repeat(line, 512)

	for {
		if ctxDone(ctx) {
			return ExitFailure
		}
		if _, err := io.WriteString(inv.Stdout, batch); err != nil {
			return ExitSuccess // downstream closed
		}
	}
}
