package runner

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opal-lang/cmdstream/runtime/trace"
)

// interruptGrace is when the coordinator re-checks the runners it
// interrupted and force-kills any still live. Runner.Interrupt already
// escalates on its own after graceWindow, so this is a second pass.
const interruptGrace = 500 * time.Millisecond

// coordinator owns the single process-wide interrupt handler. The first
// active runner installs it, the last removes it, so a process with no
// live runners has no handler installed and user interrupt handling is
// untouched.
type coordinator struct {
	mu      sync.Mutex
	active  map[*Runner]struct{}
	sigCh   chan os.Signal
	doneCh  chan struct{}
	handler bool
}

var signals = &coordinator{active: make(map[*Runner]struct{})}

// Coordinator exposes the process-wide signal coordinator.
func Coordinator() *coordinator { //nolint:revive // deliberate unexported type
	return signals
}

// InstalledHandlers reports how many interrupt handlers the coordinator
// currently has installed: 1 while any runner is live, else 0. Exposed
// for handler-accounting tests.
func (c *coordinator) InstalledHandlers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler {
		return 1
	}
	return 0
}

// ActiveRunners reports the size of the live set.
func (c *coordinator) ActiveRunners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *coordinator) add(r *Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active[r] = struct{}{}
	if c.handler {
		return
	}

	c.sigCh = make(chan os.Signal, 1)
	c.doneCh = make(chan struct{})
	signal.Notify(c.sigCh, os.Interrupt)
	c.handler = true

	go c.watch(c.sigCh, c.doneCh)

	trace.Default().Logger("Signals").Debug("interrupt handler installed")
}

func (c *coordinator) remove(r *Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.active, r)
	if len(c.active) > 0 || !c.handler {
		return
	}

	signal.Stop(c.sigCh)
	close(c.doneCh)
	c.handler = false

	trace.Default().Logger("Signals").Debug("interrupt handler removed")
}

// watch forwards each interrupt to every active runner and escalates to
// SIGKILL for runners that have not finished within the grace window.
// The coordinator is not a sink: it acts only while runners are live and
// never swallows the signal for the rest of the process.
func (c *coordinator) watch(sigCh chan os.Signal, doneCh chan struct{}) {
	for {
		select {
		case <-doneCh:
			return
		case <-sigCh:
			c.mu.Lock()
			targets := make([]*Runner, 0, len(c.active))
			for r := range c.active {
				targets = append(targets, r)
			}
			c.mu.Unlock()

			trace.Default().Logger("Signals").Debug("forwarding interrupt",
				zap.Int("runners", len(targets)))

			for _, r := range targets {
				r.Interrupt(syscall.SIGINT)
			}

			time.AfterFunc(interruptGrace, func() {
				for _, r := range targets {
					if !r.Finished() {
						r.forceKill()
					}
				}
			})
		}
	}
}
