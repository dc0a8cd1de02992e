// Package trace carries the process-wide shell settings and the
// category-tagged diagnostic logger.
//
// Categories (ProcessRunner, VirtualCommand, ShellParser, Signals) map to
// named zap loggers writing to stderr. Whether a category is enabled is
// decided by, in precedence order: the CMDSTREAM_TRACE environment
// variable, the CI environment variable, then the verbose flag.
package trace

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables recognized by the engine.
const (
	EnvTrace   = "CMDSTREAM_TRACE"
	EnvVerbose = "CMDSTREAM_VERBOSE"
	EnvCI      = "CI"
)

// Settings are the process-wide execution flags, the engine's rendition
// of POSIX set -e / set -o pipefail plus diagnostics.
type Settings struct {
	mu       sync.RWMutex
	errexit  bool
	pipefail bool
	verbose  bool

	traceAll   bool
	traceSet   map[string]bool
	traceEnv   bool // CMDSTREAM_TRACE was set explicitly
	ci         bool
	verboseEnv bool
}

var (
	defaultOnce     sync.Once
	defaultSettings *Settings
)

// Default returns the process-wide settings, initialized from the
// environment on first use.
func Default() *Settings {
	defaultOnce.Do(func() {
		defaultSettings = FromEnv()
	})
	return defaultSettings
}

// FromEnv builds a Settings from the current environment.
func FromEnv() *Settings {
	s := &Settings{traceSet: make(map[string]bool)}

	if v, ok := os.LookupEnv(EnvTrace); ok && v != "" {
		s.traceEnv = true
		s.SetTraceFilter(v)
	}
	if v, ok := os.LookupEnv(EnvVerbose); ok {
		s.verboseEnv = true
		s.verbose = isTruthy(v)
	}
	if v, ok := os.LookupEnv(EnvCI); ok {
		s.ci = isTruthy(v) || v == ""
	}

	return s
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// SetErrexit controls whether a non-zero awaited result is returned as an
// error instead of a plain Result.
func (s *Settings) SetErrexit(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errexit = on
}

// Errexit reports the errexit flag.
func (s *Settings) Errexit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errexit
}

// SetPipefail controls pipeline exit consolidation: when on, the pipeline
// code is the left-most non-zero stage's code.
func (s *Settings) SetPipefail(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipefail = on
}

// Pipefail reports the pipefail flag.
func (s *Settings) Pipefail() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipefail
}

// SetVerbose controls echoing of the final command string before
// execution.
func (s *Settings) SetVerbose(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verbose = on
}

// Verbose reports the verbose flag.
func (s *Settings) Verbose() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verbose
}

// SetTraceFilter installs a comma-separated category filter. "all", "*"
// and "1" enable every category.
func (s *Settings) SetTraceFilter(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.traceAll = false
	s.traceSet = make(map[string]bool)
	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "all" || part == "*" || part == "1" || part == "true" {
			s.traceAll = true
			continue
		}
		s.traceSet[part] = true
	}
}

// TraceEnabled reports whether diagnostics for category should be
// emitted. Precedence: explicit trace filter > CI > verbose.
func (s *Settings) TraceEnabled(category string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.traceEnv || s.traceAll || len(s.traceSet) > 0 {
		return s.traceAll || s.traceSet[category]
	}
	if s.ci {
		// Non-interactive context: no implicit trace noise in CI logs.
		return false
	}
	return s.verbose
}

// CI reports whether the process runs in a non-interactive CI context.
func (s *Settings) CI() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ci
}

var (
	loggerOnce sync.Once
	baseLogger *zap.Logger
)

func stderrLogger() *zap.Logger {
	loggerOnce.Do(func() {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.TimeKey = "" // trace lines are diagnostics, not logs
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			zapcore.DebugLevel,
		)
		baseLogger = zap.New(core)
	})
	return baseLogger
}

// Logger returns the named diagnostic logger for a category, or a no-op
// logger when the category is disabled.
func (s *Settings) Logger(category string) *zap.Logger {
	if !s.TraceEnabled(category) {
		return zap.NewNop()
	}
	return stderrLogger().Named(category)
}
