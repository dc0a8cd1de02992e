package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceFilterSelectsCategories(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool)}
	s.SetTraceFilter("ProcessRunner,Signals")

	assert.True(t, s.TraceEnabled("ProcessRunner"))
	assert.True(t, s.TraceEnabled("Signals"))
	assert.False(t, s.TraceEnabled("VirtualCommand"))
}

func TestTraceFilterAll(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool)}
	s.SetTraceFilter("all")

	assert.True(t, s.TraceEnabled("ProcessRunner"))
	assert.True(t, s.TraceEnabled("anything"))
}

func TestVerboseEnablesTraceWithoutFilter(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool)}
	assert.False(t, s.TraceEnabled("ProcessRunner"))

	s.SetVerbose(true)
	assert.True(t, s.TraceEnabled("ProcessRunner"))
}

func TestExplicitFilterBeatsVerbose(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool)}
	s.SetVerbose(true)
	s.SetTraceFilter("Signals")

	assert.True(t, s.TraceEnabled("Signals"))
	assert.False(t, s.TraceEnabled("ProcessRunner"))
}

func TestCISuppressesVerboseTrace(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool), ci: true}
	s.SetVerbose(true)

	assert.False(t, s.TraceEnabled("ProcessRunner"))
}

func TestFlagsRoundTrip(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool)}

	s.SetErrexit(true)
	s.SetPipefail(true)
	assert.True(t, s.Errexit())
	assert.True(t, s.Pipefail())

	s.SetErrexit(false)
	assert.False(t, s.Errexit())
}

func TestDisabledLoggerIsNop(t *testing.T) {
	s := &Settings{traceSet: make(map[string]bool)}
	logger := s.Logger("ProcessRunner")
	assert.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(0))
}
