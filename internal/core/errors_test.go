package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSalineErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewSalineError("BUS_DISCONNECT", "lost event bus connection").
		WithComponent("busclient").
		WithSeverity(SeverityHigh).
		WithRetryable(true).
		WithCause(cause)

	assert.Equal(t, "[busclient] BUS_DISCONNECT: lost event bus connection: connection reset", err.Error())
	assert.True(t, errors.Is(err.Unwrap(), cause))
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.True(t, err.Retryable)
}

func TestErrorCollectorBounds(t *testing.T) {
	c := NewErrorCollector(2)
	c.Add(NewSalineError("E1", "first"))
	c.Add(NewSalineError("E2", "second"))
	c.Add(NewSalineError("E3", "third"))

	recent := c.Recent()
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, "E2", recent[0].Code)
	assert.Equal(t, "E3", recent[1].Code)
}

func TestErrorRecoverySafeExecuteCatchesPanic(t *testing.T) {
	collector := NewErrorCollector(10)
	recovery := NewErrorRecovery(nil, collector)

	assert.NotPanics(t, func() {
		recovery.SafeExecute("parser", func() {
			panic("bad tag")
		})
	})
	assert.Equal(t, 1, collector.Count())
	assert.Equal(t, SeverityCritical, collector.Recent()[0].Severity)
}

func TestClassifyError(t *testing.T) {
	retryable, sev := ClassifyError(nil)
	assert.False(t, retryable)
	assert.Equal(t, SeverityLow, sev)

	se := NewSalineError("X", "y").WithRetryable(true).WithSeverity(SeverityMedium)
	retryable, sev = ClassifyError(se)
	assert.True(t, retryable)
	assert.Equal(t, SeverityMedium, sev)
}
