package acquire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachineTransitions(t *testing.T) {
	var m stateMachine
	assert.Equal(t, StateIdle, m.Load())

	assert.False(t, m.transition(StateStarting, StateStreaming))
	assert.True(t, m.transition(StateIdle, StateStarting))
	assert.True(t, m.transition(StateStarting, StateStreaming))
	assert.Equal(t, StateStreaming, m.Load())
}

func TestStateMachineAdvanceIsForwardOnly(t *testing.T) {
	var m stateMachine
	m.advance(StateStopping)
	assert.Equal(t, StateStopping, m.Load())

	m.advance(StateStreaming)
	assert.Equal(t, StateStopping, m.Load())

	m.advance(StateDisposed)
	m.advance(StateDisposed)
	assert.Equal(t, StateDisposed, m.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestParseCopyMode(t *testing.T) {
	m, err := ParseCopyMode("")
	assert.NoError(t, err)
	assert.Equal(t, CopyClone, m)

	m, err = ParseCopyMode(" Reuse ")
	assert.NoError(t, err)
	assert.Equal(t, CopyReuse, m)

	_, err = ParseCopyMode("mirror")
	assert.True(t, IsConfigurationError(err))
}
