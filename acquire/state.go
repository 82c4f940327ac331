package acquire

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle position of a Stream.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// stateMachine is the single authority both goroutines read. Transitions
// only move forward.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State {
	return State(m.v.Load())
}

func (m *stateMachine) transition(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// advance moves to s unless the machine is already at or past it.
func (m *stateMachine) advance(s State) {
	for {
		cur := m.v.Load()
		if cur >= int32(s) {
			return
		}
		if m.v.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
