package acquire

import "sync/atomic"

// RenderGate admits one frame copy and handoff at a time. A busy gate is the
// normal backpressure signal, not an error.
type RenderGate struct {
	busy atomic.Bool
}

// TryEnter claims the slot without blocking. It reports whether the caller
// now owns it.
func (g *RenderGate) TryEnter() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Exit releases the slot. It must be called exactly once per successful
// TryEnter.
func (g *RenderGate) Exit() {
	if !g.busy.CompareAndSwap(true, false) {
		panic("acquire: RenderGate.Exit without matching TryEnter")
	}
}

// Busy reports whether the slot is currently held.
func (g *RenderGate) Busy() bool {
	return g.busy.Load()
}
