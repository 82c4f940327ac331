package acquire

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of a Stream's counters.
type Stats struct {
	ID    string
	State State
	// Notifications counts buffers handed to the dispatcher.
	Notifications uint64
	Delivered     uint64
	// Dropped counts buffers discarded because the render slot was busy.
	Dropped uint64
	// Ignored counts buffers that arrived outside StateStreaming.
	Ignored uint64
	Faults  uint64
	LastSeq uint64
	// LastTimestamp is the device timestamp of the last delivered frame.
	LastTimestamp uint64
	Width         int
	Height        int
	// Buffers is the ring depth the device granted.
	Buffers int
	Uptime  time.Duration
}

type counters struct {
	notifications atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	ignored       atomic.Uint64
	faults        atomic.Uint64
	lastSeq       atomic.Uint64
	lastTimestamp atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Notifications: c.notifications.Load(),
		Delivered:     c.delivered.Load(),
		Dropped:       c.dropped.Load(),
		Ignored:       c.ignored.Load(),
		Faults:        c.faults.Load(),
		LastSeq:       c.lastSeq.Load(),
		LastTimestamp: c.lastTimestamp.Load(),
	}
}
