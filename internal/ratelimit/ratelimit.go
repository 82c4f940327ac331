// Package ratelimit throttles hot-path log lines emitted from frame delivery
// contexts.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Allow reports whether an event guarded by last may fire now. At most one
// caller wins per period; last holds the UnixNano of the previous win.
func Allow(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
