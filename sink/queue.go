package sink

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/internal/ratelimit"
)

const slowWriteThreshold = 50 * time.Millisecond

// frameQueue writes frames to dst from its own goroutine. Enqueue never
// blocks: when the queue is full the oldest pending frame is dropped.
type frameQueue struct {
	dst io.Writer
	log zerolog.Logger

	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	writeErr error

	lastSlowLog atomic.Int64
	lastDropLog atomic.Int64
	dropped     atomic.Uint64
	written     atomic.Uint64
}

func newFrameQueue(dst io.Writer, size int, log zerolog.Logger) *frameQueue {
	if size < 1 {
		size = 1
	}
	q := &frameQueue{
		dst:   dst,
		log:   log,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *frameQueue) Enqueue(frame []byte) {
	if len(frame) == 0 {
		return
	}

	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.queue <- frame:
		return
	default:
	}

	select {
	case <-q.queue:
		q.drop()
	default:
	}

	select {
	case q.queue <- frame:
	default:
		q.drop()
	}
}

func (q *frameQueue) drop() {
	total := q.dropped.Add(1)
	if ratelimit.Allow(&q.lastDropLog, time.Second) {
		q.log.Debug().Uint64("total", total).Int("queue", len(q.queue)).Msg("recorder dropped frame")
	}
}

// Close stops accepting frames, flushes what is queued and waits for the
// writer goroutine.
func (q *frameQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}

func (q *frameQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeErr
}

func (q *frameQueue) Dropped() uint64 { return q.dropped.Load() }
func (q *frameQueue) Written() uint64 { return q.written.Load() }

func (q *frameQueue) loop() {
	defer q.wg.Done()

	for {
		select {
		case b := <-q.queue:
			if !q.write(b) {
				return
			}
		case <-q.done:
			for {
				select {
				case b := <-q.queue:
					if !q.write(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (q *frameQueue) write(b []byte) bool {
	start := time.Now()
	if _, err := q.dst.Write(b); err != nil {
		q.mu.Lock()
		q.writeErr = err
		q.mu.Unlock()
		q.log.Warn().Err(err).Msg("recorder write failed")
		return false
	}
	q.written.Add(1)
	if d := time.Since(start); d > slowWriteThreshold && ratelimit.Allow(&q.lastSlowLog, time.Second) {
		q.log.Debug().Dur("duration", d).Int("bytes", len(b)).Int("queue", len(q.queue)).Msg("slow recorder write")
	}
	return true
}
