package acquire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrSharedClosed = errors.New("shared acquisition source is closed")

// Shared multicasts one acquisition to many sinks. The first Subscribe starts
// a Stream, the last unsubscribe stops it, and a later Subscribe starts a
// fresh one. Only one Stream per Shared touches the device at a time.
//
// Subscribers of a CopyReuse source see the same image; they must copy it
// inside OnFrame to keep it.
type Shared struct {
	backend Backend
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	run    *sharedRun
	nextID uint64
	closed bool

	// runLock is held for the whole of each Stream.Run.
	runLock sync.Mutex
	wg      sync.WaitGroup
}

type subscriber struct {
	id   uint64
	sink FrameSink
}

type sharedRun struct {
	owner  *Shared
	stream *Stream
	cancel context.CancelFunc
	// sinks is replaced under owner.mu and read lock-free on delivery.
	sinks atomic.Pointer[[]subscriber]
}

func NewShared(backend Backend, options *Options) *Shared {
	var opts Options
	if options != nil {
		opts = *options
	}
	return &Shared{
		backend: backend,
		opts:    opts,
		log:     opts.logger(),
	}
}

// Subscribe attaches sink to the running acquisition, starting one if
// needed. The returned function detaches it; calling it again is a no-op.
// A detached sink receives no terminal callback.
func (s *Shared) Subscribe(sink FrameSink) (func(), error) {
	if sink == nil {
		return nil, errors.New("acquire: nil FrameSink")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSharedClosed
	}

	run := s.run
	if run == nil {
		run = s.startLocked()
		s.run = run
	}
	s.nextID++
	id := s.nextID
	run.add(subscriber{id: id, sink: sink})

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(run, id) })
	}, nil
}

// Stream returns the current acquisition, if any.
func (s *Shared) Stream() (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil, false
	}
	return s.run.stream, true
}

// Close stops the current acquisition and waits for every run to finish.
// Remaining subscribers receive the run's terminal callback.
func (s *Shared) Close() error {
	s.mu.Lock()
	s.closed = true
	run := s.run
	s.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Shared) startLocked() *sharedRun {
	ctx, cancel := context.WithCancel(context.Background())
	run := &sharedRun{owner: s, cancel: cancel}
	run.sinks.Store(&[]subscriber{})
	run.stream = NewStream(s.backend, run, &s.opts)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		s.runLock.Lock()
		defer s.runLock.Unlock()

		if ctx.Err() != nil {
			// Every subscriber left before the device became free.
			run.OnComplete()
			return
		}
		if err := run.stream.Run(ctx); err != nil {
			s.log.Debug().Err(err).Str("stream_id", run.stream.ID()).Msg("shared acquisition ended with error")
		}
	}()
	return run
}

func (s *Shared) unsubscribe(run *sharedRun, id uint64) {
	s.mu.Lock()
	remaining := run.remove(id)
	last := remaining == 0 && s.run == run
	if last {
		s.run = nil
	}
	s.mu.Unlock()

	if last {
		run.cancel()
	}
}

// detach clears the run's subscribers and forgets it so the next Subscribe
// starts a fresh acquisition.
func (s *Shared) detach(run *sharedRun) []subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := *run.sinks.Load()
	run.sinks.Store(&[]subscriber{})
	if s.run == run {
		s.run = nil
	}
	return subs
}

func (r *sharedRun) add(sub subscriber) {
	cur := *r.sinks.Load()
	next := make([]subscriber, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	r.sinks.Store(&next)
}

func (r *sharedRun) remove(id uint64) int {
	cur := *r.sinks.Load()
	next := make([]subscriber, 0, len(cur))
	for _, sub := range cur {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	r.sinks.Store(&next)
	return len(next)
}

func (r *sharedRun) OnFrame(f Frame) {
	for _, sub := range *r.sinks.Load() {
		sub.sink.OnFrame(f)
	}
}

func (r *sharedRun) OnError(err error) {
	for _, sub := range r.owner.detach(r) {
		sub.sink.OnError(err)
	}
}

func (r *sharedRun) OnComplete() {
	for _, sub := range r.owner.detach(r) {
		sub.sink.OnComplete()
	}
}
