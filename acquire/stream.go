package acquire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stream runs one acquisition from Open to teardown and reports it to a
// FrameSink. A Stream is single-use.
type Stream struct {
	id      string
	backend Backend
	sink    FrameSink
	opts    Options
	log     zerolog.Logger

	state stateMachine
	stats counters

	started   atomic.Bool
	startedAt atomic.Int64
	width     atomic.Int32
	height    atomic.Int32
	buffers   atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}

	failMu  sync.Mutex
	failErr error
	failCh  chan struct{}

	terminal sync.Once
	done     chan struct{}
}

// NewStream prepares a Stream. Options are validated by Run.
func NewStream(backend Backend, sink FrameSink, options *Options) *Stream {
	var opts Options
	if options != nil {
		opts = *options
	}
	id := uuid.NewString()
	log := opts.logger().With().Str("stream_id", id).Logger()
	opts.Logger = &log
	if sink == nil {
		sink = nopSink{}
	}

	return &Stream{
		id:      id,
		backend: backend,
		sink:    sink,
		opts:    opts,
		log:     log,
		stopCh:  make(chan struct{}),
		failCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Stream) ID() string   { return s.id }
func (s *Stream) State() State { return s.state.Load() }

// Done is closed when Run returns.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stop requests a clean shutdown. A streaming Stream stops delivering frames
// as soon as Stop returns; teardown finishes on the goroutine inside Run.
// Calling Stop more than once, or before Run, is allowed.
func (s *Stream) Stop() {
	s.state.transition(StateStreaming, StateStopping)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	st := s.stats.snapshot()
	st.ID = s.id
	st.State = s.state.Load()
	st.Width = int(s.width.Load())
	st.Height = int(s.height.Load())
	st.Buffers = int(s.buffers.Load())
	if at := s.startedAt.Load(); at != 0 {
		st.Uptime = time.Since(time.Unix(0, at))
	}
	return st
}

// Run opens the device, streams until ctx is done, Stop is called or a
// fault occurs, then tears down in order: Stopping is published, the
// hardware is stopped, the polling goroutine is joined and the session is
// closed. The sink receives exactly one of OnError or OnComplete before Run
// returns. A clean stop returns nil.
func (s *Stream) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	session, err := Open(s.backend, &s.opts)
	if err != nil {
		s.log.Error().Err(err).Msg("acquisition open failed")
		s.finish(err)
		return err
	}
	s.state.transition(StateIdle, StateStarting)
	s.width.Store(int32(session.Width()))
	s.height.Store(int32(session.Height()))
	s.buffers.Store(int32(session.BufferCount()))

	dev := session.Device()
	disp := newDispatcher(dev, &s.state, s.sink, session.Width(), session.Height(), s.opts.CopyMode, &s.stats, s.fail, s.log)

	if err := dev.EnableNotifications(); err != nil {
		return s.abort(session, nil, deviceError("enable notifications", err))
	}
	worker := startPollWorker(dev, disp.Dispatch, s.fail, s.log)
	if err := dev.Start(); err != nil {
		return s.abort(session, worker, deviceError("start", err))
	}

	s.startedAt.Store(time.Now().UnixNano())
	s.state.transition(StateStarting, StateStreaming)
	s.log.Info().
		Int("width", session.Width()).
		Int("height", session.Height()).
		Int("buffers", session.BufferCount()).
		Stringer("copy_mode", s.opts.CopyMode).
		Msg("acquisition streaming")

	cause := s.wait(ctx)
	return s.shutdown(session, worker, cause)
}

func (s *Stream) wait(ctx context.Context) error {
	interval := s.opts.StatsInterval
	if interval == 0 {
		interval = DefaultStatsInterval
	}
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Err(ctx.Err()).Msg("acquisition context done")
			return nil
		case <-s.stopCh:
			s.log.Debug().Msg("acquisition stop requested")
			return nil
		case <-s.failCh:
			return s.failure()
		case <-tick:
			s.logStats(zerolog.InfoLevel, "acquisition stats")
		}
	}
}

func (s *Stream) shutdown(session *Session, worker *pollWorker, cause error) error {
	// Publish Stopping before touching the hardware so in-flight
	// notifications become no-ops.
	s.state.advance(StateStopping)
	if cause == nil {
		cause = s.failure()
	}

	var errs []error
	if err := session.Device().Stop(); err != nil {
		errs = append(errs, deviceError("stop", err))
	}
	worker.stop()
	if err := session.Close(); err != nil {
		errs = append(errs, err)
	}
	s.state.advance(StateDisposed)

	err := joinErrors(cause, errs...)
	s.logStats(zerolog.InfoLevel, "acquisition stopped")
	s.finish(err)
	return err
}

func (s *Stream) abort(session *Session, worker *pollWorker, cause error) error {
	s.log.Error().Err(cause).Msg("acquisition start failed")
	s.state.advance(StateStopping)

	var errs []error
	if worker != nil {
		worker.stop()
	}
	if err := session.Close(); err != nil {
		errs = append(errs, err)
	}
	s.state.advance(StateDisposed)

	err := joinErrors(cause, errs...)
	s.finish(err)
	return err
}

// fail records the first fatal error and stops delivery.
func (s *Stream) fail(err error) {
	s.failMu.Lock()
	first := s.failErr == nil
	if first {
		s.failErr = err
	}
	s.failMu.Unlock()

	s.state.transition(StateStreaming, StateStopping)
	if first {
		close(s.failCh)
	}
}

func (s *Stream) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

func (s *Stream) finish(err error) {
	s.terminal.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("frame sink terminal callback panicked")
			}
		}()
		if err != nil {
			s.sink.OnError(err)
			return
		}
		s.sink.OnComplete()
	})
}

func (s *Stream) logStats(level zerolog.Level, msg string) {
	st := s.Stats()
	s.log.WithLevel(level).
		Stringer("state", st.State).
		Uint64("notifications", st.Notifications).
		Uint64("delivered", st.Delivered).
		Uint64("dropped", st.Dropped).
		Uint64("ignored", st.Ignored).
		Uint64("faults", st.Faults).
		Uint64("last_seq", st.LastSeq).
		Dur("uptime", st.Uptime).
		Msg(msg)
}

func joinErrors(cause error, rest ...error) error {
	all := make([]error, 0, len(rest)+1)
	if cause != nil {
		all = append(all, cause)
	}
	all = append(all, rest...)
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	default:
		return errors.Join(all...)
	}
}

type nopSink struct{}

func (nopSink) OnFrame(Frame) {}
func (nopSink) OnError(error) {}
func (nopSink) OnComplete()   {}
