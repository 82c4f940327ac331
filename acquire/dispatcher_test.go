package acquire

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ringDevice is a Device that only tracks returned buffers.
type ringDevice struct {
	mu        sync.Mutex
	returned  []int
	returnErr error
}

func (d *ringDevice) LoadSettings(string) error             { return nil }
func (d *ringDevice) AllocateBuffers(int) error             { return nil }
func (d *ringDevice) IntegerProperty(string) (int64, error) { return 0, nil }
func (d *ringDevice) EnableNotifications() error            { return nil }
func (d *ringDevice) WaitBuffer() (Buffer, error)           { return Buffer{}, ErrWaitCancelled }
func (d *ringDevice) CancelWait()                           {}
func (d *ringDevice) Start() error                          { return nil }
func (d *ringDevice) Stop() error                           { return nil }
func (d *ringDevice) Close() error                          { return nil }

func (d *ringDevice) ReturnBuffer(b Buffer) error {
	d.mu.Lock()
	d.returned = append(d.returned, b.Index)
	d.mu.Unlock()
	return d.returnErr
}

func (d *ringDevice) Returned() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.returned...)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	onHook func(Frame)
}

func (s *recordingSink) OnFrame(f Frame) {
	if s.onHook != nil {
		s.onHook(f)
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}
func (s *recordingSink) OnError(error) {}
func (s *recordingSink) OnComplete()   {}

func (s *recordingSink) Seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Seq)
	}
	return out
}

type dispatchHarness struct {
	dev    *ringDevice
	sink   *recordingSink
	state  *stateMachine
	stats  *counters
	faults []error
	faultM sync.Mutex
	disp   *Dispatcher
}

func newHarness(t *testing.T, width, height int, mode CopyMode) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{
		dev:   &ringDevice{},
		sink:  &recordingSink{},
		state: &stateMachine{},
		stats: &counters{},
	}
	h.state.advance(StateStreaming)
	h.disp = newDispatcher(h.dev, h.state, h.sink, width, height, mode, h.stats, func(err error) {
		h.faultM.Lock()
		h.faults = append(h.faults, err)
		h.faultM.Unlock()
	}, zerolog.Nop())
	return h
}

func (h *dispatchHarness) Faults() []error {
	h.faultM.Lock()
	defer h.faultM.Unlock()
	return append([]error(nil), h.faults...)
}

func grayBuffer(index int, seq uint64, width, height int) Buffer {
	data := make([]byte, width*height)
	for i := range data {
		data[i] = byte(seq)
	}
	return Buffer{Index: index, Data: data, Seq: seq, Timestamp: seq * 1000, HasTimestamp: true}
}

func TestDispatchDeliversInOrder(t *testing.T) {
	h := newHarness(t, 4, 3, CopyClone)

	for i := 1; i <= 5; i++ {
		h.disp.Dispatch(grayBuffer(i%2, uint64(i), 4, 3))
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, h.sink.Seqs())
	for i, f := range h.sink.frames {
		seq := uint64(i + 1)
		assert.Equal(t, seq*1000, f.Timestamp)
		assert.True(t, f.HasTimestamp)
		assert.Equal(t, 4, f.Width())
		assert.Equal(t, 3, f.Height())
		assert.Equal(t, byte(seq), f.Image.Pix[0])
	}
	assert.Len(t, h.dev.Returned(), 5)
	assert.False(t, h.disp.gate.Busy())

	st := h.stats.snapshot()
	assert.Equal(t, uint64(5), st.Notifications)
	assert.Equal(t, uint64(5), st.Delivered)
	assert.Equal(t, uint64(5), st.LastSeq)
	assert.Equal(t, uint64(5000), st.LastTimestamp)
	assert.Empty(t, h.Faults())
}

func TestDispatchDropsNewestWhileBusy(t *testing.T) {
	h := newHarness(t, 2, 2, CopyClone)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.sink.onHook = func(f Frame) {
		if f.Seq == 1 {
			close(entered)
			<-release
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.disp.Dispatch(grayBuffer(0, 1, 2, 2))
	}()
	<-entered

	// A's buffer went back to the ring before delivery started.
	assert.Equal(t, []int{0}, h.dev.Returned())

	h.disp.Dispatch(grayBuffer(1, 2, 2, 2))
	assert.Equal(t, []int{0, 1}, h.dev.Returned(), "dropped buffer is returned immediately")

	close(release)
	<-done
	h.disp.Dispatch(grayBuffer(2, 3, 2, 2))

	assert.Equal(t, []uint64{1, 3}, h.sink.Seqs())
	st := h.stats.snapshot()
	assert.Equal(t, uint64(3), st.Notifications)
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Empty(t, h.Faults())
}

func TestDispatchOutsideStreamingOnlyReturnsBuffer(t *testing.T) {
	for _, state := range []State{StateIdle, StateStarting, StateStopping, StateDisposed} {
		t.Run(state.String(), func(t *testing.T) {
			h := newHarness(t, 2, 2, CopyClone)
			h.state.v.Store(int32(state))

			h.disp.Dispatch(grayBuffer(3, 9, 2, 2))

			assert.Empty(t, h.sink.Seqs())
			assert.Equal(t, []int{3}, h.dev.Returned())
			assert.Equal(t, uint64(1), h.stats.snapshot().Ignored)
			assert.False(t, h.disp.gate.Busy())
		})
	}
}

func TestDispatchStopsDeliveringOnceStopping(t *testing.T) {
	h := newHarness(t, 2, 2, CopyClone)
	h.sink.onHook = func(f Frame) {
		if f.Seq == 2 {
			h.state.transition(StateStreaming, StateStopping)
		}
	}

	for i := 1; i <= 4; i++ {
		h.disp.Dispatch(grayBuffer(i, uint64(i), 2, 2))
	}

	assert.Equal(t, []uint64{1, 2}, h.sink.Seqs(), "in-flight frame finishes, later ones are ignored")
	assert.Len(t, h.dev.Returned(), 4)
}

func TestDispatchRecoversSinkPanic(t *testing.T) {
	h := newHarness(t, 2, 2, CopyClone)
	h.sink.onHook = func(f Frame) {
		if f.Seq == 1 {
			panic("sink exploded")
		}
	}

	h.disp.Dispatch(grayBuffer(0, 1, 2, 2))

	assert.Equal(t, []int{0}, h.dev.Returned())
	assert.False(t, h.disp.gate.Busy())
	faults := h.Faults()
	require.Len(t, faults, 1)
	var cf *CallbackFault
	require.ErrorAs(t, faults[0], &cf)
	assert.Equal(t, uint64(1), cf.Seq)
	assert.ErrorContains(t, cf, "sink exploded")

	h.disp.Dispatch(grayBuffer(1, 2, 2, 2))
	assert.Equal(t, []uint64{2}, h.sink.Seqs(), "dispatcher keeps working after a fault")
}

func TestDispatchShortBufferIsFault(t *testing.T) {
	h := newHarness(t, 4, 4, CopyClone)

	h.disp.Dispatch(Buffer{Index: 2, Data: make([]byte, 5), Seq: 7})

	assert.Empty(t, h.sink.Seqs())
	assert.Equal(t, []int{2}, h.dev.Returned())
	assert.False(t, h.disp.gate.Busy())
	faults := h.Faults()
	require.Len(t, faults, 1)
	var cf *CallbackFault
	assert.ErrorAs(t, faults[0], &cf)
	assert.Equal(t, uint64(1), h.stats.snapshot().Faults)
}

func TestDispatchReturnFailureIsDeviceError(t *testing.T) {
	h := newHarness(t, 2, 2, CopyClone)
	h.dev.returnErr = errors.New("ring gone")

	h.disp.Dispatch(grayBuffer(0, 1, 2, 2))

	faults := h.Faults()
	require.Len(t, faults, 1)
	var de *DeviceError
	require.ErrorAs(t, faults[0], &de)
	assert.Equal(t, "return buffer", de.Op)
}

func TestDispatchCopiesStridedRows(t *testing.T) {
	h := newHarness(t, 3, 2, CopyClone)
	buf := Buffer{
		Index:  0,
		Stride: 5,
		Seq:    1,
		Data: []byte{
			1, 2, 3, 99, 99,
			4, 5, 6, 99, 99,
		},
	}

	h.disp.Dispatch(buf)

	require.Len(t, h.sink.frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, h.sink.frames[0].Image.Pix)
	assert.False(t, h.sink.frames[0].HasTimestamp)
}

func TestCopyModes(t *testing.T) {
	clone := newHarness(t, 2, 2, CopyClone)
	clone.disp.Dispatch(grayBuffer(0, 1, 2, 2))
	clone.disp.Dispatch(grayBuffer(0, 2, 2, 2))
	require.Len(t, clone.sink.frames, 2)
	assert.NotSame(t, clone.sink.frames[0].Image, clone.sink.frames[1].Image)
	assert.Equal(t, byte(1), clone.sink.frames[0].Image.Pix[0])

	reuse := newHarness(t, 2, 2, CopyReuse)
	var kept Frame
	reuse.sink.onHook = func(f Frame) {
		if f.Seq == 1 {
			kept = f.Clone()
		}
	}
	reuse.disp.Dispatch(grayBuffer(0, 1, 2, 2))
	reuse.disp.Dispatch(grayBuffer(0, 2, 2, 2))
	require.Len(t, reuse.sink.frames, 2)
	assert.Same(t, reuse.sink.frames[0].Image, reuse.sink.frames[1].Image)
	assert.Equal(t, byte(2), reuse.sink.frames[0].Image.Pix[0], "standing image holds the latest frame")
	assert.Equal(t, byte(1), kept.Image.Pix[0], "Clone detaches from the standing image")
}

func TestConcurrentDispatchHasOneRenderer(t *testing.T) {
	h := newHarness(t, 8, 8, CopyReuse)

	var inside, maxInside atomic.Int32
	h.sink.onHook = func(Frame) {
		n := inside.Add(1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Microsecond)
		inside.Add(-1)
	}

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				h.disp.Dispatch(grayBuffer(w, uint64(w*perWorker+i+1), 8, 8))
			}
		}(w)
	}
	wg.Wait()

	st := h.stats.snapshot()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, uint64(workers*perWorker), st.Notifications)
	assert.Equal(t, st.Notifications, st.Delivered+st.Dropped)
	assert.LessOrEqual(t, st.Delivered, st.Notifications)
	assert.Len(t, h.dev.Returned(), workers*perWorker)
	assert.False(t, h.disp.gate.Busy())
}
