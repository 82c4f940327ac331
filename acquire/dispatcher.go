package acquire

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/internal/ratelimit"
)

// Dispatcher turns ready buffers into delivered frames. Dispatch is safe to
// call from several delivery contexts at once; the gate keeps at most one
// copy and handoff in flight and drops the rest.
type Dispatcher struct {
	dev    Device
	state  *stateMachine
	sink   FrameSink
	width  int
	height int
	mode   CopyMode
	stats  *counters
	log    zerolog.Logger

	gate     RenderGate
	standing *image.Gray
	onFault  func(error)

	lastDropLog   atomic.Int64
	lastIgnoreLog atomic.Int64
}

func newDispatcher(dev Device, state *stateMachine, sink FrameSink, width, height int, mode CopyMode, stats *counters, onFault func(error), log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		dev:     dev,
		state:   state,
		sink:    sink,
		width:   width,
		height:  height,
		mode:    mode,
		stats:   stats,
		onFault: onFault,
		log:     log,
	}
	if mode == CopyReuse {
		d.standing = image.NewGray(image.Rect(0, 0, width, height))
	}
	return d
}

// Dispatch handles one buffer-ready notification. The buffer is returned to
// the ring on every path.
func (d *Dispatcher) Dispatch(buf Buffer) {
	d.stats.notifications.Add(1)

	if d.state.Load() != StateStreaming {
		total := d.stats.ignored.Add(1)
		if ratelimit.Allow(&d.lastIgnoreLog, time.Second) {
			d.log.Debug().
				Uint64("seq", buf.Seq).
				Stringer("state", d.state.Load()).
				Uint64("ignored_total", total).
				Msg("buffer ignored outside streaming")
		}
		d.release(buf)
		return
	}

	if !d.gate.TryEnter() {
		total := d.stats.dropped.Add(1)
		if ratelimit.Allow(&d.lastDropLog, time.Second) {
			d.log.Debug().
				Uint64("seq", buf.Seq).
				Uint64("dropped_total", total).
				Msg("render slot busy, frame dropped")
		}
		d.release(buf)
		return
	}

	d.render(buf)
}

func (d *Dispatcher) render(buf Buffer) {
	returned := false
	defer d.gate.Exit()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !returned {
			d.release(buf)
		}
		d.fault(&CallbackFault{Seq: buf.Seq, Err: fmt.Errorf("panic: %v", r)})
	}()

	frame, err := d.copyFrame(buf)
	returned = true
	d.release(buf)
	if err != nil {
		d.fault(&CallbackFault{Seq: buf.Seq, Err: err})
		return
	}

	d.sink.OnFrame(frame)
	d.stats.delivered.Add(1)
	d.stats.lastSeq.Store(frame.Seq)
	d.stats.lastTimestamp.Store(frame.Timestamp)
}

func (d *Dispatcher) copyFrame(buf Buffer) (Frame, error) {
	stride := buf.Stride
	if stride == 0 {
		stride = d.width
	}
	if stride < d.width {
		return Frame{}, fmt.Errorf("buffer %d stride %d is narrower than frame width %d", buf.Index, stride, d.width)
	}
	need := stride*(d.height-1) + d.width
	if len(buf.Data) < need {
		return Frame{}, fmt.Errorf("buffer %d holds %d bytes, frame needs %d", buf.Index, len(buf.Data), need)
	}

	img := d.standing
	if img == nil {
		img = image.NewGray(image.Rect(0, 0, d.width, d.height))
	}
	if stride == d.width {
		copy(img.Pix, buf.Data[:d.width*d.height])
	} else {
		for y := 0; y < d.height; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+d.width], buf.Data[y*stride:y*stride+d.width])
		}
	}

	return Frame{
		Image:        img,
		Seq:          buf.Seq,
		Timestamp:    buf.Timestamp,
		HasTimestamp: buf.HasTimestamp,
	}, nil
}

func (d *Dispatcher) release(buf Buffer) {
	if err := d.dev.ReturnBuffer(buf); err != nil {
		d.log.Error().Err(err).Int("index", buf.Index).Uint64("seq", buf.Seq).Msg("return buffer to ring failed")
		d.fault(&DeviceError{Op: "return buffer", Err: err})
	}
}

func (d *Dispatcher) fault(err error) {
	d.stats.faults.Add(1)
	d.log.Error().Err(err).Msg("dispatcher fault")
	if d.onFault != nil {
		d.onFault(err)
	}
}
