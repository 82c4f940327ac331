package acquire

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// pollWorker is the only goroutine that ever calls the dispatcher. It blocks
// in Device.WaitBuffer and exits once CancelWait wakes it.
type pollWorker struct {
	dev      Device
	dispatch func(Buffer)
	onError  func(error)
	log      zerolog.Logger

	quit atomic.Bool
	done chan struct{}
}

func startPollWorker(dev Device, dispatch func(Buffer), onError func(error), log zerolog.Logger) *pollWorker {
	w := &pollWorker{
		dev:      dev,
		dispatch: dispatch,
		onError:  onError,
		log:      log,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *pollWorker) loop() {
	defer close(w.done)

	for !w.quit.Load() {
		buf, err := w.dev.WaitBuffer()
		if err != nil {
			if errors.Is(err, ErrWaitCancelled) {
				return
			}
			w.log.Error().Err(err).Msg("wait for buffer failed")
			w.onError(&DeviceError{Op: "wait buffer", Err: err})
			return
		}
		w.dispatch(buf)
	}
}

// stop wakes the worker and joins it. Safe to call more than once.
func (w *pollWorker) stop() {
	w.quit.Store(true)
	w.dev.CancelWait()
	<-w.done
}
