// Package sink provides acquire.FrameSink implementations: an ffmpeg
// recorder, an HTTP preview, and small adapters for composing them.
package sink

import (
	"sync"

	"go2tv.app/framegrab/acquire"
)

// Funcs adapts plain functions to acquire.FrameSink. Nil fields are skipped.
type Funcs struct {
	Frame    func(acquire.Frame)
	Error    func(error)
	Complete func()
}

func (f Funcs) OnFrame(frame acquire.Frame) {
	if f.Frame != nil {
		f.Frame(frame)
	}
}

func (f Funcs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f Funcs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

type tee struct {
	sinks    []acquire.FrameSink
	terminal sync.Once
}

// Tee forwards every frame to each sink in order. The terminal call reaches
// each sink at most once.
func Tee(sinks ...acquire.FrameSink) acquire.FrameSink {
	out := make([]acquire.FrameSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &tee{sinks: out}
}

func (t *tee) OnFrame(frame acquire.Frame) {
	for _, s := range t.sinks {
		s.OnFrame(frame)
	}
}

func (t *tee) OnError(err error) {
	t.terminal.Do(func() {
		for _, s := range t.sinks {
			s.OnError(err)
		}
	})
}

func (t *tee) OnComplete() {
	t.terminal.Do(func() {
		for _, s := range t.sinks {
			s.OnComplete()
		}
	})
}
