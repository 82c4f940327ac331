// Package acquire bridges a frame-grabber backend (a ring of device-owned
// buffers plus a buffer-ready notification) to a stream of 8-bit gray frames
// delivered to a FrameSink.
//
// A Stream owns the whole lifecycle: it opens a Session, runs one polling
// goroutine that is the only caller of the Dispatcher, and tears everything
// down in a fixed order once cancelled. Frames that arrive while the previous
// one is still being handed off are dropped, never queued.
package acquire

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBufferCount is the ring depth used when Options.BufferCount is unset
	// by configuration layers. Open itself rejects zero.
	DefaultBufferCount = 10

	// DefaultStatsInterval is how often a running Stream logs its counters.
	DefaultStatsInterval = 5 * time.Second

	// PropertyWidth and PropertyHeight are the integer device properties read
	// once at Open.
	PropertyWidth  = "Width"
	PropertyHeight = "Height"
)

var (
	ErrDeviceNotFound = errors.New("frame grabber device not found")
	ErrDeviceBusy     = errors.New("frame grabber device is busy")
	ErrWaitCancelled  = errors.New("buffer wait was cancelled")
	ErrAlreadyStarted = errors.New("acquisition stream was already started")
	ErrUnsupported    = errors.New("frame grabber backend is not supported on this platform")
)

// CopyMode selects how buffer payloads become frames.
type CopyMode int

const (
	// CopyClone allocates a fresh image per delivered frame. Sinks may retain it.
	CopyClone CopyMode = iota
	// CopyReuse overwrites one standing image per session. Sinks must copy
	// pixels they want to keep past OnFrame.
	CopyReuse
)

func (m CopyMode) String() string {
	switch m {
	case CopyClone:
		return "clone"
	case CopyReuse:
		return "reuse"
	default:
		return fmt.Sprintf("CopyMode(%d)", int(m))
	}
}

// ParseCopyMode maps "clone" or "reuse" to a CopyMode.
func ParseCopyMode(s string) (CopyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clone":
		return CopyClone, nil
	case "reuse":
		return CopyReuse, nil
	default:
		return CopyClone, &ConfigurationError{Field: "CopyMode", Reason: fmt.Sprintf("unknown copy mode %q", s)}
	}
}

// Options configures a Session and the Stream running on top of it.
type Options struct {
	// CardIndex selects the physical grabber card.
	CardIndex int
	// DeviceIndex selects the logical device (camera) on the card.
	DeviceIndex int
	// BufferCount is the ring depth. Must be >= 1.
	BufferCount int
	// SettingsFilePath is an optional vendor settings blob loaded once at Open.
	SettingsFilePath string
	// CopyMode selects per-frame clones or one reused output image.
	CopyMode CopyMode
	// StatsInterval controls periodic stats logging. Zero uses
	// DefaultStatsInterval, negative disables it.
	StatsInterval time.Duration
	// Logger receives structured diagnostics. Nil disables logging.
	Logger *zerolog.Logger
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// Frame is one decoded 8-bit single-channel image.
type Frame struct {
	Image *image.Gray
	// Seq is the hardware production sequence of the source buffer.
	Seq uint64
	// Timestamp is the device clock in microseconds when HasTimestamp is set.
	Timestamp    uint64
	HasTimestamp bool
}

func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// Clone returns a copy whose pixels are owned by the caller. Sinks running
// against CopyReuse streams use it to keep a frame past OnFrame.
func (f Frame) Clone() Frame {
	out := f
	if f.Image != nil {
		img := image.NewGray(f.Image.Rect)
		copy(img.Pix, f.Image.Pix)
		out.Image = img
	}
	return out
}

// FrameSink consumes a Stream. OnFrame must return promptly and must treat
// the frame as read-only for the duration of the call. Exactly one of
// OnError or OnComplete is called, after the last OnFrame.
type FrameSink interface {
	OnFrame(Frame)
	OnError(error)
	OnComplete()
}
