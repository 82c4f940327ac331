package acquire

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Session owns an opened device and its buffer ring. Geometry is read once
// at Open and stays fixed for the session.
type Session struct {
	dev         Device
	card        int
	device      int
	bufferCount int
	requested   int
	width       int
	height      int
	log         zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

func validateOptions(backend Backend, options *Options) (*Options, error) {
	if options == nil {
		options = &Options{}
	}
	if backend == nil {
		return nil, &ConfigurationError{Field: "Backend", Reason: "backend is required"}
	}
	if options.BufferCount < 1 {
		return nil, &ConfigurationError{Field: "BufferCount", Reason: fmt.Sprintf("must be >= 1, got %d", options.BufferCount)}
	}
	if options.CardIndex < 0 {
		return nil, &ConfigurationError{Field: "CardIndex", Reason: fmt.Sprintf("must be >= 0, got %d", options.CardIndex)}
	}
	if options.DeviceIndex < 0 {
		return nil, &ConfigurationError{Field: "DeviceIndex", Reason: fmt.Sprintf("must be >= 0, got %d", options.DeviceIndex)}
	}
	if options.CopyMode != CopyClone && options.CopyMode != CopyReuse {
		return nil, &ConfigurationError{Field: "CopyMode", Reason: options.CopyMode.String()}
	}
	if options.SettingsFilePath != "" {
		info, err := os.Stat(options.SettingsFilePath)
		if err != nil {
			return nil, &ConfigurationError{Field: "SettingsFilePath", Reason: err.Error()}
		}
		if info.IsDir() {
			return nil, &ConfigurationError{Field: "SettingsFilePath", Reason: options.SettingsFilePath + " is a directory"}
		}
	}
	return options, nil
}

// Open validates options, opens the device, loads settings, allocates the
// ring and reads geometry. On any failure nothing stays allocated.
func Open(backend Backend, options *Options) (*Session, error) {
	opts, err := validateOptions(backend, options)
	if err != nil {
		return nil, err
	}
	log := opts.logger()

	dev, err := backend.Open(opts.CardIndex, opts.DeviceIndex)
	if err != nil {
		return nil, deviceError("open", err)
	}
	if dev == nil {
		return nil, &DeviceError{Op: "open", Err: ErrDeviceNotFound}
	}

	// Release the device on setup failure.
	cleanup := true
	defer func() {
		if cleanup {
			if cerr := dev.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("close device after failed open")
			}
		}
	}()

	if opts.SettingsFilePath != "" {
		if err := dev.LoadSettings(opts.SettingsFilePath); err != nil {
			return nil, deviceError("load settings", err)
		}
	}
	if err := dev.AllocateBuffers(opts.BufferCount); err != nil {
		return nil, deviceError("allocate buffers", err)
	}
	granted := opts.BufferCount
	if rs, ok := dev.(RingSizer); ok {
		if n := rs.BufferCount(); n > 0 && n != granted {
			log.Warn().Int("requested", opts.BufferCount).Int("granted", n).Msg("device adjusted ring depth")
			granted = n
		}
	}

	width, err := dev.IntegerProperty(PropertyWidth)
	if err != nil {
		return nil, deviceError("read width", err)
	}
	height, err := dev.IntegerProperty(PropertyHeight)
	if err != nil {
		return nil, deviceError("read height", err)
	}
	if width <= 0 || height <= 0 {
		return nil, &DeviceError{Op: "read geometry", Err: fmt.Errorf("invalid frame size %dx%d", width, height)}
	}

	s := &Session{
		dev:         dev,
		card:        opts.CardIndex,
		device:      opts.DeviceIndex,
		bufferCount: granted,
		requested:   opts.BufferCount,
		width:       int(width),
		height:      int(height),
		log:         log,
	}

	ev := log.Info().
		Int("card", s.card).
		Int("device", s.device).
		Int("buffers", s.bufferCount).
		Int("width", s.width).
		Int("height", s.height)
	if d, ok := dev.(Describer); ok {
		ev = ev.Str("describe", d.Describe())
	}
	ev.Msg("acquisition session opened")

	cleanup = false
	return s, nil
}

func (s *Session) Device() Device   { return s.dev }
func (s *Session) Width() int       { return s.width }
func (s *Session) Height() int      { return s.height }
func (s *Session) BufferCount() int { return s.bufferCount }

// RequestedBufferCount is Options.BufferCount. It differs from BufferCount
// when the driver adjusted the ring depth.
func (s *Session) RequestedBufferCount() int { return s.requested }

// Close frees the ring and the device handle. Later calls return the first
// result. Close on a nil Session is a no-op.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.dev == nil {
			return
		}
		if err := s.dev.Close(); err != nil {
			s.closeErr = &DeviceError{Op: "close", Err: err}
			s.log.Error().Err(err).Msg("acquisition session close failed")
			return
		}
		s.log.Debug().Int("card", s.card).Int("device", s.device).Msg("acquisition session closed")
	})
	return s.closeErr
}
