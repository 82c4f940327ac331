package acquire

// Buffer is one slot of the device ring, checked out to the dispatcher.
// Data aliases device memory and is only valid until ReturnBuffer.
type Buffer struct {
	Index int
	Data  []byte
	// Stride is the row pitch in bytes. Zero means rows are packed.
	Stride       int
	Seq          uint64
	Timestamp    uint64
	HasTimestamp bool
}

// Backend opens grabber devices.
type Backend interface {
	Open(card, device int) (Device, error)
}

// Device is an opened grabber. All methods except WaitBuffer, ReturnBuffer
// and CancelWait are called from the controlling goroutine only.
type Device interface {
	// LoadSettings applies a vendor settings file. Called at most once,
	// before AllocateBuffers.
	LoadSettings(path string) error
	// AllocateBuffers creates the ring of count device-owned buffers.
	AllocateBuffers(count int) error
	// IntegerProperty reads a device property such as PropertyWidth.
	IntegerProperty(name string) (int64, error)
	// EnableNotifications arms buffer-ready events for WaitBuffer.
	EnableNotifications() error
	// WaitBuffer blocks until a buffer is ready or CancelWait has been
	// called, in which case it returns ErrWaitCancelled. Cancellation is
	// latched: every later call returns ErrWaitCancelled too.
	WaitBuffer() (Buffer, error)
	// CancelWait wakes a blocked WaitBuffer. Safe from any goroutine.
	CancelWait()
	Start() error
	Stop() error
	// ReturnBuffer hands a checked-out buffer back to the ring.
	ReturnBuffer(Buffer) error
	// Close frees the ring and the device handle.
	Close() error
}

// RingSizer is implemented by devices whose driver may allocate a different
// ring depth than requested.
type RingSizer interface {
	BufferCount() int
}

// Describer is implemented by devices that can name themselves for logs.
type Describer interface {
	Describe() string
}
