//go:build linux && (amd64 || arm64)

package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"go2tv.app/framegrab/acquire"
	"go2tv.app/framegrab/internal/ratelimit"
)

// ioctl request numbers for 64-bit kernels.
const (
	vidiocQueryCap  = 0x80685600
	vidiocGFmt      = 0xc0d05604
	vidiocSFmt      = 0xc0d05605
	vidiocReqBufs   = 0xc0145608
	vidiocQueryBuf  = 0xc0585609
	vidiocQBuf      = 0xc058560f
	vidiocDQBuf     = 0xc0585611
	vidiocStreamOn  = 0x40045612
	vidiocStreamOff = 0x40045613
	vidiocSCtrl     = 0xc008561c
	vidiocSInput    = 0xc0045627
)

const (
	bufTypeVideoCapture = 1
	memoryMMAP          = 1
	fieldNone           = 1

	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000

	bufFlagError         = 0x00000040
	bufFlagTimestampMask = 0x0000e000

	pixFmtGrey = uint32('G') | uint32('R')<<8 | uint32('E')<<16 | uint32('Y')<<24
)

var (
	ErrNotArmed = errors.New("v4l2: notifications are not enabled")
	ErrNoGrey   = errors.New("v4l2: driver does not offer 8-bit greyscale")
)

type v4l2Capability struct {
	Driver       [16]uint8
	Card         [32]uint8
	BusInfo      [32]uint8
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

type v4l2Format struct {
	Type uint32
	_    uint32
	Fmt  [200]byte
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.Fmt[0]))
}

type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	// M holds the mmap offset in its low 32 bits for MMAP buffers.
	M         uint64
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

type v4l2Control struct {
	ID    uint32
	Value int32
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// openError maps errno values from open and VIDIOC_S_INPUT onto the
// acquisition sentinels.
func openError(path string, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO), errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%s: %w: %v", path, acquire.ErrDeviceNotFound, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%s: %w: %v", path, acquire.ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (b *Backend) Open(card, device int) (acquire.Device, error) {
	path := b.path(card)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, openError(path, err)
	}

	d := &dev{
		path:  path,
		input: device,
		fd:    fd,
		wake:  -1,
		log:   b.log.With().Str("path", path).Int("input", device).Logger(),
	}
	d.cond = sync.NewCond(&d.mu)

	cleanup := true
	defer func() {
		if cleanup {
			if d.wake >= 0 {
				_ = unix.Close(d.wake)
			}
			_ = unix.Close(fd)
		}
	}()

	var caps v4l2Capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
		return nil, fmt.Errorf("VIDIOC_QUERYCAP %s: %w", path, err)
	}
	c := caps.Capabilities
	if c&capDeviceCaps != 0 {
		c = caps.DeviceCaps
	}
	if c&capVideoCapture == 0 || c&capStreaming == 0 {
		return nil, fmt.Errorf("%s is not a streaming capture device: %w", path, acquire.ErrDeviceNotFound)
	}
	d.driver = cstring(caps.Driver[:])
	d.card = cstring(caps.Card[:])

	input := int32(device)
	if err := ioctl(fd, vidiocSInput, unsafe.Pointer(&input)); err != nil {
		return nil, openError(fmt.Sprintf("%s input %d", path, device), err)
	}
	if err := d.forceGrey(); err != nil {
		return nil, err
	}

	d.wake, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	cleanup = false
	return d, nil
}

// dev is one opened V4L2 node.
type dev struct {
	path   string
	input  int
	fd     int
	wake   int
	driver string
	card   string
	stride int
	log    zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	buffers   [][]byte
	armed     bool
	streaming bool
	cancelled bool
	closed    bool

	lastCorruptLog atomic.Int64
}

var (
	_ acquire.Device    = (*dev)(nil)
	_ acquire.Describer = (*dev)(nil)
	_ acquire.RingSizer = (*dev)(nil)
)

func (d *dev) Describe() string {
	return fmt.Sprintf("v4l2 %s input=%d driver=%s card=%q", d.path, d.input, d.driver, d.card)
}

func (d *dev) forceGrey() error {
	f := v4l2Format{Type: bufTypeVideoCapture}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("VIDIOC_G_FMT: %w", err)
	}
	p := f.pix()
	p.PixelFormat = pixFmtGrey
	p.Field = fieldNone
	p.BytesPerLine = 0
	p.SizeImage = 0
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("VIDIOC_S_FMT: %w", err)
	}
	if p.PixelFormat != pixFmtGrey {
		return ErrNoGrey
	}
	d.stride = int(p.BytesPerLine)
	if d.stride < int(p.Width) {
		d.stride = int(p.Width)
	}
	return nil
}

func (d *dev) LoadSettings(path string) error {
	controls, err := ReadControls(path)
	if err != nil {
		return err
	}
	for _, c := range controls {
		ctrl := v4l2Control{ID: c.ID, Value: c.Value}
		if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
			return fmt.Errorf("VIDIOC_S_CTRL %s=%d: %w", c.Name, c.Value, err)
		}
	}
	d.log.Debug().Str("settings", path).Int("controls", len(controls)).Msg("controls applied")
	return nil
}

func (d *dev) AllocateBuffers(count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffers != nil {
		return errors.New("v4l2: buffers already allocated")
	}

	req := v4l2RequestBuffers{Count: uint32(count), Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	if req.Count == 0 {
		return errors.New("v4l2: driver allocated no buffers")
	}
	if int(req.Count) != count {
		d.log.Warn().Int("requested", count).Uint32("granted", req.Count).Msg("driver adjusted buffer count")
	}

	buffers := make([][]byte, 0, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		b := v4l2Buffer{Index: i, Type: bufTypeVideoCapture, Memory: memoryMMAP}
		if err := ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			unmapAll(buffers)
			return fmt.Errorf("VIDIOC_QUERYBUF %d: %w", i, err)
		}
		mem, err := unix.Mmap(d.fd, int64(uint32(b.M)), int(b.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unmapAll(buffers)
			return fmt.Errorf("mmap buffer %d: %w", i, err)
		}
		buffers = append(buffers, mem)
	}
	d.buffers = buffers
	return nil
}

// BufferCount is the ring depth the driver granted.
func (d *dev) BufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func unmapAll(buffers [][]byte) error {
	var errs []error
	for _, b := range buffers {
		if err := unix.Munmap(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *dev) IntegerProperty(name string) (int64, error) {
	f := v4l2Format{Type: bufTypeVideoCapture}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return 0, fmt.Errorf("VIDIOC_G_FMT: %w", err)
	}
	switch name {
	case acquire.PropertyWidth:
		return int64(f.pix().Width), nil
	case acquire.PropertyHeight:
		return int64(f.pix().Height), nil
	default:
		return 0, fmt.Errorf("v4l2: unknown property %q", name)
	}
}

func (d *dev) EnableNotifications() error {
	d.mu.Lock()
	d.armed = true
	d.mu.Unlock()
	return nil
}

func (d *dev) queue(index uint32) error {
	b := v4l2Buffer{Index: index, Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", index, err)
	}
	return nil
}

func (d *dev) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffers == nil {
		return errors.New("v4l2: buffers are not allocated")
	}
	for i := range d.buffers {
		if err := d.queue(uint32(i)); err != nil {
			return err
		}
	}
	typ := int32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	d.streaming = true
	d.cond.Broadcast()
	return nil
}

// Stop turns the stream off. The driver reclaims every queued buffer.
func (d *dev) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming {
		return nil
	}
	d.streaming = false
	typ := int32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func (d *dev) CancelWait() {
	d.mu.Lock()
	d.cancelled = true
	wake := d.wake
	d.mu.Unlock()
	d.cond.Broadcast()

	// The counter is never read, so the eventfd stays readable.
	var one [8]byte
	one[0] = 1
	if wake >= 0 {
		_, _ = unix.Write(wake, one[:])
	}
}

func (d *dev) WaitBuffer() (acquire.Buffer, error) {
	for {
		d.mu.Lock()
		if !d.armed {
			d.mu.Unlock()
			return acquire.Buffer{}, ErrNotArmed
		}
		for !d.cancelled && !d.streaming {
			d.cond.Wait()
		}
		cancelled := d.cancelled
		d.mu.Unlock()
		if cancelled {
			return acquire.Buffer{}, acquire.ErrWaitCancelled
		}

		fds := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLIN},
			{Fd: int32(d.wake), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return acquire.Buffer{}, fmt.Errorf("poll %s: %w", d.path, err)
		}
		if fds[1].Revents != 0 {
			return acquire.Buffer{}, acquire.ErrWaitCancelled
		}
		if fds[0].Revents&unix.POLLERR != 0 {
			d.mu.Lock()
			streaming := d.streaming
			d.mu.Unlock()
			if !streaming {
				continue
			}
			return acquire.Buffer{}, fmt.Errorf("poll %s: device reported an error", d.path)
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		buf, ok, err := d.dequeue()
		if err != nil {
			return acquire.Buffer{}, err
		}
		if ok {
			return buf, nil
		}
	}
}

func (d *dev) dequeue() (acquire.Buffer, bool, error) {
	b := v4l2Buffer{Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return acquire.Buffer{}, false, nil
		}
		return acquire.Buffer{}, false, fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}

	if b.Flags&bufFlagError != 0 {
		if ratelimit.Allow(&d.lastCorruptLog, time.Second) {
			d.log.Warn().Uint32("index", b.Index).Uint32("seq", b.Sequence).Msg("driver flagged corrupted buffer, requeued")
		}
		return acquire.Buffer{}, false, d.queue(b.Index)
	}

	data := d.buffers[b.Index]
	if b.BytesUsed > 0 && int(b.BytesUsed) <= len(data) {
		data = data[:b.BytesUsed]
	}
	return acquire.Buffer{
		Index:        int(b.Index),
		Data:         data,
		Stride:       d.stride,
		Seq:          uint64(b.Sequence),
		Timestamp:    uint64(b.Timestamp.Sec)*1_000_000 + uint64(b.Timestamp.Usec),
		HasTimestamp: b.Flags&bufFlagTimestampMask != 0,
	}, true, nil
}

// ReturnBuffer re-queues a buffer. After Stop it is a no-op since
// STREAMOFF already reclaimed the queue.
func (d *dev) ReturnBuffer(buf acquire.Buffer) error {
	d.mu.Lock()
	streaming := d.streaming
	d.mu.Unlock()
	if !streaming {
		return nil
	}
	return d.queue(uint32(buf.Index))
}

func (d *dev) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cancelled = true
	buffers := d.buffers
	d.buffers = nil
	streaming := d.streaming
	d.streaming = false
	d.mu.Unlock()
	d.cond.Broadcast()

	var errs []error
	if streaming {
		typ := int32(bufTypeVideoCapture)
		if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
			errs = append(errs, fmt.Errorf("VIDIOC_STREAMOFF: %w", err))
		}
	}
	if err := unmapAll(buffers); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	if buffers != nil {
		req := v4l2RequestBuffers{Count: 0, Type: bufTypeVideoCapture, Memory: memoryMMAP}
		if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
			errs = append(errs, fmt.Errorf("VIDIOC_REQBUFS 0: %w", err))
		}
	}
	if d.wake >= 0 {
		errs = append(errs, unix.Close(d.wake))
	}
	errs = append(errs, unix.Close(d.fd))
	return errors.Join(errs...)
}
