// Package simgrab is an in-process frame grabber. It keeps a real ring of
// device-owned buffers and a ready queue so the acquisition core can run,
// and be tested, without hardware.
package simgrab

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/acquire"
	"go2tv.app/framegrab/internal/ratelimit"
)

const (
	defaultWidth  = 640
	defaultHeight = 480
)

var (
	ErrNotAllocated        = errors.New("simgrab: buffers are not allocated")
	ErrNotifyDisabled      = errors.New("simgrab: notifications are not enabled")
	ErrUnknownProperty     = errors.New("simgrab: unknown property")
	ErrBufferNotCheckedOut = errors.New("simgrab: buffer is not checked out")
)

// Config describes the simulated hardware.
type Config struct {
	Cards   int
	Devices int
	Width   int
	Height  int
	// Stride pads each row to this many bytes when larger than Width.
	Stride int
	// FPS drives a producer goroutine while streaming. Zero means frames
	// are only produced by Trigger.
	FPS int
	// MaxBuffers caps the ring like a driver limit. Zero means no cap.
	MaxBuffers int
	Logger     *zerolog.Logger
}

// Faults injects errors into device operations. A nil field means success.
type Faults struct {
	Open         error
	LoadSettings error
	Alloc        error
	Enable       error
	Start        error
	Stop         error
	Return       error
	Close        error
}

type deviceKey struct {
	card   int
	device int
}

// Backend is an acquire.Backend over simulated cards.
type Backend struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	open   map[deviceKey]*Device
	last   *Device
	faults Faults
	opens  int
}

var _ acquire.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.Cards <= 0 {
		cfg.Cards = 1
	}
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "simgrab").Logger()
	}
	return &Backend{
		cfg:  cfg,
		log:  log,
		open: make(map[deviceKey]*Device),
	}
}

// SetFaults applies to devices opened afterwards.
func (b *Backend) SetFaults(f Faults) {
	b.mu.Lock()
	b.faults = f
	b.mu.Unlock()
}

// Opens counts Open calls, successful or not.
func (b *Backend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Last returns the most recently opened device.
func (b *Backend) Last() *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Opened returns the device currently open at (card, device).
func (b *Backend) Opened(card, device int) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.open[deviceKey{card, device}]
	return d, ok
}

func (b *Backend) Open(card, device int) (acquire.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++

	if b.faults.Open != nil {
		return nil, b.faults.Open
	}
	if card < 0 || card >= b.cfg.Cards || device < 0 || device >= b.cfg.Devices {
		return nil, fmt.Errorf("%w: card %d device %d", acquire.ErrDeviceNotFound, card, device)
	}
	key := deviceKey{card, device}
	if _, busy := b.open[key]; busy {
		return nil, fmt.Errorf("%w: card %d device %d", acquire.ErrDeviceBusy, card, device)
	}

	d := &Device{
		backend: b,
		key:     key,
		fps:     b.cfg.FPS,
		stride:  b.cfg.Stride,
		maxBufs: b.cfg.MaxBuffers,
		faults:  b.faults,
		log:     b.log.With().Int("card", card).Int("device", device).Logger(),
		props: map[string]int64{
			acquire.PropertyWidth:  int64(b.cfg.Width),
			acquire.PropertyHeight: int64(b.cfg.Height),
		},
		out: make(map[int]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	b.open[key] = d
	b.last = d
	return d, nil
}

func (b *Backend) release(key deviceKey, d *Device) {
	b.mu.Lock()
	if b.open[key] == d {
		delete(b.open, key)
	}
	b.mu.Unlock()
}

// Device is one simulated camera. It is safe for the controlling goroutine,
// the polling goroutine and test code to use concurrently.
type Device struct {
	backend *Backend
	key     deviceKey
	fps     int
	stride  int
	maxBufs int
	faults  Faults
	log     zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	props     map[string]int64
	ring      [][]byte
	free      []int
	ready     []acquire.Buffer
	out       map[int]bool
	notify    bool
	streaming bool
	cancelled bool
	closed    bool
	seq       uint64
	epoch     time.Time

	producerStop chan struct{}
	producerDone chan struct{}

	produced       atomic.Uint64
	overruns       atomic.Uint64
	returned       atomic.Uint64
	lastOverrunLog atomic.Int64
}

var (
	_ acquire.Device    = (*Device)(nil)
	_ acquire.Describer = (*Device)(nil)
	_ acquire.RingSizer = (*Device)(nil)
)

func (d *Device) Describe() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("simgrab card=%d device=%d %dx%d fps=%d",
		d.key.card, d.key.device, d.props[acquire.PropertyWidth], d.props[acquire.PropertyHeight], d.fps)
}

// LoadSettings reads Key=Value lines into integer properties. Blank lines
// and lines starting with '#' are skipped.
func (d *Device) LoadSettings(path string) error {
	if d.faults.LoadSettings != nil {
		return d.faults.LoadSettings
	}
	settings, err := ReadSettings(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ring != nil {
		return errors.New("simgrab: settings must be loaded before buffers are allocated")
	}
	for k, v := range settings {
		d.props[k] = v
	}
	d.log.Debug().Str("path", path).Int("entries", len(settings)).Msg("settings loaded")
	return nil
}

// ReadSettings parses a Key=Value settings file.
func ReadSettings(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]int64)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%s:%d: expected Key=Value", path, line)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %s: %w", path, line, key, err)
		}
		out[key] = n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Device) AllocateBuffers(count int) error {
	if d.faults.Alloc != nil {
		return d.faults.Alloc
	}
	if count < 1 {
		return fmt.Errorf("simgrab: buffer count %d", count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ring != nil {
		return errors.New("simgrab: buffers already allocated")
	}
	width := int(d.props[acquire.PropertyWidth])
	height := int(d.props[acquire.PropertyHeight])
	if width <= 0 || height <= 0 {
		return fmt.Errorf("simgrab: invalid geometry %dx%d", width, height)
	}
	if d.stride < width {
		d.stride = width
	}
	if d.maxBufs > 0 && count > d.maxBufs {
		count = d.maxBufs
	}
	d.ring = make([][]byte, count)
	d.free = make([]int, 0, count)
	for i := range d.ring {
		d.ring[i] = make([]byte, d.stride*height)
		d.free = append(d.free, i)
	}
	return nil
}

func (d *Device) IntegerProperty(name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.props[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	return v, nil
}

func (d *Device) EnableNotifications() error {
	if d.faults.Enable != nil {
		return d.faults.Enable
	}
	d.mu.Lock()
	d.notify = true
	d.mu.Unlock()
	return nil
}

// WaitBuffer blocks until a produced buffer is queued or CancelWait latches.
func (d *Device) WaitBuffer() (acquire.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.notify {
		return acquire.Buffer{}, ErrNotifyDisabled
	}
	for !d.cancelled && len(d.ready) == 0 {
		d.cond.Wait()
	}
	if d.cancelled {
		return acquire.Buffer{}, acquire.ErrWaitCancelled
	}
	buf := d.ready[0]
	d.ready = d.ready[1:]
	return buf, nil
}

func (d *Device) CancelWait() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

func (d *Device) Start() error {
	if d.faults.Start != nil {
		return d.faults.Start
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ring == nil {
		return ErrNotAllocated
	}
	if d.streaming {
		return nil
	}
	d.streaming = true
	d.epoch = time.Now()

	if d.fps > 0 {
		d.producerStop = make(chan struct{})
		d.producerDone = make(chan struct{})
		go d.produceLoop(time.Second/time.Duration(d.fps), d.producerStop, d.producerDone)
	}
	d.log.Debug().Int("buffers", len(d.ring)).Int("fps", d.fps).Msg("simulated streaming started")
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	d.streaming = false
	stop, done := d.producerStop, d.producerDone
	d.producerStop, d.producerDone = nil, nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if d.faults.Stop != nil {
		return d.faults.Stop
	}
	return nil
}

func (d *Device) ReturnBuffer(buf acquire.Buffer) error {
	d.mu.Lock()
	if !d.out[buf.Index] {
		d.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrBufferNotCheckedOut, buf.Index)
	}
	delete(d.out, buf.Index)
	d.free = append(d.free, buf.Index)
	d.mu.Unlock()

	d.returned.Add(1)
	return d.faults.Return
}

// Close stops production, frees the ring and releases the (card, device)
// slot. Calling it again is a no-op.
func (d *Device) Close() error {
	_ = d.Stop()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cancelled = true
	// Ready buffers were never handed out.
	for _, b := range d.ready {
		delete(d.out, b.Index)
	}
	d.ring = nil
	d.free = nil
	d.ready = nil
	d.mu.Unlock()
	d.cond.Broadcast()

	d.backend.release(d.key, d)
	return d.faults.Close
}

// Trigger produces up to n frames immediately and reports how many found a
// free buffer.
func (d *Device) Trigger(n int) int {
	got := 0
	for i := 0; i < n; i++ {
		if d.produce() {
			got++
		}
	}
	return got
}

func (d *Device) produceLoop(period time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			d.produce()
		}
	}
}

// produce fills a free buffer with a test pattern and queues it ready. With
// no free buffer the frame is lost the way a real grabber overruns.
func (d *Device) produce() bool {
	d.mu.Lock()
	if !d.streaming || d.closed {
		d.mu.Unlock()
		return false
	}
	d.seq++
	seq := d.seq
	if len(d.free) == 0 {
		d.mu.Unlock()
		total := d.overruns.Add(1)
		if ratelimit.Allow(&d.lastOverrunLog, time.Second) {
			d.log.Warn().Uint64("seq", seq).Uint64("overruns_total", total).Msg("simulated ring overrun")
		}
		return false
	}

	idx := d.free[0]
	d.free = d.free[1:]
	data := d.ring[idx]
	width := int(d.props[acquire.PropertyWidth])
	height := int(d.props[acquire.PropertyHeight])
	fillPattern(data, width, height, d.stride, seq)

	d.out[idx] = true
	d.ready = append(d.ready, acquire.Buffer{
		Index:        idx,
		Data:         data,
		Stride:       d.stride,
		Seq:          seq,
		Timestamp:    uint64(time.Since(d.epoch).Microseconds()),
		HasTimestamp: true,
	})
	d.mu.Unlock()

	d.produced.Add(1)
	d.cond.Broadcast()
	return true
}

// fillPattern writes a diagonal ramp offset by seq so frames differ.
func fillPattern(data []byte, width, height, stride int, seq uint64) {
	for y := 0; y < height; y++ {
		row := data[y*stride : y*stride+width]
		for x := range row {
			row[x] = byte(uint64(x+y) + seq)
		}
	}
}

// PatternAt is the pixel value produced at (x, y) for sequence seq.
func PatternAt(x, y int, seq uint64) byte {
	return byte(uint64(x+y) + seq)
}

// Outstanding counts buffers checked out and not yet returned, including
// queued ready buffers.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.out)
}

func (d *Device) BufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}

func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Produced() uint64 { return d.produced.Load() }
func (d *Device) Overruns() uint64 { return d.overruns.Load() }
func (d *Device) Returned() uint64 { return d.returned.Load() }
