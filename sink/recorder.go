package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/acquire"
	"go2tv.app/framegrab/internal/processutil"
	"go2tv.app/framegrab/internal/ratelimit"
)

const (
	defaultRecorderFPS   = 30
	defaultRecorderQueue = 8
	defaultStopTimeout   = 5 * time.Second
)

type RecorderOptions struct {
	// Path is the output file; the container follows its extension.
	Path       string
	FFmpegPath string
	Codec      string
	FPS        int
	// QueueSize bounds frames waiting for ffmpeg. Older frames are dropped.
	QueueSize int
	// StopTimeout is how long ffmpeg may take to finalize before it is killed.
	StopTimeout time.Duration
	Logger      *zerolog.Logger
}

// Recorder encodes delivered frames with ffmpeg. The process starts on the
// first frame, whose geometry fixes the recording size.
type Recorder struct {
	opts RecorderOptions
	log  zerolog.Logger
	plan encoderPlan

	mu      sync.Mutex
	closed  bool
	started bool
	width   int
	height  int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	queue   *frameQueue
	exited  chan error
	stderr  *lockedBuffer

	closeOnce sync.Once
	done      chan struct{}
	err       error

	lastMismatchLog atomic.Int64
	mismatched      atomic.Uint64
}

func NewRecorder(options *RecorderOptions) (*Recorder, error) {
	if options == nil {
		return nil, errors.New("nil recorder options")
	}
	opts := *options
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("recorder output path is required")
	}
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		return nil, errors.New("ffmpeg path is required")
	}
	if opts.Codec == "" {
		opts.Codec = CodecFFV1
	}
	if opts.FPS <= 0 {
		opts.FPS = defaultRecorderFPS
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRecorderQueue
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("component", "recorder").Logger()

	plan, err := selectEncoder(opts.FFmpegPath, opts.Codec, log)
	if err != nil {
		return nil, err
	}
	log.Info().Str("encoder", plan.codec).Bool("lossless", plan.lossless).Str("path", opts.Path).Msg("recorder ready")

	return &Recorder{
		opts: opts,
		log:  log,
		plan: plan,
		done: make(chan struct{}),
	}, nil
}

// Encoder is the codec ffmpeg was asked to use.
func (r *Recorder) Encoder() string { return r.plan.codec }

// Done is closed once the recording is finalized.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Err is the recording error, valid after Done.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Dropped counts frames lost to a full queue or a geometry change.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	n := r.mismatched.Load()
	if q != nil {
		n += q.Dropped()
	}
	return n
}

func (r *Recorder) OnFrame(frame acquire.Frame) {
	if frame.Image == nil {
		return
	}
	w, h := frame.Width(), frame.Height()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if !r.started {
		if err := r.startLocked(w, h); err != nil {
			r.closed = true
			r.err = err
			r.log.Error().Err(err).Msg("recorder start failed")
			r.closeOnce.Do(func() { close(r.done) })
			return
		}
	}
	if w != r.width || h != r.height {
		total := r.mismatched.Add(1)
		if ratelimit.Allow(&r.lastMismatchLog, time.Second) {
			r.log.Warn().Int("width", w).Int("height", h).Uint64("total", total).Msg("frame geometry differs from recording, dropped")
		}
		return
	}
	r.queue.Enqueue(packGray(frame))
}

func (r *Recorder) OnError(err error) {
	r.log.Warn().Err(err).Msg("acquisition failed, finalizing recording")
	_ = r.Close()
}

func (r *Recorder) OnComplete() {
	_ = r.Close()
}

func (r *Recorder) startLocked(w, h int) error {
	args := ffmpegArgs(r.plan, w, h, r.opts.FPS, r.opts.Path)
	cmd := exec.Command(r.opts.FFmpegPath, args...)
	processutil.HideConsoleWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	r.stderr = &lockedBuffer{}
	cmd.Stderr = r.stderr
	r.log.Debug().Str("cmd", r.opts.FFmpegPath+" "+strings.Join(args, " ")).Msg("starting ffmpeg")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.exited = make(chan error, 1)
	go func() { r.exited <- cmd.Wait() }()
	r.queue = newFrameQueue(stdin, r.opts.QueueSize, r.log)
	r.width, r.height = w, h
	r.started = true
	r.log.Info().Int("width", w).Int("height", h).Int("pid", cmd.Process.Pid).Msg("recording started")
	return nil
}

// Close flushes queued frames, lets ffmpeg finalize the file and returns the
// recording error. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		started := r.started
		r.mu.Unlock()

		var err error
		if started {
			err = r.stop()
		}

		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
	return r.Err()
}

func (r *Recorder) stop() error {
	r.queue.Close()
	writeErr := r.queue.Err()
	var out error
	if err := r.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		out = errors.Join(out, err)
	}

	var waitErr error
	select {
	case waitErr = <-r.exited:
	case <-time.After(r.opts.StopTimeout):
		r.log.Warn().Dur("timeout", r.opts.StopTimeout).Msg("ffmpeg did not exit, killing")
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			out = errors.Join(out, err)
		}
		waitErr = <-r.exited
	}

	if waitErr != nil {
		out = errors.Join(out, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, r.stderr.Tail(300)))
	} else if writeErr != nil {
		out = errors.Join(out, fmt.Errorf("ffmpeg write: %w", writeErr))
	}

	r.log.Info().
		Uint64("written", r.queue.Written()).
		Uint64("dropped", r.queue.Dropped()+r.mismatched.Load()).
		Err(out).
		Msg("recording finished")
	return out
}

// packGray returns the frame's pixels as tightly packed rows.
func packGray(frame acquire.Frame) []byte {
	img := frame.Image
	w, h := frame.Width(), frame.Height()
	out := make([]byte, w*h)
	if img.Stride == w {
		copy(out, img.Pix[:w*h])
		return out
	}
	for y := 0; y < h; y++ {
		copy(out[y*w:(y+1)*w], img.Pix[y*img.Stride:y*img.Stride+w])
	}
	return out
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailString(strings.TrimSpace(b.buf.String()), n)
}
