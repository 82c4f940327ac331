package sink

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/acquire"
)

const defaultJPEGQuality = 80

type PreviewOptions struct {
	// Quality is the MJPEG quality, 1 to 100.
	Quality int
	// Stats, when set, is served as JSON on /stats.
	Stats  func() any
	Logger *zerolog.Logger
}

// Preview keeps the latest frame and serves it over HTTP:
//
//	/frame.png      latest frame
//	/stream.mjpeg   multipart JPEG stream until the acquisition ends
//	/stats          acquisition counters as JSON
type Preview struct {
	opts PreviewOptions
	log  zerolog.Logger
	mux  *http.ServeMux

	mu       sync.Mutex
	latest   acquire.Frame
	version  uint64
	jpeg     []byte
	jpegVer  uint64
	updated  chan struct{}
	finished bool
	lastErr  error
}

func NewPreview(options *PreviewOptions) *Preview {
	opts := PreviewOptions{}
	if options != nil {
		opts = *options
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = defaultJPEGQuality
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	p := &Preview{
		opts:    opts,
		log:     log.With().Str("component", "preview").Logger(),
		updated: make(chan struct{}),
	}
	p.mux = http.NewServeMux()
	p.mux.HandleFunc("GET /frame.png", p.serveFrame)
	p.mux.HandleFunc("GET /stream.mjpeg", p.serveStream)
	p.mux.HandleFunc("GET /stats", p.serveStats)
	return p
}

// OnFrame keeps a private copy so reused frame storage is never retained.
func (p *Preview) OnFrame(frame acquire.Frame) {
	if frame.Image == nil {
		return
	}
	clone := frame.Clone()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.latest = clone
	p.version++
	close(p.updated)
	p.updated = make(chan struct{})
}

func (p *Preview) OnError(err error) {
	p.finish(err)
}

func (p *Preview) OnComplete() {
	p.finish(nil)
}

func (p *Preview) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.lastErr = err
	close(p.updated)
}

func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	p.mux.ServeHTTP(rec, r)
	p.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Int64("bytes", rec.bytes).
		Dur("duration", time.Since(start)).
		Msg("preview request")
}

// snapshot returns the latest frame, its version and the channel closed on
// the next update.
func (p *Preview) snapshot() (acquire.Frame, uint64, <-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.version, p.updated, p.finished
}

func (p *Preview) serveFrame(w http.ResponseWriter, _ *http.Request) {
	frame, version, _, _ := p.snapshot()
	if version == 0 {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Image); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	_, _ = w.Write(buf.Bytes())
}

// encodedJPEG encodes each frame version once for all stream clients.
func (p *Preview) encodedJPEG(frame acquire.Frame, version uint64) ([]byte, error) {
	p.mu.Lock()
	if p.jpegVer == version && p.jpeg != nil {
		b := p.jpeg
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		return nil, err
	}
	b := buf.Bytes()

	p.mu.Lock()
	if version > p.jpegVer {
		p.jpeg, p.jpegVer = b, version
	}
	p.mu.Unlock()
	return b, nil
}

func (p *Preview) serveStream(w http.ResponseWriter, r *http.Request) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var sent uint64
	for {
		frame, version, updated, finished := p.snapshot()
		if version > sent {
			b, err := p.encodedJPEG(frame, version)
			if err != nil {
				p.log.Warn().Err(err).Msg("jpeg encode failed")
				return
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(b))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(b); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent = version
		}
		if finished {
			_ = mw.Close()
			return
		}
		select {
		case <-updated:
		case <-r.Context().Done():
			return
		}
	}
}

type previewStats struct {
	Frames   uint64 `json:"frames"`
	Finished bool   `json:"finished"`
	Error    string `json:"error,omitempty"`
	Stream   any    `json:"stream,omitempty"`
}

func (p *Preview) serveStats(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	out := previewStats{Frames: p.version, Finished: p.finished}
	if p.lastErr != nil {
		out.Error = p.lastErr.Error()
	}
	p.mu.Unlock()
	if p.opts.Stats != nil {
		out.Stream = p.opts.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		p.log.Debug().Err(err).Msg("stats encode failed")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
