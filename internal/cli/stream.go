package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go2tv.app/framegrab/acquire"
	"go2tv.app/framegrab/internal/config"
	"go2tv.app/framegrab/internal/inhibit"
	"go2tv.app/framegrab/internal/logging"
	"go2tv.app/framegrab/internal/simgrab"
	"go2tv.app/framegrab/internal/v4l2"
	"go2tv.app/framegrab/sink"
)

const serverShutdownTimeout = 2 * time.Second

type streamFlags struct {
	backend  string
	card     int
	device   int
	buffers  int
	copyMode string
	record   string
	preview  string
	frames   uint64
	duration time.Duration
	shared   bool
	watch    bool
}

func newStreamCmd(app *App) *cobra.Command {
	var f streamFlags
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Acquire frames until interrupted",
		Long: `Open the configured grabber and stream frames to the recorder and the
HTTP preview until SIGINT or SIGTERM, --frames or --duration.

Examples:
  framegrab stream --record out.mkv
  framegrab stream --backend v4l2 --card 1 --preview 127.0.0.1:8080
  framegrab stream --frames 300 --record out.nut`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := applyStreamFlags(cmd, *app.Config.Get(), f)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithContext(ctx, app.Log)

			if f.watch && app.Config.ConfigFileUsed() != "" {
				watchConfig(app)
			}
			return runStream(ctx, &cfg, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.backend, "backend", "", "grabber backend: sim or v4l2 (default from config)")
	fl.IntVar(&f.card, "card", 0, "card index")
	fl.IntVar(&f.device, "device", 0, "device index on the card")
	fl.IntVar(&f.buffers, "buffers", 0, "ring buffer count")
	fl.StringVar(&f.copyMode, "copy-mode", "", "clone or reuse")
	fl.StringVar(&f.record, "record", "", "record to this file with ffmpeg")
	fl.StringVar(&f.preview, "preview", "", "serve the HTTP preview on this address")
	fl.Uint64Var(&f.frames, "frames", 0, "stop after this many delivered frames")
	fl.DurationVar(&f.duration, "duration", 0, "stop after this long")
	fl.BoolVar(&f.shared, "shared", false, "attach each output as its own subscriber of one shared acquisition")
	fl.BoolVar(&f.watch, "watch", true, "watch the config file and report changes")
	return cmd
}

// watchConfig reports device setting edits made while streaming. They take
// effect on the next acquisition.
func watchConfig(app *App) {
	log := app.Log
	app.Config.OnConfigChange(func(old, updated *config.Config) {
		if keys := config.ChangedDeviceKeys(old, updated); len(keys) > 0 {
			log.Info().Strs("keys", keys).Msg("device settings changed, applied on the next acquisition")
		}
	})
	if err := app.Config.Watch(); err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	}
}

func applyStreamFlags(cmd *cobra.Command, cfg config.Config, f streamFlags) config.Config {
	fl := cmd.Flags()
	if fl.Changed("backend") {
		cfg.Device.Backend = f.backend
	}
	if fl.Changed("card") {
		cfg.Device.Card = f.card
	}
	if fl.Changed("device") {
		cfg.Device.Device = f.device
	}
	if fl.Changed("buffers") {
		cfg.Device.Buffers = f.buffers
	}
	if fl.Changed("copy-mode") {
		cfg.Device.CopyMode = f.copyMode
	}
	if fl.Changed("record") {
		cfg.Record.Path = f.record
	}
	if fl.Changed("preview") {
		cfg.Preview.Addr = f.preview
	}
	return cfg
}

func newBackend(cfg *config.Config, log *zerolog.Logger) (acquire.Backend, error) {
	switch cfg.Device.Backend {
	case config.BackendSim:
		return simgrab.New(simgrab.Config{
			Cards:   cfg.Sim.Cards,
			Devices: cfg.Sim.Devices,
			Width:   cfg.Sim.Width,
			Height:  cfg.Sim.Height,
			FPS:     cfg.Sim.FPS,
			Logger:  log,
		}), nil
	case config.BackendV4L2:
		return v4l2.New(&v4l2.Options{
			PathPattern: cfg.Device.PathPattern,
			Logger:      log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Device.Backend)
	}
}

func runStream(ctx context.Context, cfg *config.Config, f streamFlags) (err error) {
	log := logging.FromContext(ctx)
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := newBackend(cfg, log)
	if err != nil {
		return err
	}
	opts, err := cfg.AcquireOptions(log)
	if err != nil {
		return err
	}

	if cfg.Inhibit.Enabled {
		inh := inhibit.New(ctx)
		defer func() { _ = inh.Close() }()
		reason := fmt.Sprintf("framegrab acquiring card %d device %d", cfg.Device.Card, cfg.Device.Device)
		if err := inh.Inhibit(reason); err != nil {
			log.Warn().Err(err).Msg("continuing without idle inhibition")
		}
	}

	watch := newRunWatch(f.frames, cancel)
	outputs := []acquire.FrameSink{watch.sink()}

	if cfg.Record.Path != "" {
		rec, recErr := sink.NewRecorder(&sink.RecorderOptions{
			Path:       cfg.Record.Path,
			FFmpegPath: cfg.Record.FFmpeg,
			Codec:      cfg.Record.Codec,
			FPS:        cfg.Record.FPS,
			QueueSize:  cfg.Record.Queue,
			Logger:     log,
		})
		if recErr != nil {
			return fmt.Errorf("recorder: %w", recErr)
		}
		defer func() {
			if cerr := rec.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("recorder: %w", cerr)
			}
		}()
		outputs = append(outputs, rec)
	}

	var (
		statsMu sync.Mutex
		current *acquire.Stream
	)
	stats := func() any {
		statsMu.Lock()
		defer statsMu.Unlock()
		if current == nil {
			return nil
		}
		return current.Stats()
	}

	var preview *sink.Preview
	if cfg.Preview.Addr != "" {
		preview = sink.NewPreview(&sink.PreviewOptions{
			Quality: cfg.Preview.Quality,
			Stats:   stats,
			Logger:  log,
		})
		outputs = append(outputs, preview)
	}

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})

	if f.shared {
		shared := acquire.NewShared(backend, opts)
		for _, out := range outputs {
			if _, subErr := shared.Subscribe(out); subErr != nil {
				_ = shared.Close()
				return subErr
			}
		}
		if s, ok := shared.Stream(); ok {
			statsMu.Lock()
			current = s
			statsMu.Unlock()
		}
		g.Go(func() error {
			defer close(runDone)
			select {
			case <-gctx.Done():
			case <-watch.done:
			}
			_ = shared.Close()
			return watch.Err()
		})
	} else {
		stream := acquire.NewStream(backend, sink.Tee(outputs...), opts)
		statsMu.Lock()
		current = stream
		statsMu.Unlock()
		g.Go(func() error {
			defer close(runDone)
			return stream.Run(gctx)
		})
	}

	if preview != nil {
		srv := &http.Server{
			Addr:              cfg.Preview.Addr,
			Handler:           preview,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("preview listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("preview server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-runDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Uint64("frames", watch.frames.Load()).Msg("acquisition ended")
	return err
}

// runWatch counts delivered frames, cancels the run at the frame limit and
// remembers the terminal error.
type runWatch struct {
	limit  uint64
	cancel context.CancelFunc
	frames atomic.Uint64

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newRunWatch(limit uint64, cancel context.CancelFunc) *runWatch {
	return &runWatch{limit: limit, cancel: cancel, done: make(chan struct{})}
}

func (w *runWatch) sink() acquire.FrameSink {
	return sink.Funcs{
		Frame: func(acquire.Frame) {
			if n := w.frames.Add(1); w.limit > 0 && n == w.limit {
				w.cancel()
			}
		},
		Error: func(err error) {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.terminate()
		},
		Complete: w.terminate,
	}
}

func (w *runWatch) terminate() {
	w.once.Do(func() { close(w.done) })
}

func (w *runWatch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
