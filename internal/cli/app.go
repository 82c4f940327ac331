// Package cli implements the framegrab command line.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/framegrab/internal/config"
	"go2tv.app/framegrab/internal/logging"
)

// App carries what every subcommand needs once flags are parsed.
type App struct {
	Version string
	Config  *config.Manager
	Log     zerolog.Logger
}

func (a *App) init(configFile, logLevel string, out io.Writer) error {
	mgr, err := config.NewManager(configFile, logging.NewFromEnv())
	if err != nil {
		return err
	}
	if err := mgr.Load(); err != nil {
		return err
	}
	cfg := mgr.Get()

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}

	a.Config = mgr
	a.Log = logging.New(logging.Config{
		Level:      level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.RFC3339,
		Output:     out,
	})
	return nil
}
