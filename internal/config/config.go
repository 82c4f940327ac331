// Package config loads framegrab settings from framegrab.toml, FRAMEGRAB_*
// environment variables and defaults.
package config

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"go2tv.app/framegrab/acquire"
)

const (
	BackendSim  = "sim"
	BackendV4L2 = "v4l2"

	CodecFFV1     = "ffv1"
	CodecX264     = "libx264"
	CodecRawVideo = "rawvideo"
)

// Config represents the complete framegrab configuration.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device" toml:"device"`
	Sim     SimConfig     `mapstructure:"sim" toml:"sim"`
	Record  RecordConfig  `mapstructure:"record" toml:"record"`
	Preview PreviewConfig `mapstructure:"preview" toml:"preview"`
	Inhibit InhibitConfig `mapstructure:"inhibit" toml:"inhibit"`
	Logging LoggingConfig `mapstructure:"logging" toml:"logging"`
}

// DeviceConfig selects the grabber. It is read once per acquisition.
type DeviceConfig struct {
	Backend      string `mapstructure:"backend" toml:"backend"`
	Card         int    `mapstructure:"card" toml:"card"`
	Device       int    `mapstructure:"device" toml:"device"`
	Buffers      int    `mapstructure:"buffers" toml:"buffers"`
	SettingsFile string `mapstructure:"settings_file" toml:"settings_file"`
	CopyMode     string `mapstructure:"copy_mode" toml:"copy_mode"`
	// StatsInterval is a Go duration; "0s" uses the default, "-1s" disables.
	StatsInterval string `mapstructure:"stats_interval" toml:"stats_interval"`
	// PathPattern maps a card index to a V4L2 node.
	PathPattern string `mapstructure:"path_pattern" toml:"path_pattern"`
}

// SimConfig shapes the simulated grabber.
type SimConfig struct {
	Width   int `mapstructure:"width" toml:"width"`
	Height  int `mapstructure:"height" toml:"height"`
	FPS     int `mapstructure:"fps" toml:"fps"`
	Cards   int `mapstructure:"cards" toml:"cards"`
	Devices int `mapstructure:"devices" toml:"devices"`
}

// RecordConfig drives the ffmpeg recorder. An empty Path disables it.
type RecordConfig struct {
	Path   string `mapstructure:"path" toml:"path"`
	FFmpeg string `mapstructure:"ffmpeg" toml:"ffmpeg"`
	Codec  string `mapstructure:"codec" toml:"codec"`
	FPS    int    `mapstructure:"fps" toml:"fps"`
	Queue  int    `mapstructure:"queue" toml:"queue"`
}

// PreviewConfig serves frames over HTTP. An empty Addr disables it.
type PreviewConfig struct {
	Addr    string `mapstructure:"addr" toml:"addr"`
	Quality int    `mapstructure:"quality" toml:"quality"`
}

type InhibitConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:       BackendSim,
			Buffers:       acquire.DefaultBufferCount,
			CopyMode:      acquire.CopyClone.String(),
			StatsInterval: acquire.DefaultStatsInterval.String(),
			PathPattern:   "/dev/video%d",
		},
		Sim: SimConfig{
			Width:   640,
			Height:  480,
			FPS:     30,
			Cards:   1,
			Devices: 1,
		},
		Record: RecordConfig{
			FFmpeg: "ffmpeg",
			Codec:  CodecFFV1,
			FPS:    30,
			Queue:  8,
		},
		Preview: PreviewConfig{
			Quality: 80,
		},
		Inhibit: InhibitConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// AcquireOptions maps the device section onto acquire.Options.
func (c *Config) AcquireOptions(log *zerolog.Logger) (*acquire.Options, error) {
	mode, err := acquire.ParseCopyMode(c.Device.CopyMode)
	if err != nil {
		return nil, err
	}
	interval, err := time.ParseDuration(c.Device.StatsInterval)
	if err != nil {
		return nil, &acquire.ConfigurationError{Field: "StatsInterval", Reason: err.Error()}
	}
	return &acquire.Options{
		CardIndex:        c.Device.Card,
		DeviceIndex:      c.Device.Device,
		BufferCount:      c.Device.Buffers,
		SettingsFilePath: c.Device.SettingsFile,
		CopyMode:         mode,
		StatsInterval:    interval,
		Logger:           log,
	}, nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
