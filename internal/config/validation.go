package config

import (
	"fmt"
	"strings"
	"time"

	"go2tv.app/framegrab/acquire"
	"go2tv.app/framegrab/internal/logging"
)

// validateConfig reports every invalid value in one error.
func validateConfig(config *Config) error {
	var validationErrors []string

	validationErrors = append(validationErrors, validateDevice(config)...)
	validationErrors = append(validationErrors, validateSim(config)...)
	validationErrors = append(validationErrors, validateRecord(config)...)
	validationErrors = append(validationErrors, validatePreview(config)...)
	validationErrors = append(validationErrors, validateLogging(config)...)

	if len(validationErrors) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(validationErrors, "\n  - "))
	}
	return nil
}

func validateDevice(config *Config) []string {
	var validationErrors []string
	d := config.Device
	switch d.Backend {
	case BackendSim, BackendV4L2:
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("device.backend must be %q or %q, got %q", BackendSim, BackendV4L2, d.Backend))
	}
	if d.Card < 0 {
		validationErrors = append(validationErrors, "device.card must be non-negative")
	}
	if d.Device < 0 {
		validationErrors = append(validationErrors, "device.device must be non-negative")
	}
	if d.Buffers < 1 {
		validationErrors = append(validationErrors, "device.buffers must be at least 1")
	}
	if _, err := acquire.ParseCopyMode(d.CopyMode); err != nil {
		validationErrors = append(validationErrors, fmt.Sprintf("device.copy_mode must be clone or reuse, got %q", d.CopyMode))
	}
	if _, err := time.ParseDuration(d.StatsInterval); err != nil {
		validationErrors = append(validationErrors, fmt.Sprintf("device.stats_interval: %v", err))
	}
	if d.Backend == BackendV4L2 && !strings.Contains(d.PathPattern, "%d") {
		validationErrors = append(validationErrors, "device.path_pattern must contain %d")
	}
	return validationErrors
}

func validateSim(config *Config) []string {
	var validationErrors []string
	s := config.Sim
	if s.Width < 1 || s.Height < 1 {
		validationErrors = append(validationErrors, "sim.width and sim.height must be positive")
	}
	if s.FPS < 0 || s.FPS > 1000 {
		validationErrors = append(validationErrors, "sim.fps must be between 0 and 1000")
	}
	if s.Cards < 1 || s.Devices < 1 {
		validationErrors = append(validationErrors, "sim.cards and sim.devices must be at least 1")
	}
	return validationErrors
}

func validateRecord(config *Config) []string {
	var validationErrors []string
	r := config.Record
	switch r.Codec {
	case CodecFFV1, CodecX264, CodecRawVideo:
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("record.codec must be one of %s, %s, %s", CodecFFV1, CodecX264, CodecRawVideo))
	}
	if r.FPS < 1 || r.FPS > 240 {
		validationErrors = append(validationErrors, "record.fps must be between 1 and 240")
	}
	if r.Queue < 1 {
		validationErrors = append(validationErrors, "record.queue must be at least 1")
	}
	if r.Path != "" && strings.TrimSpace(r.FFmpeg) == "" {
		validationErrors = append(validationErrors, "record.ffmpeg must be set when record.path is set")
	}
	return validationErrors
}

func validatePreview(config *Config) []string {
	if q := config.Preview.Quality; q < 1 || q > 100 {
		return []string{"preview.quality must be between 1 and 100"}
	}
	return nil
}

func validateLogging(config *Config) []string {
	var validationErrors []string
	if _, err := logging.ParseLevel(config.Logging.Level); err != nil {
		validationErrors = append(validationErrors, "logging.level: "+err.Error())
	}
	switch config.Logging.Format {
	case "json", "console":
	default:
		validationErrors = append(validationErrors, "logging.format must be json or console")
	}
	return validationErrors
}
