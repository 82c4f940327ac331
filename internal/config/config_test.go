package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/framegrab/acquire"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framegrab.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func loadManager(t *testing.T, file string) (*Manager, error) {
	t.Helper()
	m, err := NewManager(file, zerolog.Nop())
	require.NoError(t, err)
	return m, m.Load()
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	m, err := loadManager(t, "")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), m.Get())
	assert.Empty(t, m.ConfigFileUsed())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
[device]
backend = "v4l2"
card = 2
buffers = 4
copy_mode = "reuse"
stats_interval = "-1s"

[record]
path = "out.mkv"
codec = "rawvideo"
`)
	t.Setenv("FRAMEGRAB_DEVICE_BUFFERS", "6")
	t.Setenv("FRAMEGRAB_LOG_LEVEL", "debug")

	m, err := loadManager(t, path)
	require.NoError(t, err)
	cfg := m.Get()

	assert.Equal(t, BackendV4L2, cfg.Device.Backend)
	assert.Equal(t, 2, cfg.Device.Card)
	assert.Equal(t, 6, cfg.Device.Buffers)
	assert.Equal(t, "out.mkv", cfg.Record.Path)
	assert.Equal(t, CodecRawVideo, cfg.Record.Codec)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 640, cfg.Sim.Width, "untouched sections keep defaults")
	assert.Equal(t, path, m.ConfigFileUsed())

	opts, err := cfg.AcquireOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, opts.CardIndex)
	assert.Equal(t, 6, opts.BufferCount)
	assert.Equal(t, acquire.CopyReuse, opts.CopyMode)
	assert.Equal(t, -time.Second, opts.StatsInterval)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := loadManager(t, filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := loadManager(t, writeConfig(t, "[device\nbackend ="))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be valid TOML")
}

func TestValidationCollectsEveryViolation(t *testing.T) {
	path := writeConfig(t, `
[device]
backend = "usb"
buffers = 0
copy_mode = "share"
stats_interval = "soon"

[preview]
quality = 101

[logging]
format = "xml"
`)
	_, err := loadManager(t, path)
	require.Error(t, err)

	for _, want := range []string{
		"device.backend",
		"device.buffers",
		"device.copy_mode",
		"device.stats_interval",
		"preview.quality",
		"logging.format",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateV4L2PathPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Backend = BackendV4L2
	cfg.Device.PathPattern = "/dev/video0"
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path_pattern")

	cfg.Device.PathPattern = "/dev/video%d"
	assert.NoError(t, validateConfig(cfg))
}

func TestAcquireOptionsRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.StatsInterval = "often"
	_, err := cfg.AcquireOptions(nil)
	var cfgErr *acquire.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "StatsInterval", cfgErr.Field)

	cfg = DefaultConfig()
	cfg.Device.CopyMode = "share"
	_, err = cfg.AcquireOptions(nil)
	assert.Error(t, err)
}

func TestEncodeRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Record.Path = "/tmp/out.mkv"

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))
	assert.Contains(t, buf.String(), "[device]")
	assert.Regexp(t, `copy_mode = ['"]clone['"]`, buf.String())

	var back Config
	require.NoError(t, toml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, *cfg, back)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "[device]\nbuffers = 4\n")
	m, err := loadManager(t, path)
	require.NoError(t, err)

	updates := make(chan *Config, 4)
	m.OnConfigChange(func(_, updated *Config) {
		select {
		case updates <- updated:
		default:
		}
	})
	require.NoError(t, m.Watch())
	require.NoError(t, m.Watch(), "second Watch is a no-op")

	require.NoError(t, os.WriteFile(path, []byte("[device]\nbuffers = 7\n"), 0o600))

	// A truncating write may surface an empty file first.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Device.Buffers != 7 {
				continue
			}
			assert.Equal(t, 7, m.Get().Device.Buffers)
			return
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestWatchWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m, err := loadManager(t, "")
	require.NoError(t, err)
	assert.Error(t, m.Watch())
}

func TestChangedDeviceKeys(t *testing.T) {
	old := DefaultConfig()
	updated := DefaultConfig()
	assert.Empty(t, ChangedDeviceKeys(old, updated))

	updated.Device.Buffers = 3
	updated.Device.CopyMode = "reuse"
	updated.Record.Path = "out.mkv"
	assert.Equal(t, []string{"device.buffers", "device.copy_mode"}, ChangedDeviceKeys(old, updated))
	assert.Nil(t, ChangedDeviceKeys(nil, updated))
}
