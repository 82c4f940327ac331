package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Manager handles configuration loading, watching and reloading.
type Manager struct {
	viper    *viper.Viper
	explicit string
	log      zerolog.Logger

	mu        sync.RWMutex
	config    *Config
	callbacks []func(old, updated *Config)
	watching  bool
}

// NewManager prepares a manager. A non-empty file is read instead of
// searching $XDG_CONFIG_HOME/framegrab and the working directory.
func NewManager(file string, log zerolog.Logger) (*Manager, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("framegrab")
		dir, err := ConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine config directory: %w", err)
		}
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FRAMEGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("logging.level", "FRAMEGRAB_LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("failed to bind FRAMEGRAB_LOG_LEVEL: %w", err)
	}
	if err := v.BindEnv("logging.format", "FRAMEGRAB_LOG_FORMAT"); err != nil {
		return nil, fmt.Errorf("failed to bind FRAMEGRAB_LOG_FORMAT: %w", err)
	}

	return &Manager{
		viper:    v,
		explicit: file,
		log:      log.With().Str("component", "config").Logger(),
	}, nil
}

// ConfigDir is $XDG_CONFIG_HOME/framegrab or the platform equivalent.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "framegrab"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "framegrab"), nil
}

// Load reads the config file, if any, then environment overrides and
// defaults. A missing file is only an error when it was named explicitly.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setDefaults()
	if err := m.readConfigFile(); err != nil {
		return err
	}
	config, err := m.unmarshalConfig()
	if err != nil {
		return err
	}
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	m.config = config
	return nil
}

func (m *Manager) readConfigFile() error {
	if m.explicit != "" {
		if _, err := os.Stat(m.explicit); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", m.explicit)
		}
	}

	err := m.viper.ReadInConfig()
	if err == nil {
		m.log.Debug().Str("file", m.viper.ConfigFileUsed()).Msg("config file loaded")
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		m.log.Debug().Msg("no config file found, using defaults")
		return nil
	}
	file := m.viper.ConfigFileUsed()
	return fmt.Errorf("failed to read config file at %s: %w\nCheck the file format (must be valid TOML) and permissions", file, err)
}

func (m *Manager) unmarshalConfig() (*Config, error) {
	config := &Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file at %s: %w", m.viper.ConfigFileUsed(), err)
	}
	return config, nil
}

func (m *Manager) setDefaults() {
	d := DefaultConfig()
	v := m.viper

	v.SetDefault("device.backend", d.Device.Backend)
	v.SetDefault("device.card", d.Device.Card)
	v.SetDefault("device.device", d.Device.Device)
	v.SetDefault("device.buffers", d.Device.Buffers)
	v.SetDefault("device.settings_file", d.Device.SettingsFile)
	v.SetDefault("device.copy_mode", d.Device.CopyMode)
	v.SetDefault("device.stats_interval", d.Device.StatsInterval)
	v.SetDefault("device.path_pattern", d.Device.PathPattern)

	v.SetDefault("sim.width", d.Sim.Width)
	v.SetDefault("sim.height", d.Sim.Height)
	v.SetDefault("sim.fps", d.Sim.FPS)
	v.SetDefault("sim.cards", d.Sim.Cards)
	v.SetDefault("sim.devices", d.Sim.Devices)

	v.SetDefault("record.path", d.Record.Path)
	v.SetDefault("record.ffmpeg", d.Record.FFmpeg)
	v.SetDefault("record.codec", d.Record.Codec)
	v.SetDefault("record.fps", d.Record.FPS)
	v.SetDefault("record.queue", d.Record.Queue)

	v.SetDefault("preview.addr", d.Preview.Addr)
	v.SetDefault("preview.quality", d.Preview.Quality)

	v.SetDefault("inhibit.enabled", d.Inhibit.Enabled)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Get returns the loaded configuration. Callers must not modify it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ConfigFileUsed is the file Load read, or empty.
func (m *Manager) ConfigFileUsed() string {
	return m.viper.ConfigFileUsed()
}

// OnConfigChange registers a callback run after every successful reload.
func (m *Manager) OnConfigChange(callback func(old, updated *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Watch reloads the config file whenever it changes on disk. Invalid edits
// are logged and the previous configuration stays in effect.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching {
		return nil
	}
	if m.viper.ConfigFileUsed() == "" {
		return errors.New("no config file to watch")
	}

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.log.Debug().Str("op", e.Op.String()).Str("file", e.Name).Msg("fsnotify config change detected")
		m.reloadAndNotify()
	})
	m.viper.WatchConfig()
	m.watching = true
	return nil
}

func (m *Manager) reloadAndNotify() {
	m.mu.Lock()
	old := m.config
	config, err := m.reload()
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("failed to reload config")
		return
	}
	m.config = config
	callbacks := make([]func(old, updated *Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(old, config)
	}
}

// reload must be called with m.mu held for write.
func (m *Manager) reload() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, err
	}
	config, err := m.unmarshalConfig()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// ChangedDeviceKeys lists the device.* keys whose values differ between old
// and updated.
func ChangedDeviceKeys(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}
	a, b := old.Device, updated.Device
	var keys []string
	add := func(key string, changed bool) {
		if changed {
			keys = append(keys, "device."+key)
		}
	}
	add("backend", a.Backend != b.Backend)
	add("card", a.Card != b.Card)
	add("device", a.Device != b.Device)
	add("buffers", a.Buffers != b.Buffers)
	add("settings_file", a.SettingsFile != b.SettingsFile)
	add("copy_mode", a.CopyMode != b.CopyMode)
	add("stats_interval", a.StatsInterval != b.StatsInterval)
	add("path_pattern", a.PathPattern != b.PathPattern)
	return keys
}
