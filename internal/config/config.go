package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

var envReplacer = strings.NewReplacer(".", "_")

type Config struct {
	LogLevel string      `json:"log_level" mapstructure:"log_level"` // "debug", "info", "warn", "error"
	Audio    AudioConfig `json:"audio" mapstructure:"audio"`

	path string
}

type AudioConfig struct {
	DeviceID   string `json:"device_id" mapstructure:"device_id"`
	SampleRate int    `json:"sample_rate" mapstructure:"sample_rate"`
	Channels   int    `json:"channels" mapstructure:"channels"`
	BufferSize int    `json:"buffer_size" mapstructure:"buffer_size"` // frames per callback, 0 = default
	QueueSize  int    `json:"queue_size" mapstructure:"queue_size"`   // chunks held for a slow reader
	ObjectMode bool   `json:"object_mode" mapstructure:"object_mode"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			DeviceID:   "",
			SampleRate: 48000,
			Channels:   1,
			BufferSize: 4096,
			QueueSize:  64,
			ObjectMode: false,
		},
	}
}

// Load reads the config from path (or the platform default when empty).
// Values can be overridden with MICSTREAM_* environment variables, e.g.
// MICSTREAM_AUDIO_DEVICE_ID.
func Load(path string) (*Config, error) {
	if path == "" {
		path = configPath()
	}
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("MICSTREAM")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	// Defaults have to be registered for AutomaticEnv to see nested keys
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("audio.device_id", cfg.Audio.DeviceID)
	v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	v.SetDefault("audio.channels", cfg.Audio.Channels)
	v.SetDefault("audio.buffer_size", cfg.Audio.BufferSize)
	v.SetDefault("audio.queue_size", cfg.Audio.QueueSize)
	v.SetDefault("audio.object_mode", cfg.Audio.ObjectMode)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.path = path

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file the config was loaded from
func (c *Config) Path() string {
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "micstream", "config.json")
}
