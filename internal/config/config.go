package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/canview/internal/model"
)

const (
	DefaultCapacity   = 100
	DefaultPlotHeight = 100
)

type Config struct {
	DBPath       string        `yaml:"db_path"`
	LogLevel     string        `yaml:"log_level"`
	TickInterval time.Duration `yaml:"tick_interval"`
	MailboxSize  int           `yaml:"mailbox_size"`
	// RunHistoryTTL bounds how long finished runs stay in the store.
	RunHistoryTTL time.Duration `yaml:"run_history_ttl"`
	Capacity      model.Limits  `yaml:"capacity"`
	PlotHeight    model.Limits  `yaml:"plot_height"`
	// PlotWindow caps how many of the newest samples a plot row shows; 0 shows
	// the whole buffer.
	PlotWindow int `yaml:"plot_window"`
	// Settings seeds a session when the store holds no previously applied settings.
	Settings model.Settings `yaml:"settings"`
	// Simulate feeds the virtual bus with generated traffic when it is selected.
	Simulate bool `yaml:"simulate"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath(),
		LogLevel:      "info",
		TickInterval:  100 * time.Millisecond,
		MailboxSize:   1024,
		RunHistoryTTL: 30 * 24 * time.Hour,
		Capacity:      model.Limits{Min: 2, Max: 2500},
		PlotHeight:    model.Limits{Min: 10, Max: 1000},
		Settings: model.Settings{
			Capacity:   DefaultCapacity,
			PlotHeight: DefaultPlotHeight,
			Connection: model.Connection{
				Interface: model.InterfaceSocketCAN,
				Channel:   "can0",
				Bitrate:   500000,
			},
		},
	}
}

// LoadFile overlays the YAML document at path onto cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Capacity.Min < 2 || c.Capacity.Max < c.Capacity.Min {
		return fmt.Errorf("capacity limits %d..%d: %w", c.Capacity.Min, c.Capacity.Max, model.ErrInvalidCapacity)
	}
	if c.PlotHeight.Min < 1 || c.PlotHeight.Max < c.PlotHeight.Min {
		return fmt.Errorf("plot height limits %d..%d: %w", c.PlotHeight.Min, c.PlotHeight.Max, model.ErrInvalidHeight)
	}
	if c.PlotWindow < 0 {
		return errors.New("plot_window must not be negative")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if c.MailboxSize < 1 {
		return errors.New("mailbox_size must be at least 1")
	}
	return nil
}

func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "canview.db"
	}
	return filepath.Join(home, ".local", "state", "canview", "state.db")
}
