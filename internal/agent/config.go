// Package agent implements the remote collector runtime: it reads calendar
// data on the machine it runs on, feeds snapshots to the hub over the agent
// protocol, and applies updates the hub queues for it.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veldra/calhub/internal/model"
)

type Config struct {
	ServerURL       string   `toml:"server_url"`
	Name            string   `toml:"name"`
	Environment     string   `toml:"environment"`
	Capabilities    []string `toml:"capabilities"`
	IntervalSeconds int      `toml:"interval_seconds"`
	WindowDays      int      `toml:"window_days"`
	StateFile       string   `toml:"state_file"`

	Collector CollectorConfig `toml:"collector"`
}

type CollectorConfig struct {
	// Kind selects the collector implementation. Only "ics" ships today.
	Kind string `toml:"kind"`
	// Dir is the directory of exported .ics files the ics collector reads.
	Dir string `toml:"dir"`
	// Provider is the kind stamped on collected events.
	Provider     string `toml:"provider"`
	CalendarID   string `toml:"calendar_id"`
	CalendarName string `toml:"calendar_name"`
}

// LoadConfig reads a TOML config, trying the path as given and then under
// ~/.config/calhub/ for bare filenames.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if filepath.IsAbs(path) || filepath.Dir(path) != "." {
			return nil, fmt.Errorf("read config: %w", err)
		}
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data, err = os.ReadFile(filepath.Join(home, ".config", "calhub", path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = runtime.GOOS
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 300
	}
	if c.WindowDays <= 0 {
		c.WindowDays = model.DefaultWindowDays
	}
	if c.StateFile == "" {
		c.StateFile = "calhub-agent-state.json"
	}
	if c.Collector.Kind == "" {
		c.Collector.Kind = "ics"
	}
	if c.Collector.Provider == "" {
		c.Collector.Provider = string(model.ProviderICS)
	}
	if c.Collector.CalendarID == "" {
		c.Collector.CalendarID = "local"
	}
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if !model.ProviderKind(c.Collector.Provider).Valid() {
		return fmt.Errorf("config: unknown collector provider %q", c.Collector.Provider)
	}
	if c.Collector.Kind == "ics" && c.Collector.Dir == "" {
		return fmt.Errorf("config: collector.dir is required for the ics collector")
	}
	return nil
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
