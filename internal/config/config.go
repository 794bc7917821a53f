// Package config loads the project file vg.toml and applies VGAUTO_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/distributed"
	"github.com/danielpatrickdp/graph-automaton/internal/logging"
	"github.com/danielpatrickdp/graph-automaton/internal/resolver"
)

// FileName is the project file looked up in the project root.
const FileName = "vg.toml"

// Environment overrides.
const (
	EnvMaxTicks      = "VGAUTO_MAX_TICKS"
	EnvHistoryWindow = "VGAUTO_HISTORY_WINDOW"
	EnvConcurrency   = "VGAUTO_CONCURRENCY"
)

// Run presets selectable with [automaton] preset.
const (
	PresetDefault  = "default"
	PresetFast     = "fast"
	PresetThorough = "thorough"
)

// #region types
// Config is the resolved project configuration.
type Config struct {
	Graph       string // scanner output, relative to the project root
	Description string // automaton description file, optional

	Automaton   automaton.Config
	Distributed distributed.Config
	Resolvers   []resolver.Endpoint
	// ResolversFromEnv is set when no [[resolvers]] table was given and
	// VIBE_GRAPH_LLM_API_URLS was.
	ResolversFromEnv bool
	Log              logging.Config
}

type fileConfig struct {
	Project struct {
		Graph       string `toml:"graph"`
		Description string `toml:"description"`
	} `toml:"project"`
	Automaton struct {
		Preset             string  `toml:"preset"`
		MaxTicks           int     `toml:"max_ticks"`
		HistoryWindow      int     `toml:"history_window"`
		StabilityThreshold float64 `toml:"stability_threshold"`
		ConsecutiveStable  int     `toml:"consecutive_stable"`
		MinTicks           int     `toml:"min_ticks"`
	} `toml:"automaton"`
	Distributed struct {
		Concurrency   int    `toml:"concurrency"`
		TaskTimeout   string `toml:"task_timeout"`
		TaskTimeoutMS int64  `toml:"task_timeout_ms"`
		MaxAttempts   int    `toml:"max_attempts"`
	} `toml:"distributed"`
	Resolvers []resolver.Endpoint `toml:"resolvers"`
	Log       struct {
		Level   string `toml:"level"`
		JSON    bool   `toml:"json"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`
}

// #endregion types

// #region defaults
// Default returns the configuration used when no project file exists.
func Default() Config {
	return Config{
		Graph:       "graph.json",
		Automaton:   automaton.DefaultConfig(),
		Distributed: distributed.DefaultConfig(),
		Log:         logging.DefaultConfig(),
	}
}

// Preset returns the automaton bounds for a preset name.
func Preset(name string) (automaton.Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetDefault:
		return automaton.DefaultConfig(), nil
	case PresetFast:
		return automaton.FastConfig(), nil
	case PresetThorough:
		return automaton.ThoroughConfig(), nil
	}
	return automaton.Config{}, fmt.Errorf("unknown preset %q", name)
}

// #endregion defaults

// #region load
// Load reads path, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := loadToml(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when path does not exist.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := ApplyEnv(&cfg); err != nil {
			return Config{}, err
		}
		return cfg, cfg.Validate()
	}
	return Load(path)
}

func loadToml(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("project", "graph") {
		cfg.Graph = strings.TrimSpace(raw.Project.Graph)
	}
	if meta.IsDefined("project", "description") {
		cfg.Description = strings.TrimSpace(raw.Project.Description)
	}

	if meta.IsDefined("automaton", "preset") {
		preset, err := Preset(raw.Automaton.Preset)
		if err != nil {
			return Config{}, fmt.Errorf("parse preset: %w", err)
		}
		cfg.Automaton = preset
	}
	if meta.IsDefined("automaton", "max_ticks") {
		cfg.Automaton.MaxTicks = raw.Automaton.MaxTicks
	}
	if meta.IsDefined("automaton", "history_window") {
		cfg.Automaton.HistoryWindow = raw.Automaton.HistoryWindow
	}
	if meta.IsDefined("automaton", "stability_threshold") {
		cfg.Automaton.Stop.Value = raw.Automaton.StabilityThreshold
	}
	if meta.IsDefined("automaton", "consecutive_stable") {
		cfg.Automaton.Stop.Consecutive = raw.Automaton.ConsecutiveStable
	}
	if meta.IsDefined("automaton", "min_ticks") {
		cfg.Automaton.MinTicksBeforeStability = raw.Automaton.MinTicks
	}

	if meta.IsDefined("distributed", "concurrency") {
		cfg.Distributed.Concurrency = raw.Distributed.Concurrency
	}
	if meta.IsDefined("distributed", "task_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Distributed.TaskTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse task_timeout: %w", err)
		}
		cfg.Distributed.TaskTimeout = d
	}
	if meta.IsDefined("distributed", "task_timeout_ms") {
		cfg.Distributed.TaskTimeout = time.Duration(raw.Distributed.TaskTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("distributed", "max_attempts") {
		cfg.Distributed.MaxAttempts = raw.Distributed.MaxAttempts
	}

	if meta.IsDefined("resolvers") {
		cfg.Resolvers = raw.Resolvers
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("parse log level: unknown level %q", raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	return cfg, nil
}

// #endregion load

// #region env
// ApplyEnv applies VGAUTO_* overrides, the logging overrides, and the
// resolver environment lists when no resolvers are configured.
func ApplyEnv(cfg *Config) error {
	if err := envInt(EnvMaxTicks, &cfg.Automaton.MaxTicks); err != nil {
		return err
	}
	if err := envInt(EnvHistoryWindow, &cfg.Automaton.HistoryWindow); err != nil {
		return err
	}
	if err := envInt(EnvConcurrency, &cfg.Distributed.Concurrency); err != nil {
		return err
	}
	cfg.Log = logging.FromEnv(cfg.Log)

	if len(cfg.Resolvers) == 0 && strings.TrimSpace(os.Getenv(resolver.EnvAPIURLs)) != "" {
		cfg.Resolvers = resolver.EndpointsFromEnv()
		cfg.ResolversFromEnv = true
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

// #endregion env

// #region validate
// Validate checks every section.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Graph) == "" {
		return fmt.Errorf("project.graph must not be empty")
	}
	if err := c.Automaton.Validate(); err != nil {
		return fmt.Errorf("automaton: %w", err)
	}
	if v := c.Automaton.Stop.Value; v < 0 || v > 1 {
		return fmt.Errorf("automaton: stability_threshold must be in [0, 1], got %v", v)
	}
	if c.Automaton.Stop.Consecutive < 1 {
		return fmt.Errorf("automaton: consecutive_stable must be >= 1, got %d", c.Automaton.Stop.Consecutive)
	}
	if err := c.Distributed.Validate(); err != nil {
		return fmt.Errorf("distributed: %w", err)
	}
	names := make(map[string]bool, len(c.Resolvers))
	for i, e := range c.Resolvers {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("resolvers[%d]: %w", i, err)
		}
		if e.Name != "" && names[e.Name] {
			return fmt.Errorf("resolvers[%d]: duplicate name %q", i, e.Name)
		}
		names[e.Name] = true
	}
	return nil
}

// #endregion validate
