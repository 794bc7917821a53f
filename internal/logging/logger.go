package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "VGAUTO_LOG_LEVEL"
	EnvLogJSON    = "VGAUTO_LOG_JSON"
	EnvLogNoColor = "VGAUTO_LOG_NOCOLOR"
)

// #region config
// Config controls logger construction.
type Config struct {
	Level   zerolog.Level
	JSON    bool
	NoColor bool
	Out     io.Writer
}

// DefaultConfig logs at info level to stderr through the console writer.
func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel, Out: os.Stderr}
}

// FromEnv applies VGAUTO_LOG_* overrides to cfg.
func FromEnv(cfg Config) Config {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvLogJSON)); err == nil {
		cfg.JSON = v
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvLogNoColor)); err == nil {
		cfg.NoColor = v
	}
	return cfg
}

// ParseLevel maps a level name to a zerolog level. Empty and unknown names
// report false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

// #endregion config

// #region init
// Init builds the process logger for app and installs it as the global
// zerolog logger.
func Init(app string, cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}
	logger := zerolog.New(out).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component derives a sub-logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// #endregion init
