package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "GIMBALCTL_LOG_LEVEL"
	EnvLogNoColor = "GIMBALCTL_LOG_NOCOLOR"
	EnvLogFormat  = "GIMBALCTL_LOG_FORMAT"
)

// Config selects level and output format.
type Config struct {
	Level   string `yaml:"level" toml:"level" json:"level"`
	Format  string `yaml:"format" toml:"format" json:"format"` // "console" or "json"
	NoColor bool   `yaml:"no_color" toml:"no_color" json:"noColor"`
}

var (
	mu         sync.RWMutex
	root       = zerolog.Nop()
	configured bool
	testOnce   sync.Once
)

// Configure installs the process logger. Later calls replace it.
func Configure(app string, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)
	return install(newLogger(app, cfg, os.Stdout))
}

// ConfigureTests installs a debug-level console logger without timestamps.
// Safe to call from every test.
func ConfigureTests() {
	testOnce.Do(func() {
		cfg := Config{Level: "debug", NoColor: true}
		applyEnvOverrides(&cfg)
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: cfg.NoColor}).
			Level(parseLevel(cfg.Level)).
			With().Str("app", "test").Logger()
		install(l)
	})
}

// Logger returns the process logger, or a no-op logger before Configure.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component returns the process logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Configured reports whether Configure or ConfigureTests has run.
func Configured() bool {
	mu.RLock()
	defer mu.RUnlock()
	return configured
}

func install(l zerolog.Logger) zerolog.Logger {
	mu.Lock()
	root = l
	configured = true
	mu.Unlock()
	log.Logger = l
	return l
}

func newLogger(app string, cfg Config, out io.Writer) zerolog.Logger {
	var w io.Writer = out
	if !strings.EqualFold(cfg.Format, "json") {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	return zerolog.New(w).
		Level(parseLevel(cfg.Level)).
		With().Timestamp().Str("app", app).Logger()
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
