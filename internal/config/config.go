package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/logging"
	"github.com/shaunagostinho/gimbalctl/internal/transport"
)

const DefaultPath = "/etc/gimbalctl/config.yaml"

var ErrInvalid = errors.New("config: invalid")

// Config holds everything the daemon reads at startup and the API can edit.
type Config struct {
	mu sync.RWMutex

	Link      LinkConfig      `yaml:"link" toml:"link" json:"link"`
	Server    ServerConfig    `yaml:"server" toml:"server" json:"server"`
	Logging   logging.Config  `yaml:"logging" toml:"logging" json:"logging"`
	Recorder  RecorderConfig  `yaml:"recorder" toml:"recorder" json:"recorder"`
	Simulator SimulatorConfig `yaml:"simulator" toml:"simulator" json:"simulator"`

	path string
}

type LinkConfig struct {
	Type         string        `yaml:"type" toml:"type" json:"type"` // "serial", "network" or "none"
	Serial       SerialConfig  `yaml:"serial" toml:"serial" json:"serial"`
	Network      NetworkConfig `yaml:"network" toml:"network" json:"network"`
	AckTimeoutMS int           `yaml:"ack_timeout_ms" toml:"ack_timeout_ms" json:"ackTimeoutMs"`
	Retry        RetryConfig   `yaml:"retry" toml:"retry" json:"retry"`
}

type SerialConfig struct {
	Port          string `yaml:"port" toml:"port" json:"port"` // e.g. /dev/ttyUSB0
	Baud          int    `yaml:"baud" toml:"baud" json:"baud"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms" toml:"read_timeout_ms" json:"readTimeoutMs"`
}

type NetworkConfig struct {
	Host          string `yaml:"host" toml:"host" json:"host"`
	Port          int    `yaml:"port" toml:"port" json:"port"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms" toml:"dial_timeout_ms" json:"dialTimeoutMs"`
}

type RetryConfig struct {
	MaxLogged int `yaml:"max_logged" toml:"max_logged" json:"maxLogged"` // failures logged at warn before going quiet
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" toml:"broadcast_hz" json:"broadcastHz"`
}

type RecorderConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path       string `yaml:"path" toml:"path" json:"path"`
	IntervalMS int    `yaml:"interval_ms" toml:"interval_ms" json:"intervalMs"`
}

type SimulatorConfig struct {
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
	TelemetryHz int    `yaml:"telemetry_hz" toml:"telemetry_hz" json:"telemetryHz"`
}

// Default returns a config that talks to a local simulator.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Type: "network",
			Serial: SerialConfig{
				Port:          "/dev/ttyUSB0",
				Baud:          transport.DefaultBaudRate,
				ReadTimeoutMS: 100,
			},
			Network: NetworkConfig{
				Host:          "127.0.0.1",
				Port:          5760,
				DialTimeoutMS: 3000,
			},
			AckTimeoutMS: 1000,
			Retry:        RetryConfig{MaxLogged: 10},
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 20,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Recorder: RecorderConfig{
			Enabled:    false,
			Path:       "/var/log/gimbalctl",
			IntervalMS: 100,
		},
		Simulator: SimulatorConfig{
			ListenAddr:  "127.0.0.1:5760",
			TelemetryHz: 20,
		},
	}
}

// Load reads path (YAML, or TOML when the extension is .toml), then .env
// files next to it and in the working directory, then environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string, log zerolog.Logger) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info().Str("path", path).Msg("no config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := cfg.decode(path, data); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("config loaded")
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if n := loadEnvFile(ep); n > 0 {
			log.Debug().Str("path", ep).Int("vars", n).Msg(".env applied")
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (c *Config) decode(path string, data []byte) error {
	var err error
	if isTOML(path) {
		err = toml.Unmarshal(data, c)
	} else {
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// loadEnvFile sets KEY=VALUE pairs that are not already in the real
// environment. Returns how many it set.
func loadEnvFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		os.Setenv(key, val)
		n++
	}
	return n
}

// applyEnvOverrides reads LINK_TYPE, SERIAL_PORT, SERIAL_BAUD, NET_HOST,
// NET_PORT, ACK_TIMEOUT_MS, LISTEN_ADDR, LOG_LEVEL, RECORD_ENABLED,
// RECORD_PATH and RECORD_INTERVAL_MS.
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("LINK_TYPE", &c.Link.Type)
	str("SERIAL_PORT", &c.Link.Serial.Port)
	num("SERIAL_BAUD", &c.Link.Serial.Baud)
	str("NET_HOST", &c.Link.Network.Host)
	num("NET_PORT", &c.Link.Network.Port)
	num("ACK_TIMEOUT_MS", &c.Link.AckTimeoutMS)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("LOG_LEVEL", &c.Logging.Level)
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recorder.Enabled = v == "1" || v == "true" || v == "yes"
	}
	str("RECORD_PATH", &c.Recorder.Path)
	num("RECORD_INTERVAL_MS", &c.Recorder.IntervalMS)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	typ, err := link.ParseType(c.Link.Type)
	if err != nil {
		errs = append(errs, err)
	}
	switch typ {
	case link.TypeSerial:
		if c.Link.Serial.Port == "" {
			errs = append(errs, errors.New("link.serial.port is empty"))
		}
		if !transport.ValidBaudRate(c.Link.Serial.Baud) {
			errs = append(errs, fmt.Errorf("link.serial.baud %d is not a standard rate", c.Link.Serial.Baud))
		}
	case link.TypeNetwork:
		if c.Link.Network.Host == "" {
			errs = append(errs, errors.New("link.network.host is empty"))
		}
		if c.Link.Network.Port <= 0 || c.Link.Network.Port > 65535 {
			errs = append(errs, fmt.Errorf("link.network.port %d out of range", c.Link.Network.Port))
		}
	}
	if c.Link.AckTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("link.ack_timeout_ms must be positive, got %d", c.Link.AckTimeoutMS))
	}
	if c.Server.BroadcastHz <= 0 || c.Server.BroadcastHz > 100 {
		errs = append(errs, fmt.Errorf("server.broadcast_hz %d outside 1..100", c.Server.BroadcastHz))
	}
	if c.Recorder.Enabled && c.Recorder.Path == "" {
		errs = append(errs, errors.New("recorder.path is empty"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Target converts the link section into a connect target.
func (c *Config) Target() (link.Target, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	typ, err := link.ParseType(c.Link.Type)
	if err != nil {
		return link.Target{}, err
	}
	return link.Target{
		Type: typ,
		Port: c.Link.Serial.Port,
		Baud: c.Link.Serial.Baud,
		Host: c.Link.Network.Host,
		TCP:  c.Link.Network.Port,
	}, nil
}

// LinkSettings, ServerSettings, RecorderSettings and SimulatorSettings
// return copies taken under the lock.
func (c *Config) LinkSettings() LinkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Link
}

func (c *Config) ServerSettings() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

func (c *Config) RecorderSettings() RecorderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder
}

func (c *Config) SimulatorSettings() SimulatorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Simulator
}

func (c *Config) LoggingSettings() logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// SerialDefaults and NetworkDefaults carry the per-transport timeouts.
func (c *Config) SerialDefaults() transport.SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return transport.SerialConfig{
		Port:        c.Link.Serial.Port,
		BaudRate:    c.Link.Serial.Baud,
		ReadTimeout: time.Duration(c.Link.Serial.ReadTimeoutMS) * time.Millisecond,
	}
}

func (c *Config) NetworkDefaults() transport.NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return transport.NetworkConfig{
		Host:        c.Link.Network.Host,
		Port:        c.Link.Network.Port,
		DialTimeout: time.Duration(c.Link.Network.DialTimeoutMS) * time.Millisecond,
	}
}

func (c *Config) AckTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Link.AckTimeoutMS) * time.Millisecond
}

// Path is where Save writes.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultPath
	}
	return c.path
}

// Save writes the config back in the format its path implies.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	} else {
		data, err = yaml.Marshal(c)
	}
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON deep-merges a partial JSON document into the config.
// Fields absent from data keep their values. The merged result must
// validate or nothing changes.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.RLock()
	current, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal current: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("config: unmarshal current: %w", err)
	}
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config: unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("config: marshal merged: %w", err)
	}
	next := &Config{path: c.Path()}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("config: apply patch: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.Link, c.Server, c.Logging, c.Recorder, c.Simulator = next.Link, next.Server, next.Logging, next.Recorder, next.Simulator
	c.mu.Unlock()
	return nil
}

// deepMerge merges src into dst; nested objects merge, everything else is
// replaced.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
