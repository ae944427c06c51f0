package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/testutil/testlog"
)

var overrideKeys = []string{
	"LINK_TYPE", "SERIAL_PORT", "SERIAL_BAUD", "NET_HOST", "NET_PORT", "ACK_TIMEOUT_MS",
	"LISTEN_ADDR", "LOG_LEVEL", "RECORD_ENABLED", "RECORD_PATH", "RECORD_INTERVAL_MS",
}

// clearEnv unsets every override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range overrideKeys {
		if old, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, old) })
		} else {
			t.Cleanup(func() { os.Unsetenv(k) })
		}
	}
	wd, _ := os.Getwd()
	os.Chdir(t.TempDir())
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), testlog.Start(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.AckTimeout() != time.Second {
		t.Fatalf("ack timeout=%v", cfg.AckTimeout())
	}
}

func TestLoadYAMLAndTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	yml := filepath.Join(dir, "gimbal.yaml")
	os.WriteFile(yml, []byte("link:\n  type: serial\n  serial:\n    port: /dev/ttyACM3\n    baud: 230400\nserver:\n  broadcast_hz: 10\n"), 0o644)
	cfg, err := Load(yml, testlog.Start(t))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	target, err := cfg.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if target.Type != link.TypeSerial || target.Port != "/dev/ttyACM3" || target.Baud != 230400 {
		t.Fatalf("target=%+v", target)
	}
	if cfg.ServerSettings().BroadcastHz != 10 || cfg.ServerSettings().ListenAddr != ":8080" {
		t.Fatalf("server=%+v", cfg.ServerSettings())
	}

	tml := filepath.Join(dir, "gimbal.toml")
	os.WriteFile(tml, []byte("[link]\ntype = \"network\"\nack_timeout_ms = 250\n[link.network]\nhost = \"10.1.1.5\"\nport = 9000\n"), 0o644)
	cfg, err = Load(tml, testlog.Start(t))
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if cfg.NetworkDefaults().Host != "10.1.1.5" || cfg.NetworkDefaults().Port != 9000 {
		t.Fatalf("network=%+v", cfg.NetworkDefaults())
	}
	if cfg.AckTimeout() != 250*time.Millisecond {
		t.Fatalf("ack timeout=%v", cfg.AckTimeout())
	}
	if cfg.NetworkDefaults().DialTimeout != 3*time.Second {
		t.Fatalf("unset field lost its default: %v", cfg.NetworkDefaults().DialTimeout)
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	clearEnv(t)
	p := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(p, []byte("link: [unterminated"), 0o644)
	if _, err := Load(p, testlog.Start(t)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesAndDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nNET_PORT=6000\nexport NET_HOST='from-dotenv'\nLISTEN_ADDR=:1\n"), 0o644)
	os.Setenv("LISTEN_ADDR", ":9999")
	os.Setenv("RECORD_ENABLED", "yes")
	os.Setenv("ACK_TIMEOUT_MS", "not-a-number")

	cfg, err := Load(p, testlog.Start(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NetworkDefaults().Port != 6000 || cfg.NetworkDefaults().Host != "from-dotenv" {
		t.Fatalf(".env not applied: %+v", cfg.NetworkDefaults())
	}
	if cfg.ServerSettings().ListenAddr != ":9999" {
		t.Fatalf("real env should beat .env, got %q", cfg.ServerSettings().ListenAddr)
	}
	if !cfg.RecorderSettings().Enabled {
		t.Fatal("RECORD_ENABLED ignored")
	}
	if cfg.AckTimeout() != time.Second {
		t.Fatalf("bad number should be ignored, got %v", cfg.AckTimeout())
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Link.Type = "serial"
	cfg.Link.Serial.Port = ""
	cfg.Link.Serial.Baud = 1200
	cfg.Server.BroadcastHz = 0

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{"serial.port", "baud 1200", "broadcast_hz"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%q missing from %v", want, err)
		}
	}

	cfg = Default()
	cfg.Link.Type = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown link type accepted")
	}
}

func TestUpdateFromJSONMergesAndValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.UpdateFromJSON([]byte(`{"link":{"network":{"port":7001}},"recorder":{"intervalMs":50}}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.NetworkDefaults().Port != 7001 || cfg.NetworkDefaults().Host != "127.0.0.1" {
		t.Fatalf("network=%+v", cfg.NetworkDefaults())
	}
	if cfg.RecorderSettings().IntervalMS != 50 || cfg.RecorderSettings().Path != "/var/log/gimbalctl" {
		t.Fatalf("recorder=%+v", cfg.RecorderSettings())
	}

	err := cfg.UpdateFromJSON([]byte(`{"link":{"ackTimeoutMs":0}}`))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if cfg.AckTimeout() != time.Second {
		t.Fatal("rejected update was partially applied")
	}

	raw, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := view["simulator"]; !ok {
		t.Fatalf("view missing simulator: %s", raw)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "nested", name)
			cfg := Default()
			cfg.path = p
			cfg.Link.Serial.Port = "/dev/ttyUSB9"
			if err := cfg.Save(); err != nil {
				t.Fatalf("save: %v", err)
			}
			back, err := Load(p, testlog.Start(t))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if back.LinkSettings().Serial.Port != "/dev/ttyUSB9" {
				t.Fatalf("port=%q", back.LinkSettings().Serial.Port)
			}
		})
	}
}
