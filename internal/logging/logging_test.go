package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestJSONLoggerTagsApp(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger("gimbalctl", Config{Level: "info", Format: "json"}, &buf)
	l.Debug().Msg("hidden")
	l.Info().Str("component", "link").Msg("connected")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["app"] != "gimbalctl" || entry["message"] != "connected" || entry["component"] != "link" {
		t.Fatalf("entry=%v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatal("no timestamp")
	}
}

func TestConsoleLoggerNoColor(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger("gimbalctl", Config{Level: "debug", NoColor: true}, &buf)
	l.Debug().Msg("framer reset")
	out := buf.String()
	if !strings.Contains(out, "framer reset") || strings.Contains(out, "\x1b[") {
		t.Fatalf("out=%q", out)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogNoColor, "true")
	cfg := Config{Level: "debug", Format: "console"}
	applyEnvOverrides(&cfg)
	if cfg != (Config{Level: "error", Format: "json", NoColor: true}) {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestComponentLogger(t *testing.T) {
	ConfigureTests()
	if !Configured() {
		t.Fatal("not configured")
	}
	l := Component("recorder")
	if l.GetLevel() != Logger().GetLevel() {
		t.Fatalf("level=%v", l.GetLevel())
	}
}
