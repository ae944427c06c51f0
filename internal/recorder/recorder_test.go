package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/testutil/testlog"
)

func snapshot() gimbal.Snapshot {
	return gimbal.Snapshot{
		Position:   gimbal.Position{Pan: 12.345, Tilt: -1},
		Mode:       gimbal.ModeArmed,
		Health:     gimbal.Health{Status: gimbal.HealthOK, ErrorFlags: 0x10, Message: "ok, nominal"},
		LastUpdate: time.Unix(1700000000, 0),
	}
}

// fakeClock advances by step on every call.
func fakeClock(step time.Duration) func() time.Time {
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return rows
}

func TestRecordWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, Interval: 50 * time.Millisecond}, testlog.Start(t))
	r.now = fakeClock(100 * time.Millisecond)

	r.Record(snapshot(), "abc", "connected")
	r.Record(snapshot(), "abc", "connected")
	path := r.CurrentFile()
	r.Close()

	rows := readCSV(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows=%d", len(rows))
	}
	if len(rows[0]) != len(csvHeader) || rows[0][0] != "timestamp" {
		t.Fatalf("header=%v", rows[0])
	}
	row := rows[1]
	if row[1] != "abc" || row[3] != "12.35" || row[7] != "armed" || row[13] != "0x00000010" || row[14] != "ok, nominal" {
		t.Fatalf("row=%v", row)
	}
}

func TestRecordHonoursInterval(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, Interval: time.Second}, testlog.Start(t))
	r.now = fakeClock(100 * time.Millisecond)
	for i := 0; i < 25; i++ {
		r.Record(snapshot(), "", "connected")
	}
	path := r.CurrentFile()
	r.Close()
	// first call plus one per elapsed second
	if got := len(readCSV(t, path)) - 1; got != 3 {
		t.Fatalf("rows=%d want 3", got)
	}
}

func TestRecordRotates(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, Interval: minInterval, MaxRows: 2}, testlog.Start(t))
	r.now = fakeClock(time.Second)
	for i := 0; i < 5; i++ {
		r.Record(snapshot(), "", "connected")
	}
	r.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "gimbal_*.csv"))
	if len(files) != 3 {
		t.Fatalf("files=%v", files)
	}
}

func TestDisabledAndEmptySnapshotsSkipped(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Path: dir}, testlog.Start(t))
	r.Record(snapshot(), "", "connected")
	if r.CurrentFile() != "" {
		t.Fatal("disabled recorder opened a file")
	}

	r.SetEnabled(true)
	r.Record(gimbal.Snapshot{}, "", "connected")
	if r.CurrentFile() != "" {
		t.Fatal("empty snapshot recorded")
	}
	r.Record(snapshot(), "", "connected")
	if r.CurrentFile() == "" {
		t.Fatal("expected a file once enabled")
	}
	r.SetEnabled(false)
	if r.CurrentFile() != "" || r.Enabled() {
		t.Fatal("disable did not close the file")
	}
}
