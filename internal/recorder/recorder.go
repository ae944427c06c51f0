package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
)

// Recorder appends gimbal snapshots to CSV files, opening a new file every
// maxRows rows.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      zerolog.Logger
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

type Config struct {
	Enabled  bool
	Path     string
	Interval time.Duration
	MaxRows  int
}

const (
	defaultMaxRows  = 100_000 // about 1.4 h at 20 Hz
	defaultInterval = 100 * time.Millisecond
	minInterval     = 10 * time.Millisecond
)

var csvHeader = []string{
	"timestamp", "session", "link_state",
	"pan_deg", "tilt_deg", "setpoint_pan_deg", "setpoint_tilt_deg", "mode",
	"pan_lower", "pan_upper", "tilt_lower", "tilt_upper",
	"health", "error_flags", "health_message",
}

func New(cfg Config, log zerolog.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gimbalctl"
	}
	if cfg.Interval < minInterval {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: cfg.Interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		log:      log,
		now:      time.Now,
	}
}

// SetEnabled toggles recording; disabling closes the current file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// CurrentFile is the path being written, or "".
func (r *Recorder) CurrentFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record writes one row unless the previous row is younger than the
// interval. Snapshots that were never updated are skipped.
func (r *Recorder) Record(snap gimbal.Snapshot, session, linkState string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || snap.LastUpdate.IsZero() {
		return
	}
	now := r.now()
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotate(now); err != nil {
			r.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}
	if err := r.writer.Write(buildRow(now, snap, session, linkState)); err != nil {
		r.log.Error().Err(err).Msg("write failed")
		return
	}
	r.writer.Flush()
	r.rows++
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotate(now time.Time) error {
	r.closeFile()
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}
	// The random suffix keeps rotations within one second apart.
	name := fmt.Sprintf("gimbal_%s_%s.csv", now.Format("2006-01-02_150405"), uuid.NewString()[:8])
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}
	r.file, r.path = f, path
	r.writer = csv.NewWriter(f)
	r.rows = 0
	if err := r.writer.Write(csvHeader); err != nil {
		return fmt.Errorf("recorder: header: %w", err)
	}
	r.writer.Flush()
	r.log.Info().Str("path", path).Msg("recording")
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}

func buildRow(ts time.Time, s gimbal.Snapshot, session, linkState string) []string {
	f := func(v float32) string { return strconv.FormatFloat(float64(v), 'f', 2, 32) }
	return []string{
		ts.Format(time.RFC3339Nano),
		session,
		linkState,
		f(s.Position.Pan), f(s.Position.Tilt),
		f(s.Setpoint.Pan), f(s.Setpoint.Tilt),
		s.Mode.String(),
		f(s.Limits.PanLower), f(s.Limits.PanUpper),
		f(s.Limits.TiltLower), f(s.Limits.TiltUpper),
		s.Health.Status.String(),
		fmt.Sprintf("0x%08X", s.Health.ErrorFlags),
		s.Health.Message,
	}
}
