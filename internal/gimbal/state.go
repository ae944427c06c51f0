// Package gimbal holds the latest device telemetry shared between the link's
// I/O goroutine (writer) and consumers such as the dashboard (readers).
//
// One mutex covers the whole structure so a reader never sees the pan from
// one update and the tilt from the next.
package gimbal

import (
	"fmt"
	"sync"
	"time"
)

// DefaultStaleAfter is how long telemetry stays fresh without an update.
const DefaultStaleAfter = 500 * time.Millisecond

// Mode mirrors the firmware's gimbal mode.
type Mode uint8

const (
	ModeFree Mode = iota
	ModeArmed
	ModeLowerLimit
	ModeUpperLimit
)

func (m Mode) String() string {
	switch m {
	case ModeFree:
		return "free"
	case ModeArmed:
		return "armed"
	case ModeLowerLimit:
		return "lower-limit"
	case ModeUpperLimit:
		return "upper-limit"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, ok := ParseMode(string(b))
	if !ok {
		return fmt.Errorf("gimbal: unknown mode %q", b)
	}
	*m = v
	return nil
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, bool) {
	for m := ModeFree; m <= ModeUpperLimit; m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// HealthStatus is the device's self-reported condition.
type HealthStatus uint8

const (
	HealthUnknown HealthStatus = iota
	HealthOK
	HealthWarning
	HealthError
)

func (h HealthStatus) String() string {
	switch h {
	case HealthOK:
		return "healthy"
	case HealthWarning:
		return "warning"
	case HealthError:
		return "error"
	default:
		return "unknown"
	}
}

func (h HealthStatus) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *HealthStatus) UnmarshalText(b []byte) error {
	for v := HealthUnknown; v <= HealthError; v++ {
		if v.String() == string(b) {
			*h = v
			return nil
		}
	}
	return fmt.Errorf("gimbal: unknown health status %q", b)
}

type Position struct {
	Pan  float32 `json:"pan"`  // deg
	Tilt float32 `json:"tilt"` // deg
}

type Setpoint struct {
	Pan  float32 `json:"pan"`
	Tilt float32 `json:"tilt"`
}

type Limits struct {
	PanLower  float32 `json:"panLower"`
	PanUpper  float32 `json:"panUpper"`
	TiltLower float32 `json:"tiltLower"`
	TiltUpper float32 `json:"tiltUpper"`
}

type Health struct {
	Status     HealthStatus `json:"status"`
	Message    string       `json:"message"`
	ErrorFlags uint32       `json:"errorFlags"`
}

// Telemetry is one periodic report from the device.
type Telemetry struct {
	Position Position
	Setpoint Setpoint
	Mode     Mode
}

// Snapshot is a consistent copy of the whole state.
type Snapshot struct {
	Position   Position  `json:"position"`
	Setpoint   Setpoint  `json:"setpoint"`
	Mode       Mode      `json:"mode"`
	Limits     Limits    `json:"limits"`
	Health     Health    `json:"health"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// State is the mailbox itself. The zero value is ready to use.
type State struct {
	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

// New returns an empty State.
func New() *State {
	return &State{}
}

func (s *State) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *State) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Position
}

func (s *State) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Limits
}

func (s *State) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.LastUpdate
}

func (s *State) SetPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Position = p
	s.snap.LastUpdate = s.clock()
}

func (s *State) SetLimits(l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Limits = l
	s.snap.LastUpdate = s.clock()
}

func (s *State) SetHealth(h Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Health = h
	s.snap.LastUpdate = s.clock()
}

// ApplyTelemetry updates position, setpoint and mode in one step.
func (s *State) ApplyTelemetry(t Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Position = t.Position
	s.snap.Setpoint = t.Setpoint
	s.snap.Mode = t.Mode
	s.snap.LastUpdate = s.clock()
}

// IsStale reports whether no update arrived within maxAge. A state that has
// never been updated is always stale.
func (s *State) IsStale(maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.LastUpdate.IsZero() {
		return true
	}
	return s.clock().Sub(s.snap.LastUpdate) > maxAge
}

// Reset clears everything back to the zero value.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{}
}
