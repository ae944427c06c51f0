// Package simulator is a software gimbal that speaks the link protocol over
// TCP. It acknowledges commands, slews toward the commanded setpoint and
// streams telemetry, which is enough to drive the dashboard and the link
// tests without hardware.
package simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/message"
)

const (
	defaultSlew = 90 // deg/s
	jitterDeg   = 0.02
)

// DefaultLimits are the mechanical stops of the simulated mount.
var DefaultLimits = gimbal.Limits{PanLower: -170, PanUpper: 170, TiltLower: -30, TiltUpper: 90}

// device is the simulated mechanics. All access goes through mu.
type device struct {
	mu     sync.Mutex
	pos    gimbal.Position
	sp     gimbal.Setpoint
	mode   gimbal.Mode
	limits gimbal.Limits
	health gimbal.Health
	slew   float32
	jitter bool
}

func newDevice(slew float32, jitter bool) *device {
	if slew <= 0 {
		slew = defaultSlew
	}
	return &device{
		limits: DefaultLimits,
		health: gimbal.Health{Status: gimbal.HealthOK, Message: "simulated"},
		slew:   slew,
		jitter: jitter,
	}
}

// apply executes one decoded command.
func (d *device) apply(cmd message.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch cmd.Op {
	case message.OpSetpoint:
		d.sp = cmd.Setpoint
	case message.OpMode:
		d.mode = cmd.Mode
	case message.OpLimits:
		d.limits = cmd.Limits
	}
}

// step advances the mechanics by dt. Only an armed mount moves; reaching a
// stop switches to the matching limit mode until the setpoint backs off.
func (d *device) step(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == gimbal.ModeFree {
		return
	}
	maxMove := d.slew * float32(dt.Seconds())
	d.pos.Pan = approach(d.pos.Pan, d.sp.Pan, maxMove)
	d.pos.Tilt = approach(d.pos.Tilt, d.sp.Tilt, maxMove)
	if d.jitter {
		d.pos.Pan += float32((rand.Float64()*2 - 1) * jitterDeg)
		d.pos.Tilt += float32((rand.Float64()*2 - 1) * jitterDeg)
	}

	var lower, upper bool
	d.pos.Pan, lower, upper = clamp(d.pos.Pan, d.limits.PanLower, d.limits.PanUpper, lower, upper)
	d.pos.Tilt, lower, upper = clamp(d.pos.Tilt, d.limits.TiltLower, d.limits.TiltUpper, lower, upper)
	switch {
	case lower:
		d.mode = gimbal.ModeLowerLimit
	case upper:
		d.mode = gimbal.ModeUpperLimit
	default:
		d.mode = gimbal.ModeArmed
	}
}

func (d *device) telemetry() gimbal.Telemetry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gimbal.Telemetry{Position: d.pos, Setpoint: d.sp, Mode: d.mode}
}

func (d *device) snapshot() gimbal.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gimbal.Snapshot{
		Position: d.pos,
		Setpoint: d.sp,
		Mode:     d.mode,
		Limits:   d.limits,
		Health:   d.health,
	}
}

func approach(cur, target, maxMove float32) float32 {
	diff := target - cur
	if float32(math.Abs(float64(diff))) <= maxMove {
		return target
	}
	if diff > 0 {
		return cur + maxMove
	}
	return cur - maxMove
}

func clamp(v, lo, hi float32, lower, upper bool) (float32, bool, bool) {
	if lo < hi {
		if v <= lo {
			return lo, true, upper
		}
		if v >= hi {
			return hi, lower, true
		}
	}
	return v, lower, upper
}
