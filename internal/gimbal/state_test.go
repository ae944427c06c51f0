package gimbal

import (
	"sync"
	"testing"
	"time"
)

func TestApplyTelemetryAndReset(t *testing.T) {
	s := New()
	s.SetLimits(Limits{PanLower: -90, PanUpper: 90})
	s.ApplyTelemetry(Telemetry{
		Position: Position{Pan: 10, Tilt: -5},
		Setpoint: Setpoint{Pan: 12, Tilt: -5},
		Mode:     ModeArmed,
	})

	snap := s.Snapshot()
	if snap.Position.Pan != 10 || snap.Setpoint.Pan != 12 || snap.Mode != ModeArmed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Limits.PanUpper != 90 {
		t.Fatalf("limits lost: %+v", snap.Limits)
	}
	if snap.LastUpdate.IsZero() {
		t.Fatalf("last update not stamped")
	}

	s.Reset()
	if got := s.Snapshot(); got != (Snapshot{}) {
		t.Fatalf("reset left %+v", got)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := &State{now: func() time.Time { return now }}
	if !s.IsStale(0) {
		t.Fatalf("never-updated state should be stale")
	}
	s.SetPosition(Position{Pan: 1})
	if s.IsStale(0) {
		t.Fatalf("fresh state reported stale")
	}
	now = now.Add(DefaultStaleAfter + time.Millisecond)
	if !s.IsStale(0) {
		t.Fatalf("expected stale after %v", DefaultStaleAfter)
	}
	if s.IsStale(time.Second) {
		t.Fatalf("custom max age ignored")
	}
}

func TestSnapshotIsNeverTorn(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := float32(i)
			s.ApplyTelemetry(Telemetry{Position: Position{Pan: v, Tilt: v}})
		}
	}()
	for i := 0; i < 10000; i++ {
		p := s.Position()
		if p.Pan != p.Tilt {
			close(stop)
			wg.Wait()
			t.Fatalf("torn read pan=%v tilt=%v", p.Pan, p.Tilt)
		}
	}
	close(stop)
	wg.Wait()
}

func TestModeStringRoundTrip(t *testing.T) {
	for m := ModeFree; m <= ModeUpperLimit; m++ {
		got, ok := ParseMode(m.String())
		if !ok || got != m {
			t.Fatalf("mode %v parsed to %v ok=%v", m, got, ok)
		}
	}
	if _, ok := ParseMode("bogus"); ok {
		t.Fatalf("bogus mode parsed")
	}
}
