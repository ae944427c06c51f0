package simulator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shaunagostinho/gimbalctl/internal/ack"
	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/message"
	"github.com/shaunagostinho/gimbalctl/internal/testutil/testlog"
)

func TestDeviceSlewsAndHitsLimits(t *testing.T) {
	d := newDevice(100, false)
	d.apply(message.Command{Op: message.OpSetpoint, Setpoint: gimbal.Setpoint{Pan: 20, Tilt: -5}})
	d.step(time.Second)
	if d.telemetry().Position != (gimbal.Position{}) {
		t.Fatal("free mount moved")
	}

	d.apply(message.Command{Op: message.OpMode, Mode: gimbal.ModeArmed})
	d.step(100 * time.Millisecond)
	if got := d.telemetry().Position; got.Pan != 10 || got.Tilt != -5 {
		t.Fatalf("after 100ms: %+v", got)
	}
	d.step(100 * time.Millisecond)
	if got := d.telemetry(); got.Position.Pan != 20 || got.Mode != gimbal.ModeArmed {
		t.Fatalf("after 200ms: %+v", got)
	}

	d.apply(message.Command{Op: message.OpSetpoint, Setpoint: gimbal.Setpoint{Pan: 500}})
	for i := 0; i < 40; i++ {
		d.step(100 * time.Millisecond)
	}
	if got := d.telemetry(); got.Position.Pan != DefaultLimits.PanUpper || got.Mode != gimbal.ModeUpperLimit {
		t.Fatalf("expected upper stop: %+v", got)
	}

	d.apply(message.Command{Op: message.OpSetpoint, Setpoint: gimbal.Setpoint{Pan: 0, Tilt: -90}})
	for i := 0; i < 40; i++ {
		d.step(100 * time.Millisecond)
	}
	if got := d.telemetry(); got.Position.Tilt != DefaultLimits.TiltLower || got.Mode != gimbal.ModeLowerLimit {
		t.Fatalf("expected lower stop: %+v", got)
	}
}

// startSim runs a simulator on an ephemeral port for the test's lifetime.
func startSim(t *testing.T, cfg Config) (*Simulator, int, context.CancelFunc) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.TelemetryHz == 0 {
		cfg.TelemetryHz = 100
	}
	sim := New(cfg, testlog.Start(t))
	if err := sim.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("simulator did not stop")
		}
	})
	return sim, sim.Addr().(*net.TCPAddr).Port, cancel
}

func connect(t *testing.T, port int, opts ...link.Option) *link.Backend {
	t.Helper()
	b := link.NewBackend(testlog.Start(t), opts...)
	if err := b.ConnectNetwork("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(b.Disconnect)
	return b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLinkAgainstSimulator(t *testing.T) {
	sim, port, _ := startSim(t, Config{SlewRate: 1000})
	b := connect(t, port)
	ctx := context.Background()

	if err := b.SendWait(ctx, message.PingCommand(), time.Second); err != nil {
		t.Fatalf("ping: %v", err)
	}
	eventually(t, "limits from device", func() bool {
		return b.Device().Limits() == DefaultLimits
	})

	if err := b.SendWait(ctx, message.ModeCommand(gimbal.ModeArmed), time.Second); err != nil {
		t.Fatalf("arm: %v", err)
	}
	sp := gimbal.Setpoint{Pan: 45, Tilt: 10}
	if err := b.SendWait(ctx, message.SetpointCommand(sp), time.Second); err != nil {
		t.Fatalf("setpoint: %v", err)
	}
	eventually(t, "telemetry at setpoint", func() bool {
		s := b.Device().Snapshot()
		return s.Position == gimbal.Position{Pan: 45, Tilt: 10} && s.Setpoint == sp && s.Mode == gimbal.ModeArmed
	})
	if b.Device().IsStale(time.Second) {
		t.Fatal("telemetry stale while streaming")
	}
	if sim.Commands() != 3 {
		t.Fatalf("simulator saw %d commands", sim.Commands())
	}
}

func TestDroppedAcksTimeOut(t *testing.T) {
	sim, port, _ := startSim(t, Config{DropAcks: true})
	b := connect(t, port)

	err := b.SendWait(context.Background(), message.PingCommand(), 30*time.Millisecond)
	if !errors.Is(err, ack.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}

	sim.SetDropAcks(false)
	if err := b.SendWait(context.Background(), message.PingCommand(), time.Second); err != nil {
		t.Fatalf("ping after re-enabling acks: %v", err)
	}
}

func TestSimulatorShutdownFaultsLink(t *testing.T) {
	_, port, stop := startSim(t, Config{})
	b := connect(t, port)
	eventually(t, "first telemetry", func() bool { return !b.Device().IsStale(time.Second) })

	stop()
	eventually(t, "error state", func() bool { return b.State() == link.Error })
	eventually(t, "device reset", func() bool { return b.Device().LastUpdate().IsZero() })

	err := b.SendWait(context.Background(), message.PingCommand(), time.Second)
	if !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestLimitsEchoedBackToLink(t *testing.T) {
	_, port, _ := startSim(t, Config{})
	b := connect(t, port)
	eventually(t, "limits from device", func() bool {
		return b.Device().Limits() == DefaultLimits
	})

	narrow := gimbal.Limits{PanLower: -45, PanUpper: 45, TiltLower: -10, TiltUpper: 30}
	if err := b.SendWait(context.Background(), message.LimitsCommand(narrow), time.Second); err != nil {
		t.Fatalf("limits: %v", err)
	}
	eventually(t, "echoed limits", func() bool { return b.Device().Limits() == narrow })
}

func TestReceiveSurvivesClosedPeer(t *testing.T) {
	sim := New(Config{}, testlog.Start(t))
	local, remote := net.Pipe()
	remote.Close()
	local.Close()
	ss := &session{conn: local, log: testlog.Start(t)}

	env := message.Envelope{Kind: message.KindCommand, PacketID: 7, Body: message.LimitsCommand(gimbal.Limits{PanLower: -1, PanUpper: 1})}
	payload, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sim.receive(ss, payload)

	if sim.Commands() != 1 {
		t.Fatalf("commands=%d", sim.Commands())
	}
	if got := sim.dev.snapshot().Limits; got.PanUpper != 1 {
		t.Fatalf("limits not applied: %+v", got)
	}
	if err := ss.send(message.Ack(7)); err == nil {
		t.Fatal("write to closed pipe succeeded")
	}
}
