package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/message"
	"github.com/shaunagostinho/gimbalctl/internal/protocol"
)

type Config struct {
	ListenAddr  string
	TelemetryHz int
	// DropAcks suppresses acknowledgements so callers can exercise timeouts.
	DropAcks bool
	// SlewRate in deg/s; 0 selects 90.
	SlewRate float32
	// Jitter adds sensor noise to reported positions.
	Jitter bool
}

// Simulator accepts link connections and behaves like one gimbal. Every
// connection shares the same mechanics.
type Simulator struct {
	cfg Config
	log zerolog.Logger
	dev *device

	dropAcks atomic.Bool
	commands atomic.Uint64

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg Config, log zerolog.Logger) *Simulator {
	if cfg.TelemetryHz <= 0 {
		cfg.TelemetryHz = 20
	}
	s := &Simulator{
		cfg: cfg,
		log: log,
		dev: newDevice(cfg.SlewRate, cfg.Jitter),
	}
	s.dropAcks.Store(cfg.DropAcks)
	return s
}

// Listen binds the configured address. Use Addr to learn an ephemeral port.
func (s *Simulator) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("simulator: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("simulator listening")
	return nil
}

func (s *Simulator) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Simulator) SetDropAcks(drop bool) { s.dropAcks.Store(drop) }

// Commands counts command envelopes received across all connections.
func (s *Simulator) Commands() uint64 { return s.commands.Load() }

// State is the simulated device's current view of itself.
func (s *Simulator) State() gimbal.Snapshot { return s.dev.snapshot() }

// Serve runs the mechanics and accepts connections until ctx is done, then
// closes everything and waits for the connection goroutines.
func (s *Simulator) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.physics(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("simulator: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Simulator) physics(ctx context.Context) {
	defer s.wg.Done()
	const tick = 10 * time.Millisecond
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.dev.step(tick)
		}
	}
}

// session is one accepted link.
type session struct {
	conn net.Conn
	log  zerolog.Logger
	wmu  sync.Mutex
}

func (ss *session) send(env message.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	ss.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = ss.conn.Write(frame)
	return err
}

func (s *Simulator) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	ss := &session{conn: conn, log: s.log.With().Str("peer", conn.RemoteAddr().String()).Logger()}
	ss.log.Info().Msg("link accepted")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.Close()
		ss.log.Info().Msg("link closed")
	}()
	// Unblocks Read on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	snap := s.dev.snapshot()
	for _, env := range []message.Envelope{
		{Kind: message.KindLimits, Body: message.EncodeLimits(snap.Limits)},
		{Kind: message.KindHealth, Body: message.EncodeHealth(snap.Health)},
	} {
		if err := ss.send(env); err != nil {
			ss.log.Debug().Err(err).Stringer("kind", env.Kind).Msg("greeting write failed")
		}
	}

	s.wg.Add(1)
	go s.stream(ctx, ss)

	framer := protocol.NewFramer(func(p []byte) { s.receive(ss, p) }, ss.log)
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Simulator) stream(ctx context.Context, ss *session) {
	defer s.wg.Done()
	t := time.NewTicker(time.Second / time.Duration(s.cfg.TelemetryHz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			body := message.EncodeTelemetry(s.dev.telemetry())
			if err := ss.send(message.Envelope{Kind: message.KindTelemetry, Body: body}); err != nil {
				ss.log.Debug().Err(err).Msg("telemetry write failed")
				return
			}
		}
	}
}

func (s *Simulator) receive(ss *session, payload []byte) {
	env, err := message.Decode(payload)
	if err != nil {
		ss.log.Warn().Err(err).Msg("bad envelope")
		return
	}
	if env.Kind != message.KindCommand {
		ss.log.Debug().Stringer("kind", env.Kind).Msg("ignoring non-command")
		return
	}
	s.commands.Add(1)

	cmd, err := message.DecodeCommand(env.Body)
	if err != nil {
		ss.log.Warn().Err(err).Msg("bad command")
		return
	}
	s.dev.apply(cmd)
	ss.log.Debug().Stringer("op", cmd.Op).Uint32("id", env.PacketID).Msg("command")

	if env.PacketID != 0 && !s.dropAcks.Load() {
		if err := ss.send(message.Ack(env.PacketID)); err != nil {
			ss.log.Debug().Err(err).Msg("ack write failed")
		}
	}
	if cmd.Op == message.OpLimits {
		if err := ss.send(message.Envelope{Kind: message.KindLimits, Body: message.EncodeLimits(cmd.Limits)}); err != nil {
			ss.log.Debug().Err(err).Msg("limits echo write failed")
		}
	}
}
