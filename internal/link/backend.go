// Package link owns the one active transport and everything bound to its
// lifetime: the ack manager, the session id and the device state.
//
// Lock order is lifecycle then mu. lifecycle is held across teardown and
// open, which block on goroutine joins and dials; mu only guards the status
// fields and is never held while blocking or while calling out.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/gimbalctl/internal/ack"
	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/message"
	"github.com/shaunagostinho/gimbalctl/internal/metrics"
	"github.com/shaunagostinho/gimbalctl/internal/protocol"
	"github.com/shaunagostinho/gimbalctl/internal/transport"
)

var (
	ErrNotConnected    = errors.New("link: not connected")
	ErrUnsupportedBaud = errors.New("link: unsupported baud rate")
)

// ConnectionState is the externally visible link status.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AckCallback receives nil once the device acknowledges the packet, or the
// reason it never will: ErrNotConnected, ack.ErrAckTimeout,
// ack.ErrAckCancelled or protocol.ErrPayloadTooLarge.
type AckCallback func(err error)

// MessageHandler sees every decoded envelope, on the transport's read
// goroutine.
type MessageHandler func(env message.Envelope)

// StateObserver sees every connection state change. It may run on an I/O
// goroutine or under the backend's lifecycle lock, so it must not call
// Connect or Disconnect and must be safe for concurrent use.
type StateObserver func(from, to ConnectionState)

type (
	SerialFactory  func(cfg transport.SerialConfig, log zerolog.Logger) transport.Transport
	NetworkFactory func(cfg transport.NetworkConfig, log zerolog.Logger) transport.Transport
)

// Status is a consistent copy of the backend's externally visible fields.
type Status struct {
	State       ConnectionState `json:"state"`
	Type        Type            `json:"type"`
	Target      string          `json:"target,omitempty"`
	Error       string          `json:"error,omitempty"`
	Session     string          `json:"session,omitempty"`
	PendingAcks int             `json:"pending_acks"`
	Text        string          `json:"text"`
}

// Backend is the communication core. Construct with NewBackend; the zero
// value is not usable.
type Backend struct {
	log        zerolog.Logger
	device     *gimbal.State
	ackTimeout time.Duration
	onMessage  MessageHandler
	onState    StateObserver
	newSerial  SerialFactory
	newNetwork NetworkFactory
	serialCfg  transport.SerialConfig
	networkCfg transport.NetworkConfig

	lifecycle sync.Mutex

	mu         sync.RWMutex
	conn       connection
	acks       *ack.Manager
	state      ConnectionState
	target     string
	errMsg     string
	session    uuid.UUID
	generation uint64
}

type Option func(*Backend)

// WithDeviceState shares a gimbal.State with the caller. By default the
// backend allocates its own.
func WithDeviceState(s *gimbal.State) Option {
	return func(b *Backend) { b.device = s }
}

func WithMessageHandler(fn MessageHandler) Option {
	return func(b *Backend) { b.onMessage = fn }
}

func WithStateObserver(fn StateObserver) Option {
	return func(b *Backend) { b.onState = fn }
}

// WithAckTimeout sets the timeout used when Send is given zero.
func WithAckTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.ackTimeout = d
		}
	}
}

// WithSerialDefaults sets the read timeout applied to every serial link.
func WithSerialDefaults(cfg transport.SerialConfig) Option {
	return func(b *Backend) { b.serialCfg = cfg }
}

// WithNetworkDefaults sets the dial timeout applied to every network link.
func WithNetworkDefaults(cfg transport.NetworkConfig) Option {
	return func(b *Backend) { b.networkCfg = cfg }
}

func WithSerialFactory(f SerialFactory) Option {
	return func(b *Backend) { b.newSerial = f }
}

func WithNetworkFactory(f NetworkFactory) Option {
	return func(b *Backend) { b.newNetwork = f }
}

func NewBackend(log zerolog.Logger, opts ...Option) *Backend {
	b := &Backend{
		log:        log,
		ackTimeout: ack.DefaultTimeout,
		conn:       noConnection{},
		newSerial: func(cfg transport.SerialConfig, log zerolog.Logger) transport.Transport {
			return transport.NewSerial(cfg, log)
		},
		newNetwork: func(cfg transport.NetworkConfig, log zerolog.Logger) transport.Transport {
			return transport.NewNetwork(cfg, log)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.device == nil {
		b.device = gimbal.New()
	}
	return b
}

// Device is the state updated from inbound telemetry.
func (b *Backend) Device() *gimbal.State { return b.device }

// ConnectSerial replaces any active link with a serial one. A baud of 0
// selects transport.DefaultBaudRate.
func (b *Backend) ConnectSerial(port string, baud int) error {
	if baud == 0 {
		baud = transport.DefaultBaudRate
	}
	if !transport.ValidBaudRate(baud) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
	}
	cfg := b.serialCfg
	cfg.Port, cfg.BaudRate = port, baud
	return b.connect(fmt.Sprintf("%s @ %d baud", port, baud), func() connection {
		return serialConnection{
			t:    b.newSerial(cfg, b.log.With().Str("transport", "serial").Logger()),
			port: port,
			baud: baud,
		}
	})
}

// ConnectNetwork replaces any active link with a TCP one.
func (b *Backend) ConnectNetwork(host string, port int) error {
	cfg := b.networkCfg
	cfg.Host, cfg.Port = host, port
	return b.connect(fmt.Sprintf("%s:%d", host, port), func() connection {
		return networkConnection{
			t:    b.newNetwork(cfg, b.log.With().Str("transport", "network").Logger()),
			host: host,
			port: port,
		}
	})
}

// connect tears down the current link before the new transport is even
// constructed, so two live transports never coexist.
func (b *Backend) connect(target string, build func() connection) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.teardownLocked() {
		b.setState(Disconnected, "", "")
	}
	b.setState(Connecting, target, "")

	conn := build()
	t := conn.transport()

	b.mu.Lock()
	gen := b.generation
	b.mu.Unlock()

	acks := ack.NewManager(b.log.With().Str("component", "ack").Logger(),
		ack.WithObserver(func(o ack.Outcome, d time.Duration) { metrics.RecordAck(string(o), d) }))
	t.SetPacketHandler(func(p []byte) { b.handlePacket(acks, p) })
	t.SetFaultHandler(func(err error) { b.handleFault(gen, err) })

	if err := t.Open(); err != nil {
		b.log.Warn().Err(err).Str("target", target).Msg("connect failed")
		b.mu.Lock()
		b.conn = noConnection{}
		b.mu.Unlock()
		b.setState(Error, target, err.Error())
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.acks = acks
	b.session = uuid.New()
	b.target = t.ConnectionInfo()
	session := b.session
	b.mu.Unlock()
	b.setState(Connected, t.ConnectionInfo(), "")
	b.log.Info().Str("target", t.ConnectionInfo()).Str("session", session.String()).Msg("connected")
	if !t.IsOpen() {
		// Died between Open and Connected; the fault handler ignored it.
		b.handleFault(gen, fmt.Errorf("%w: closed during connect", transport.ErrTransportFault))
	}
	return nil
}

// Disconnect cancels pending acks, closes the transport and clears the
// device state. Safe in any state.
func (b *Backend) Disconnect() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	had := b.teardownLocked()
	b.setState(Disconnected, "", "")
	if had {
		b.log.Info().Msg("disconnected")
	}
}

// teardownLocked cancels pending acks, closes the transport, drops the
// variant and resets the device, in that order. Ack callbacks fire from
// here, so they must not call Connect or Disconnect.
func (b *Backend) teardownLocked() bool {
	b.mu.Lock()
	conn, acks := b.conn, b.acks
	b.acks = nil
	b.session = uuid.Nil
	b.generation++
	b.mu.Unlock()

	if acks != nil {
		acks.CancelAll()
	}
	t := conn.transport()
	if t != nil {
		if err := t.Close(); err != nil {
			b.log.Warn().Err(err).Msg("transport close")
		}
	}

	b.mu.Lock()
	b.conn = noConnection{}
	b.mu.Unlock()

	if t == nil {
		return false
	}
	b.device.Reset()
	return true
}

// handleFault runs on the transport's I/O goroutine, which Close joins, so
// the teardown itself happens on a fresh goroutine.
func (b *Backend) handleFault(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation || b.state != Connected {
		b.mu.Unlock()
		return
	}
	target := b.target
	b.mu.Unlock()

	b.log.Error().Err(err).Str("target", target).Msg("link lost")
	b.setState(Error, target, err.Error())

	go func() {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()
		b.mu.RLock()
		stale := gen != b.generation
		b.mu.RUnlock()
		if stale {
			return
		}
		b.teardownLocked()
	}()
}

func (b *Backend) handlePacket(acks *ack.Manager, payload []byte) {
	env, err := message.Decode(payload)
	if err != nil {
		b.log.Warn().Err(err).Hex("payload", payload).Msg("undecodable packet dropped")
		return
	}
	metrics.RecordPacket("rx", env.Kind.String())

	switch env.Kind {
	case message.KindAck:
		if !acks.Resolve(env.PacketID) {
			b.log.Debug().Uint32("id", env.PacketID).Msg("ack for unknown packet")
		}
	case message.KindTelemetry:
		t, err := message.DecodeTelemetry(env.Body)
		if err != nil {
			b.log.Warn().Err(err).Msg("telemetry dropped")
			break
		}
		b.device.ApplyTelemetry(t)
	case message.KindHealth:
		h, err := message.DecodeHealth(env.Body)
		if err != nil {
			b.log.Warn().Err(err).Msg("health dropped")
			break
		}
		b.device.SetHealth(h)
	case message.KindLimits:
		l, err := message.DecodeLimits(env.Body)
		if err != nil {
			b.log.Warn().Err(err).Msg("limits dropped")
			break
		}
		b.device.SetLimits(l)
	}

	if b.onMessage != nil {
		b.onMessage(env)
	}
}

// Send transmits payload as a command. With a nil cb the packet carries id 0
// and nothing waits for it. When not connected cb is called synchronously
// with ErrNotConnected and nothing is written. timeout <= 0 uses the
// backend default.
func (b *Backend) Send(payload []byte, cb AckCallback, timeout time.Duration) {
	b.SendMessage(message.KindCommand, payload, cb, timeout)
}

// SendMessage is Send for an arbitrary envelope kind.
func (b *Backend) SendMessage(kind message.Kind, body []byte, cb AckCallback, timeout time.Duration) {
	fail := func(err error) {
		if cb != nil {
			cb(err)
		}
	}

	b.mu.RLock()
	state, conn, acks := b.state, b.conn, b.acks
	b.mu.RUnlock()
	t := conn.transport()
	if state != Connected || t == nil || acks == nil || !t.IsOpen() {
		fail(ErrNotConnected)
		return
	}

	env := message.Envelope{Kind: kind, Body: body}
	if cb != nil {
		env.PacketID = acks.NextID()
	}
	payload, err := env.Encode()
	if err != nil {
		fail(err)
		return
	}
	frame, err := protocol.Encode(payload)
	if err != nil {
		fail(err)
		return
	}
	if timeout <= 0 {
		timeout = b.ackTimeout
	}
	if cb != nil {
		acks.Register(env.PacketID, func(_ uint32, err error) { cb(err) }, timeout)
	}
	t.WriteAsync(frame)
	metrics.RecordPacket("tx", kind.String())
	b.log.Trace().Stringer("kind", kind).Uint32("id", env.PacketID).Int("bytes", len(frame)).Msg("sent")
}

// SendWait sends payload and blocks until it is acknowledged, fails, or ctx
// is done.
func (b *Backend) SendWait(ctx context.Context, payload []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	b.Send(payload, func(err error) { done <- err }, timeout)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) setState(s ConnectionState, target, errMsg string) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.target = target
	b.errMsg = errMsg
	b.mu.Unlock()
	metrics.SetLinkState(int(s))
	if b.onState != nil && prev != s {
		b.onState(prev, s)
	}
}

func (b *Backend) State() ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Backend) IsConnected() bool {
	return b.State() == Connected
}

// ErrorMessage is the last failure text; empty unless the state is Error.
func (b *Backend) ErrorMessage() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.errMsg
}

// ConnectionInfo describes the active endpoint, or "" with no link.
func (b *Backend) ConnectionInfo() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t := b.conn.transport(); t != nil {
		return t.ConnectionInfo()
	}
	return ""
}

// Type reports which transport variant is active.
func (b *Backend) Type() Type {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn.kind()
}

// SessionID identifies the current connection; uuid.Nil when disconnected.
func (b *Backend) SessionID() uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

func (b *Backend) StatusString() string {
	return b.Status().Text
}

func (b *Backend) Status() Status {
	b.mu.RLock()
	st := Status{
		State:  b.state,
		Type:   b.conn.kind(),
		Target: b.target,
		Error:  b.errMsg,
	}
	if b.session != uuid.Nil {
		st.Session = b.session.String()
	}
	acks := b.acks
	b.mu.RUnlock()
	if acks != nil {
		st.PendingAcks = acks.Pending()
	}

	switch st.State {
	case Connecting:
		st.Text = "Connecting to " + st.Target + "..."
	case Connected:
		st.Text = "Connected to " + st.Target
	case Error:
		st.Text = "Error: " + st.Error
	default:
		st.Text = "Disconnected"
	}
	return st
}
