// Package ack tracks outbound packets awaiting acknowledgement.
//
// Every registered packet is resolved exactly once: by a matching ack, by its
// timeout, or by CancelAll when the connection goes away. Callbacks never run
// with the manager's lock held, so a callback may call back into the manager
// (to register a retry, for instance).
package ack

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrAckTimeout   = errors.New("ack: timed out waiting for acknowledgement")
	ErrAckCancelled = errors.New("ack: cancelled by disconnect")
)

// DefaultTimeout is used when Register is given a non-positive timeout.
const DefaultTimeout = 1000 * time.Millisecond

// Callback receives the packet id and nil on ack, ErrAckTimeout or
// ErrAckCancelled otherwise.
type Callback func(id uint32, err error)

// Outcome labels how a pending packet was resolved.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

type pending struct {
	id         uint32
	cb         Callback
	timer      *time.Timer
	registered time.Time
}

// Manager holds the in-flight packets of one connection.
type Manager struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pending
	log     zerolog.Logger

	observe func(Outcome, time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver reports every resolution and how long the packet was pending.
func WithObserver(fn func(Outcome, time.Duration)) Option {
	return func(m *Manager) {
		m.observe = fn
	}
}

// NewManager returns an empty manager whose ids start at 1.
func NewManager(log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		nextID:  1,
		pending: make(map[uint32]*pending),
		log:     log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NextID returns a fresh packet id. Ids are unique for the lifetime of the
// manager only.
func (m *Manager) NextID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// Register arms a timeout for id. If id is already pending the previous
// registration is cancelled first.
func (m *Manager) Register(id uint32, cb Callback, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &pending{id: id, cb: cb, registered: time.Now()}

	m.mu.Lock()
	prev := m.pending[id]
	if prev != nil {
		prev.timer.Stop()
	}
	m.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { m.expire(p) })
	m.mu.Unlock()

	m.log.Debug().Uint32("packet_id", id).Dur("timeout", timeout).Msg("registered packet")
	if prev != nil {
		m.log.Warn().Uint32("packet_id", id).Msg("packet id re-registered, cancelling previous")
		m.fire(prev, ErrAckCancelled, OutcomeCancelled)
	}
}

// Resolve completes id successfully. Unknown ids (duplicate or late acks)
// are logged and ignored.
func (m *Manager) Resolve(id uint32) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		p.timer.Stop()
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug().Uint32("packet_id", id).Msg("ack for unknown packet")
		return false
	}
	m.log.Debug().Uint32("packet_id", id).Msg("packet acknowledged")
	m.fire(p, nil, OutcomeAcked)
	return true
}

// CancelAll fails every pending packet with ErrAckCancelled.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	all := make([]*pending, 0, len(m.pending))
	for id, p := range m.pending {
		p.timer.Stop()
		all = append(all, p)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if len(all) > 0 {
		m.log.Info().Int("count", len(all)).Msg("cancelling pending packets")
	}
	for _, p := range all {
		m.fire(p, ErrAckCancelled, OutcomeCancelled)
	}
}

// Pending returns the number of packets awaiting an ack.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) expire(p *pending) {
	m.mu.Lock()
	// The id may have been resolved and re-registered since this timer was
	// armed; only the exact entry it belongs to may be expired.
	cur, ok := m.pending[p.id]
	if !ok || cur != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, p.id)
	m.mu.Unlock()

	m.log.Warn().Uint32("packet_id", p.id).Msg("timeout waiting for ack")
	m.fire(p, ErrAckTimeout, OutcomeTimeout)
}

func (m *Manager) fire(p *pending, err error, outcome Outcome) {
	if m.observe != nil {
		m.observe(outcome, time.Since(p.registered))
	}
	if p.cb != nil {
		p.cb(p.id, err)
	}
}
