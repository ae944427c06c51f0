package link

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Target describes where to connect.
type Target struct {
	Type Type   `json:"type"`
	Port string `json:"port,omitempty"` // serial device path
	Baud int    `json:"baud,omitempty"`
	Host string `json:"host,omitempty"`
	TCP  int    `json:"tcp_port,omitempty"`
}

func (t Target) String() string {
	switch t.Type {
	case TypeSerial:
		return fmt.Sprintf("serial %s @ %d", t.Port, t.Baud)
	case TypeNetwork:
		return fmt.Sprintf("network %s:%d", t.Host, t.TCP)
	default:
		return "none"
	}
}

// Manager is the single owner of a Backend. Build one per process and pass it
// to whatever needs to drive the link.
type Manager struct {
	backend *Backend
	log     zerolog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewManager(backend *Backend, log zerolog.Logger) *Manager {
	return &Manager{
		backend:      backend,
		log:          log,
		initialDelay: time.Second,
		maxDelay:     60 * time.Second,
	}
}

func (m *Manager) Backend() *Backend { return m.backend }

// Type is the active transport variant.
func (m *Manager) Type() Type { return m.backend.Type() }

// Connect drops any current link, then opens target. TypeNone only
// disconnects.
func (m *Manager) Connect(ctx context.Context, target Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.backend.Disconnect()
	switch target.Type {
	case TypeSerial:
		return m.backend.ConnectSerial(target.Port, target.Baud)
	case TypeNetwork:
		return m.backend.ConnectNetwork(target.Host, target.TCP)
	default:
		return nil
	}
}

func (m *Manager) Disconnect() {
	m.backend.Disconnect()
}

// ConnectWithRetry keeps trying target with exponential backoff, starting at
// one second and capped at a minute, until it connects or ctx is done. The
// first maxLogged failures are logged as warnings with their attempt budget,
// later ones at debug level.
func (m *Manager) ConnectWithRetry(ctx context.Context, target Target, maxLogged int) error {
	delay := m.initialDelay
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.Connect(ctx, target)
		if err == nil {
			m.log.Info().Stringer("target", target).Int("attempt", attempt+1).Msg("connected")
			return nil
		}
		attempt++
		ev := m.log.Debug()
		if attempt <= maxLogged {
			ev = m.log.Warn().Int("max_logged", maxLogged)
		}
		ev.Err(err).Stringer("target", target).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.maxDelay {
			delay = m.maxDelay
		}
	}
}
