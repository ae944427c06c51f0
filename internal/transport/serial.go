package transport

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// SerialConfig selects the device and line speed. The line is always 8N1.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

const defaultReadTimeout = 100 * time.Millisecond

// PortOpener opens a serial device. Tests substitute a fake.
type PortOpener func(name string, mode *serial.Mode) (serial.Port, error)

// Serial is a Transport over a local serial device.
type Serial struct {
	*stream
	cfg    SerialConfig
	opener PortOpener
}

type SerialOption func(*Serial)

// WithOpener replaces serial.Open.
func WithOpener(open PortOpener) SerialOption {
	return func(s *Serial) { s.opener = open }
}

func NewSerial(cfg SerialConfig, log zerolog.Logger, opts ...SerialOption) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	s := &Serial{
		stream: newStream("serial", log.With().Str("port", cfg.Port).Logger()),
		cfg:    cfg,
		opener: serial.Open,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Serial) Open() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.isOpen() {
		return nil
	}
	// Reap a faulted session before reusing the stream.
	_ = s.stopLocked()

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.opener(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, s.cfg.Port, err)
	}
	// A finite read timeout lets the read goroutine notice shutdown on
	// drivers where Close does not interrupt a blocked Read.
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: %s: set read timeout: %v", ErrOpenFailed, s.cfg.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		s.log.Debug().Err(err).Msg("input buffer reset failed")
	}

	s.start(port)
	s.log.Info().Int("baud", s.cfg.BaudRate).Msg("serial port opened")
	return nil
}

func (s *Serial) Close() error {
	err := s.stop()
	if err == nil {
		s.log.Debug().Msg("serial port closed")
	}
	return err
}

func (s *Serial) IsOpen() bool                       { return s.isOpen() }
func (s *Serial) WriteAsync(frame []byte)            { s.enqueue(frame) }
func (s *Serial) SetPacketHandler(fn func([]byte))   { s.setPacketHandler(fn) }
func (s *Serial) SetFaultHandler(fn func(err error)) { s.setFaultHandler(fn) }

func (s *Serial) ConnectionInfo() string {
	return fmt.Sprintf("%s @ %d baud", s.cfg.Port, s.cfg.BaudRate)
}
