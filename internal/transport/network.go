package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type NetworkConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

const defaultDialTimeout = 3 * time.Second

// Network is a Transport over a TCP connection.
type Network struct {
	*stream
	cfg    NetworkConfig
	dialer *net.Dialer
}

func NewNetwork(cfg NetworkConfig, log zerolog.Logger) *Network {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Network{
		stream: newStream("network", log.With().Str("addr", addr).Logger()),
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 15 * time.Second},
	}
}

func (n *Network) addr() string {
	return net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
}

// Open resolves and dials the endpoint, bounded by DialTimeout.
func (n *Network) Open() error {
	return n.OpenContext(context.Background())
}

// OpenContext is Open with caller cancellation.
func (n *Network) OpenContext(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.isOpen() {
		return nil
	}
	_ = n.stopLocked()

	conn, err := n.dialer.DialContext(ctx, "tcp", n.addr())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, n.addr(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	n.start(conn)
	n.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("network link opened")
	return nil
}

func (n *Network) Close() error {
	err := n.stop()
	if err == nil {
		n.log.Debug().Msg("network link closed")
	}
	return err
}

func (n *Network) IsOpen() bool                       { return n.isOpen() }
func (n *Network) WriteAsync(frame []byte)            { n.enqueue(frame) }
func (n *Network) SetPacketHandler(fn func([]byte))   { n.setPacketHandler(fn) }
func (n *Network) SetFaultHandler(fn func(err error)) { n.setFaultHandler(fn) }

func (n *Network) ConnectionInfo() string {
	return n.addr()
}
