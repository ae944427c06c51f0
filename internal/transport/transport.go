// Package transport provides the byte-stream links beneath the packet layer.
//
// Each open transport runs exactly one read goroutine and one write goroutine.
// Decoded packets are delivered on the read goroutine, in stream order, so
// handlers run concurrently with whatever goroutine opened the transport.
// Handlers must not call Close: Close waits for the read goroutine to exit.
package transport

import (
	"errors"
	"fmt"
	"sort"

	"go.bug.st/serial"
)

var (
	ErrOpenFailed     = errors.New("transport: open failed")
	ErrTransportFault = errors.New("transport: fault")
)

// Transport is one byte-stream link with an embedded packet framer.
type Transport interface {
	// Open connects and starts the I/O goroutines. Failures are returned
	// wrapped in ErrOpenFailed.
	Open() error
	// Close stops the link and blocks until both I/O goroutines have exited.
	// It is idempotent and safe to call on a transport that never opened.
	Close() error
	// IsOpen is false once closed or after a fault.
	IsOpen() bool
	// WriteAsync queues a frame. Failures are logged and raise a fault.
	WriteAsync(frame []byte)
	// SetPacketHandler receives each complete packet payload.
	SetPacketHandler(fn func(payload []byte))
	// SetFaultHandler is called at most once per Open when the link dies
	// without Close being called.
	SetFaultHandler(fn func(err error))
	// ConnectionInfo describes the endpoint for status display.
	ConnectionInfo() string
}

// StandardBaudRates lists the rates the link is known to work at.
var StandardBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// DefaultBaudRate matches the device firmware default.
const DefaultBaudRate = 115200

// ValidBaudRate reports whether baud is one of StandardBaudRates.
func ValidBaudRate(baud int) bool {
	for _, b := range StandardBaudRates {
		if b == baud {
			return true
		}
	}
	return false
}

// ListPorts returns the serial device paths visible to the OS. The link
// treats them as opaque; the only validation is attempting to open one.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
