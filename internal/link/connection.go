package link

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/gimbalctl/internal/transport"
)

// Type names the active transport variant.
type Type int

const (
	TypeNone Type = iota
	TypeSerial
	TypeNetwork
)

func (t Type) String() string {
	switch t {
	case TypeSerial:
		return "serial"
	case TypeNetwork:
		return "network"
	default:
		return "none"
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType accepts the config spellings; "" means none.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "disabled":
		return TypeNone, nil
	case "serial":
		return TypeSerial, nil
	case "network", "tcp":
		return TypeNetwork, nil
	default:
		return TypeNone, fmt.Errorf("link: unknown connection type %q", s)
	}
}

// connection is the closed set of link variants. The backend holds exactly
// one, so two live transports cannot be represented.
type connection interface {
	transport() transport.Transport
	kind() Type
}

type noConnection struct{}

func (noConnection) transport() transport.Transport { return nil }
func (noConnection) kind() Type                     { return TypeNone }

type serialConnection struct {
	t    transport.Transport
	port string
	baud int
}

func (c serialConnection) transport() transport.Transport { return c.t }
func (serialConnection) kind() Type                       { return TypeSerial }

type networkConnection struct {
	t    transport.Transport
	host string
	port int
}

func (c networkConnection) transport() transport.Transport { return c.t }
func (networkConnection) kind() Type                       { return TypeNetwork }
