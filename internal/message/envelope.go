// Package message is the application envelope carried inside link packets:
//
//	[kind u8][uvarint packet id][body]
//
// Packet id 0 means the sender does not want an acknowledgement. The link
// layer only interprets Ack, Telemetry, Health and Limits; every other kind is
// handed to the consumer untouched.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/protocol"
)

// Kind identifies the envelope body.
type Kind uint8

const (
	KindCommand   Kind = 0x01 // host -> device
	KindAck       Kind = 0x02 // device -> host, id is the acknowledged packet
	KindTelemetry Kind = 0x03
	KindHealth    Kind = 0x04
	KindLimits    Kind = 0x05
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindAck:
		return "ack"
	case KindTelemetry:
		return "telemetry"
	case KindHealth:
		return "health"
	case KindLimits:
		return "limits"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

var (
	ErrShortMessage = errors.New("message: body too short")
	ErrBadHeader    = errors.New("message: malformed envelope header")
)

const (
	telemetrySize = 4*4 + 1
	limitsSize    = 4 * 4
	healthMinSize = 1 + 4
)

// Envelope is one decoded application message.
type Envelope struct {
	Kind     Kind
	PacketID uint32
	Body     []byte
}

// HeaderLen is the number of bytes Encode spends before the body.
func HeaderLen(packetID uint32) int {
	return 1 + protocol.UvarintLen(uint64(packetID))
}

// MaxBodySize is the largest body that still fits one packet.
func MaxBodySize(packetID uint32) int {
	return protocol.MaxPayloadSize - HeaderLen(packetID)
}

// Encode serializes e. The result is a packet payload, not a frame.
func (e Envelope) Encode() ([]byte, error) {
	if len(e.Body) > MaxBodySize(e.PacketID) {
		return nil, fmt.Errorf("%w: %s body of %d bytes (max %d)",
			protocol.ErrPayloadTooLarge, e.Kind, len(e.Body), MaxBodySize(e.PacketID))
	}
	out := make([]byte, 0, HeaderLen(e.PacketID)+len(e.Body))
	out = append(out, byte(e.Kind))
	out = protocol.AppendUvarint(out, uint64(e.PacketID))
	return append(out, e.Body...), nil
}

// Decode parses a packet payload. Body aliases payload.
func Decode(payload []byte) (Envelope, error) {
	if len(payload) < 2 {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(payload))
	}
	id, n, err := protocol.DecodeUvarint(payload[1:])
	if err != nil || id > math.MaxUint32 {
		return Envelope{}, fmt.Errorf("%w: packet id", ErrBadHeader)
	}
	return Envelope{
		Kind:     Kind(payload[0]),
		PacketID: uint32(id),
		Body:     payload[1+n:],
	}, nil
}

// Ack builds the acknowledgement for packet id.
func Ack(id uint32) Envelope {
	return Envelope{Kind: KindAck, PacketID: id}
}

// EncodeTelemetry is the device-side telemetry body.
func EncodeTelemetry(t gimbal.Telemetry) []byte {
	b := make([]byte, telemetrySize)
	putFloat(b[0:], t.Position.Pan)
	putFloat(b[4:], t.Position.Tilt)
	putFloat(b[8:], t.Setpoint.Pan)
	putFloat(b[12:], t.Setpoint.Tilt)
	b[16] = byte(t.Mode)
	return b
}

func DecodeTelemetry(b []byte) (gimbal.Telemetry, error) {
	if len(b) < telemetrySize {
		return gimbal.Telemetry{}, fmt.Errorf("%w: telemetry %d/%d", ErrShortMessage, len(b), telemetrySize)
	}
	return gimbal.Telemetry{
		Position: gimbal.Position{Pan: getFloat(b[0:]), Tilt: getFloat(b[4:])},
		Setpoint: gimbal.Setpoint{Pan: getFloat(b[8:]), Tilt: getFloat(b[12:])},
		Mode:     gimbal.Mode(b[16]),
	}, nil
}

// EncodeHealth truncates the message so the envelope still fits a packet.
func EncodeHealth(h gimbal.Health) []byte {
	msg := h.Message
	if limit := MaxBodySize(0) - healthMinSize; len(msg) > limit {
		msg = msg[:limit]
	}
	b := make([]byte, healthMinSize, healthMinSize+len(msg))
	b[0] = byte(h.Status)
	binary.LittleEndian.PutUint32(b[1:], h.ErrorFlags)
	return append(b, msg...)
}

func DecodeHealth(b []byte) (gimbal.Health, error) {
	if len(b) < healthMinSize {
		return gimbal.Health{}, fmt.Errorf("%w: health %d/%d", ErrShortMessage, len(b), healthMinSize)
	}
	return gimbal.Health{
		Status:     gimbal.HealthStatus(b[0]),
		ErrorFlags: binary.LittleEndian.Uint32(b[1:5]),
		Message:    string(b[5:]),
	}, nil
}

func EncodeLimits(l gimbal.Limits) []byte {
	b := make([]byte, limitsSize)
	putFloat(b[0:], l.PanLower)
	putFloat(b[4:], l.PanUpper)
	putFloat(b[8:], l.TiltLower)
	putFloat(b[12:], l.TiltUpper)
	return b
}

func DecodeLimits(b []byte) (gimbal.Limits, error) {
	if len(b) < limitsSize {
		return gimbal.Limits{}, fmt.Errorf("%w: limits %d/%d", ErrShortMessage, len(b), limitsSize)
	}
	return gimbal.Limits{
		PanLower:  getFloat(b[0:]),
		PanUpper:  getFloat(b[4:]),
		TiltLower: getFloat(b[8:]),
		TiltUpper: getFloat(b[12:]),
	}, nil
}

func putFloat(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
