// Package protocol implements the gimbal link wire format:
//
//	[0xAA sync][varint length][payload 0..62 bytes]
//
// A frame never exceeds 64 bytes, so the length prefix is always a single
// byte. There is no checksum; corruption inside the payload is left to the
// application envelope.
package protocol

import (
	"errors"
	"fmt"
)

const (
	SyncByte       byte = 0xAA
	MaxPacketSize       = 64
	MaxPayloadSize      = MaxPacketSize - 2
)

var (
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrMalformedFrame  = errors.New("protocol: malformed frame")
	ErrIncomplete      = errors.New("protocol: incomplete varint")
)

// Encode wraps payload in a sync byte and length prefix.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, SyncByte)
	frame = AppendUvarint(frame, uint64(len(payload)))
	return append(frame, payload...), nil
}
