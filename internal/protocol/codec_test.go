package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestLengthVarintSingleByteForAllPayloadSizes(t *testing.T) {
	for n := 0; n <= MaxPayloadSize; n++ {
		enc := AppendUvarint(nil, uint64(n))
		if len(enc) != 1 {
			t.Fatalf("n=%d encoded to %d bytes", n, len(enc))
		}
		got, consumed, err := DecodeLength(enc)
		if err != nil {
			t.Fatalf("n=%d decode: %v", n, err)
		}
		if got != n || consumed != 1 {
			t.Fatalf("n=%d got=(%d,%d)", n, got, consumed)
		}
	}
}

func TestDecodeUvarintMultiByte(t *testing.T) {
	for _, v := range []uint64{127, 128, 300, 1 << 20, 1<<63 + 5} {
		enc := AppendUvarint(nil, v)
		if len(enc) != UvarintLen(v) {
			t.Fatalf("v=%d len=%d want=%d", v, len(enc), UvarintLen(v))
		}
		got, n, err := DecodeUvarint(enc)
		if err != nil || got != v || n != len(enc) {
			t.Fatalf("v=%d got=(%d,%d,%v)", v, got, n, err)
		}
	}
}

func TestDecodeLengthRejects(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrIncomplete},
		{"continuation only", []byte{0x85}, ErrIncomplete},
		{"oversized", []byte{63}, ErrMalformedFrame},
		{"max single byte", []byte{0x7F}, ErrMalformedFrame},
		{"non-canonical", []byte{0x85, 0x00}, ErrMalformedFrame},
		{"canonical but too big", []byte{0x80, 0x01}, ErrMalformedFrame},
		{"overlong", bytes.Repeat([]byte{0x80}, MaxVarintLen+1), ErrMalformedFrame},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeLength(tc.buf)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got=%v want=%v", err, tc.want)
			}
		})
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	frame, err := Encode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{SyncByte, 3, 1, 2, 3}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame=% X want=% X", frame, want)
	}
}

func TestEncodeMaxPayloadFitsPacket(t *testing.T) {
	frame, err := Encode(make([]byte, MaxPayloadSize))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != MaxPacketSize {
		t.Fatalf("frame len=%d want=%d", len(frame), MaxPacketSize)
	}
}

func TestEncodeOversizedPayload(t *testing.T) {
	frame, err := Encode(make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if frame != nil {
		t.Fatalf("expected no frame, got %d bytes", len(frame))
	}
}
