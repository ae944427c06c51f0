package protocol

import (
	"github.com/rs/zerolog"
)

type framerState int

const (
	stateSearchingSync framerState = iota
	stateReadingLength
	stateReadingPayload
)

func (s framerState) String() string {
	switch s {
	case stateSearchingSync:
		return "searching-sync"
	case stateReadingLength:
		return "reading-length"
	case stateReadingPayload:
		return "reading-payload"
	default:
		return "unknown"
	}
}

// FramerStats counts what the framer has seen since it was created.
// Reset does not clear them.
type FramerStats struct {
	Packets      uint64 // complete packets delivered
	DroppedBytes uint64 // bytes discarded while searching for a sync byte
	Malformed    uint64 // partial packets dropped on an invalid length prefix
}

// Framer turns an arbitrary-chunked byte stream into packets.
//
// Input may split frames anywhere, and one Feed call may carry several
// frames; every complete packet is delivered before Feed returns. On an
// invalid length prefix the partial packet is dropped and the framer goes
// back to scanning for the next sync byte, so one corrupted byte cannot
// wedge the stream.
//
// A Framer is not safe for concurrent use; each transport owns one and feeds
// it from its read goroutine.
type Framer struct {
	onPacket func([]byte)
	log      zerolog.Logger

	state    framerState
	lenBuf   []byte
	payload  []byte
	expected int
	stats    FramerStats

	// OnMalformed, when set, is called each time a partial packet is dropped.
	OnMalformed func()
}

// NewFramer returns a framer that calls onPacket for every complete packet.
// The slice passed to onPacket is owned by the callee.
func NewFramer(onPacket func([]byte), log zerolog.Logger) *Framer {
	return &Framer{
		onPacket: onPacket,
		log:      log,
		lenBuf:   make([]byte, 0, 2),
		payload:  make([]byte, 0, MaxPayloadSize),
	}
}

// Feed consumes p, delivering as many packets as it completes.
func (f *Framer) Feed(p []byte) {
	for i := 0; i < len(p); {
		switch f.state {
		case stateSearchingSync:
			if p[i] == SyncByte {
				f.lenBuf = f.lenBuf[:0]
				f.state = stateReadingLength
			} else {
				f.stats.DroppedBytes++
			}
			i++

		case stateReadingLength:
			if len(f.lenBuf) == 0 && p[i] == SyncByte {
				// The previous sync byte was stray; this one starts the packet.
				f.stats.DroppedBytes++
				i++
				continue
			}
			f.lenBuf = append(f.lenBuf, p[i])
			i++
			n, _, err := DecodeLength(f.lenBuf)
			if err != nil {
				// ErrIncomplete means a continuation bit on the first byte,
				// which no in-range length ever sets.
				f.malformed(err)
				continue
			}
			f.expected = n
			f.payload = f.payload[:0]
			if n == 0 {
				f.deliver()
				continue
			}
			f.state = stateReadingPayload

		case stateReadingPayload:
			take := min(f.expected-len(f.payload), len(p)-i)
			f.payload = append(f.payload, p[i:i+take]...)
			i += take
			if len(f.payload) >= f.expected {
				f.deliver()
			}
		}
	}
}

// Reset discards any partial packet and returns to sync search.
func (f *Framer) Reset() {
	prev := f.state
	f.state = stateSearchingSync
	f.lenBuf = f.lenBuf[:0]
	f.payload = f.payload[:0]
	f.expected = 0
	f.log.Debug().
		Stringer("from", prev).
		Uint64("packets", f.stats.Packets).
		Uint64("dropped", f.stats.DroppedBytes).
		Uint64("malformed", f.stats.Malformed).
		Msg("framer reset")
}

// Stats returns the framer counters.
func (f *Framer) Stats() FramerStats {
	return f.stats
}

func (f *Framer) deliver() {
	pkt := make([]byte, f.expected)
	copy(pkt, f.payload[:f.expected])
	f.stats.Packets++
	f.state = stateSearchingSync
	f.payload = f.payload[:0]
	f.lenBuf = f.lenBuf[:0]
	f.expected = 0
	if f.onPacket != nil {
		f.onPacket(pkt)
	}
}

func (f *Framer) malformed(err error) {
	f.stats.Malformed++
	f.log.Warn().Err(err).Hex("length_prefix", f.lenBuf).Msg("invalid length prefix, resyncing")
	f.lenBuf = f.lenBuf[:0]
	f.payload = f.payload[:0]
	f.state = stateSearchingSync
	if f.OnMalformed != nil {
		f.OnMalformed()
	}
}
