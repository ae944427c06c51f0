package protocol

// MaxVarintLen is the maximum number of bytes a uint64 varint can occupy.
const MaxVarintLen = 10

// AppendUvarint appends the minimal varint encoding of v to buf.
// 7 bits of data per byte, MSB set on every byte but the last.
func AppendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// UvarintLen returns the number of bytes AppendUvarint emits for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

// DecodeUvarint decodes a varint from the front of buf.
// Returns ErrIncomplete when buf ends mid-varint and ErrMalformedFrame when the
// varint runs past MaxVarintLen bytes or is not minimally encoded.
func DecodeUvarint(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range buf {
		if i >= MaxVarintLen {
			return 0, 0, ErrMalformedFrame
		}
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			n := i + 1
			if n > 1 && b == 0 {
				// trailing zero group: a shorter encoding exists
				return 0, 0, ErrMalformedFrame
			}
			return v, n, nil
		}
		shift += 7
	}
	if len(buf) >= MaxVarintLen {
		return 0, 0, ErrMalformedFrame
	}
	return 0, 0, ErrIncomplete
}

// DecodeLength decodes a packet length prefix. Lengths above MaxPayloadSize
// are corruption, not a reason to wait for more data.
func DecodeLength(buf []byte) (length int, consumed int, err error) {
	v, n, err := DecodeUvarint(buf)
	if err != nil {
		return 0, 0, err
	}
	if v > MaxPayloadSize {
		return 0, 0, ErrMalformedFrame
	}
	return int(v), n, nil
}
