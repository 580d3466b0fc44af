package protocol

// Reassembler merges BLE write fragments (each bounded by the ATT MTU) into one
// telemetry frame. It is not safe for concurrent use; the owner serializes
// access.
//
// The expected frame length is taken from the length byte of the frame header
// plus FrameOverhead. A write that itself begins with a telemetry header starts a
// new frame and discards whatever was pending. When the header arrives split
// across writes, it is recognized once the first three bytes have accumulated.
type Reassembler struct {
	buf      []byte
	expected int // -1 until a header has been seen
	dropped  int
}

// NewReassembler returns an empty buffer.
func NewReassembler() *Reassembler {
	return &Reassembler{expected: -1}
}

// Append adds one write's bytes to the pending frame.
func (r *Reassembler) Append(b []byte) {
	if len(b) >= FrameOverhead && b[1] == MessageTypeTelemetry {
		r.Reset()
		r.expected = int(b[2]) + FrameOverhead
	}
	r.buf = append(r.buf, b...)

	if r.expected < 0 && len(r.buf) >= 3 && r.buf[0] == STX && r.buf[1] == MessageTypeTelemetry {
		r.expected = int(r.buf[2]) + FrameOverhead
	}
}

// Full reports whether exactly one complete frame is buffered. Accumulating
// more than the expected length, or bytes that cannot start a telemetry frame,
// discards the buffer.
func (r *Reassembler) Full() bool {
	if r.expected < 0 {
		if len(r.buf) > 0 && (r.buf[0] != STX || len(r.buf) >= 3) {
			r.discard()
		}
		return false
	}
	if len(r.buf) > r.expected {
		r.discard()
		return false
	}
	return len(r.buf) == r.expected
}

// Bytes returns a copy of the buffered bytes.
func (r *Reassembler) Bytes() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Len returns the number of buffered bytes.
func (r *Reassembler) Len() int { return len(r.buf) }

// Expected returns the expected frame length, or -1 if not yet known.
func (r *Reassembler) Expected() int { return r.expected }

// Dropped returns how many times a corrupt or overflowing buffer was discarded.
func (r *Reassembler) Dropped() int { return r.dropped }

// Reset clears the buffer and forgets the expected length.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.expected = -1
}

func (r *Reassembler) discard() {
	r.dropped++
	r.Reset()
}
