package protocol

import (
	"bytes"
	"fmt"
)

// ============================================================================
// Wire Protocol — IOX BLE framing
// ============================================================================

// Frame layout on the wire:
//
//	Byte 0:        STX (0x02)
//	Byte 1:        message type
//	Byte 2:        payload length N
//	Byte 3..3+N:   payload
//	Byte N+3:      check1 (running sum)
//	Byte N+4:      check2 (sum of sums)
//	Byte N+5:      ETX (0x03)
//
// Control bytes (sync, handshake, acknowledgement) are fixed sequences that are
// compared byte for byte.
const (
	STX byte = 0x02
	ETX byte = 0x03

	SyncByte byte = 0x55

	MessageTypeHandshake        byte = 0x01
	MessageTypeAck              byte = 0x02
	MessageTypeTelemetry        byte = 0x21
	MessageTypeHandshakeConfirm byte = 0x81

	// FrameOverhead is STX + type + length + 2 checksum bytes + ETX.
	FrameOverhead = 6

	// MaxPayloadLen is bounded by the single length byte.
	MaxPayloadLen = 0xFF
)

var (
	handshakeRequest = []byte{0x02, 0x01, 0x00, 0x03, 0x08, 0x03}
	acknowledgement  = []byte{0x02, 0x02, 0x00, 0x04, 0x0A, 0x03}

	// device id / flags sent back to the IOX in the handshake confirmation
	handshakeConfirmPayload = []byte{0x2D, 0x10, 0x01, 0x00}
)

// SyncMessage returns the one-byte message repeated while waiting for the
// central to start the handshake.
func SyncMessage() []byte {
	return []byte{SyncByte}
}

// HandshakeRequest returns a copy of the handshake bytes sent by the IOX.
func HandshakeRequest() []byte {
	return bytes.Clone(handshakeRequest)
}

// Acknowledgement returns a copy of the acknowledgement bytes sent by the IOX
// after it accepted the handshake confirmation.
func Acknowledgement() []byte {
	return bytes.Clone(acknowledgement)
}

// IsHandshakeRequest reports whether b is exactly the handshake sequence.
func IsHandshakeRequest(b []byte) bool {
	return bytes.Equal(b, handshakeRequest)
}

// IsAcknowledgement reports whether b is exactly the acknowledgement sequence.
func IsAcknowledgement(b []byte) bool {
	return bytes.Equal(b, acknowledgement)
}

// HandshakeConfirmation builds the checksummed frame answering a handshake.
func HandshakeConfirmation() []byte {
	frame, _ := EncodeFrame(MessageTypeHandshakeConfirm, handshakeConfirmPayload)
	return frame
}

// Checksum computes the two running accumulators over b. Arithmetic wraps at
// 256 like the device firmware.
func Checksum(b []byte) (check1, check2 byte) {
	for _, c := range b {
		check1 += c
		check2 += check1
	}
	return check1, check2
}

// EncodeFrame wraps payload in STX/ETX framing with length and checksum.
func EncodeFrame(messageType byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("protocol: payload too large (%d bytes, max %d)", len(payload), MaxPayloadLen)
	}

	frame := make([]byte, 0, len(payload)+FrameOverhead)
	frame = append(frame, STX, messageType, byte(len(payload)))
	frame = append(frame, payload...)
	check1, check2 := Checksum(frame)
	frame = append(frame, check1, check2, ETX)
	return frame, nil
}

// ValidateFrame checks framing, declared length and checksum of a complete
// frame of the given message type and returns its payload.
func ValidateFrame(frame []byte, messageType byte) ([]byte, error) {
	count := len(frame)
	if count < FrameOverhead {
		return nil, parseErrorf("frame too short (%d bytes)", count)
	}
	if frame[0] != STX {
		return nil, parseErrorf("missing STX (got 0x%02x)", frame[0])
	}
	if frame[1] != messageType {
		return nil, parseErrorf("unexpected message type 0x%02x (want 0x%02x)", frame[1], messageType)
	}
	if frame[count-1] != ETX {
		return nil, parseErrorf("missing ETX (got 0x%02x)", frame[count-1])
	}
	if int(frame[2])+FrameOverhead != count {
		return nil, parseErrorf("length mismatch (declared %d, frame %d bytes)", frame[2], count)
	}

	check1, check2 := Checksum(frame[:count-3])
	if check1 != frame[count-3] || check2 != frame[count-2] {
		return nil, parseErrorf("checksum mismatch (got %02x%02x, want %02x%02x)",
			frame[count-3], frame[count-2], check1, check2)
	}

	return frame[3 : count-3], nil
}
