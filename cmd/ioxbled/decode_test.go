package main

import (
	"encoding/hex"
	"errors"
	"testing"

	"ioxble/internal/protocol"
)

func TestDecodeHex(t *testing.T) {
	rec := protocol.Record{
		Timestamp: 1000,
		Latitude:  453_000_000,
		Longitude: -754_000_000,
		RoadSpeed: 88,
		VehicleID: 42,
	}
	frame := hex.EncodeToString(rec.Frame())
	payload := hex.EncodeToString(rec.Encode())

	tests := []struct {
		name  string
		input string
	}{
		{"frame", frame},
		{"bare payload", payload},
		{"prefixed", "0x" + frame},
		{"spaced", frame[:10] + " " + frame[10:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := decodeHex(tt.input)
			if err != nil {
				t.Fatalf("decodeHex: %v", err)
			}
			if d.RoadSpeed != 88 || d.GoDeviceID != 42 {
				t.Errorf("decoded %+v", d)
			}
			if d.Timestamp != (protocol.DeviceEpoch+1000)*1000 {
				t.Errorf("Timestamp = %d", d.Timestamp)
			}
		})
	}
}

func TestDecodeHexErrors(t *testing.T) {
	if _, err := decodeHex("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := decodeHex("0201000308"); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Errorf("short frame error = %v, want ErrInvalidPayload", err)
	}
}
