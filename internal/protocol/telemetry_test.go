package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeTelemetryStatusAndTimestamp(t *testing.T) {
	payload := make([]byte, TelemetryPayloadLen)
	payload[0] = 0x04
	payload[19] = 0x0B

	d, err := DecodeTelemetry(payload)
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}

	if want := (DeviceEpoch + 4) * 1000; d.Timestamp != want {
		t.Errorf("Timestamp = %d, want %d", d.Timestamp, want)
	}
	wantStatus := "GPS latched | IGN on | No Engine Data | Date/Time Valid | Speed From GPS | Distance From GPS"
	if d.StatusFlag != wantStatus {
		t.Errorf("StatusFlag = %q, want %q", d.StatusFlag, wantStatus)
	}
	if got := len(strings.Split(d.StatusFlag, " | ")); got != 6 {
		t.Errorf("StatusFlag has %d clauses, want 6", got)
	}
	if d.Time().Year() != 2002 {
		t.Errorf("Time() = %v, want a 2002 date", d.Time())
	}
}

func TestDecodeTelemetryScaling(t *testing.T) {
	rec := Record{
		Timestamp:    600000000,
		Latitude:     435000000,  // 43.5
		Longitude:    -795000000, // -79.5
		RoadSpeed:    88,
		RPM:          8000, // 2000 rpm
		Odometer:     1234567,
		Status:       StatusIgnitionOn | StatusEngineData | StatusSpeedFromEngine | StatusDistFromEngine,
		TripOdometer: 125,
		EngineHours:  98765,
		TripDuration: 3600000,
		VehicleID:    0xDEADBEEF,
		DriverID:     42,
	}

	d, err := DecodeTelemetry(rec.Encode())
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want float64
	}{
		{"latitude", d.Latitude, 43.5},
		{"longitude", d.Longitude, -79.5},
		{"roadSpeed", float64(d.RoadSpeed), 88},
		{"rpm", d.RPM, 2000},
		{"odometer", d.Odometer, 123456.7},
		{"tripOdometer", d.TripOdometer, 12.5},
		{"engineHours", d.TotalEngineHours, 9876.5},
		{"tripDuration", float64(d.TripDuration), 3600000},
		{"goDeviceId", float64(d.GoDeviceID), 0xDEADBEEF},
		{"driverId", float64(d.DriverID), 42},
	}
	for _, c := range checks {
		if diff := c.got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	wantStatus := "GPS invalid | IGN on | Engine Data | Date/Time Invalid | Speed From Engine | Distance From Engine"
	if d.StatusFlag != wantStatus {
		t.Errorf("StatusFlag = %q, want %q", d.StatusFlag, wantStatus)
	}
}

func TestDecodeTelemetryByteOrder(t *testing.T) {
	payload := make([]byte, TelemetryPayloadLen)
	// least significant byte first
	copy(payload[32:36], []byte{0x78, 0x56, 0x34, 0x12})
	copy(payload[4:8], []byte{0xFF, 0xFF, 0xFF, 0xFF})

	d, err := DecodeTelemetry(payload)
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}
	if d.GoDeviceID != 0x12345678 {
		t.Errorf("GoDeviceID = %#x, want 0x12345678", d.GoDeviceID)
	}
	if d.Latitude != -1e-7 {
		t.Errorf("Latitude = %v, want -1e-7 (signed)", d.Latitude)
	}
}

func TestDecodeTelemetryShortPayload(t *testing.T) {
	_, err := DecodeTelemetry(make([]byte, TelemetryPayloadLen-1))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("DecodeTelemetry(39 bytes) error = %v, want ErrInvalidPayload", err)
	}
}

func TestDecodeTelemetryKeepsRaw(t *testing.T) {
	rec := Record{Timestamp: 1, Status: 0x80}
	payload := rec.Encode()

	d, err := DecodeTelemetry(payload)
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}
	raw := d.Raw()
	if string(raw) != string(payload) {
		t.Errorf("Raw() = % x, want % x", raw, payload)
	}
	payload[0] = 0xEE
	if d.Raw()[0] == 0xEE {
		t.Error("decoded event aliases the payload")
	}
	if got := d.RawData[19]; got != -128 {
		t.Errorf("RawData[19] = %d, want -128", got)
	}
}

func TestDecodeTelemetryFrame(t *testing.T) {
	rec := Record{Timestamp: 4, Status: 0x0B, DriverID: 7}
	d, err := DecodeTelemetryFrame(rec.Frame())
	if err != nil {
		t.Fatalf("DecodeTelemetryFrame() error = %v", err)
	}
	if d.DriverID != 7 {
		t.Errorf("DriverID = %d, want 7", d.DriverID)
	}

	frame := rec.Frame()
	frame[10]++
	if _, err := DecodeTelemetryFrame(frame); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("DecodeTelemetryFrame(corrupt) error = %v, want ErrInvalidPayload", err)
	}
}

func TestGoDeviceDataJSON(t *testing.T) {
	d, err := DecodeTelemetry(Record{Timestamp: 4, Status: 0x0B}.Encode())
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	for _, key := range []string{
		"timestamp", "latitude", "longitude", "roadSpeed", "rpm", "odometer", "statusFlag",
		"tripOdometer", "totalEngineHours", "tripDuration", "goDeviceId", "driverId", "rawData",
	} {
		if _, ok := fields[key]; !ok {
			t.Errorf("JSON is missing %q: %s", key, b)
		}
	}
	if len(fields) != 13 {
		t.Errorf("JSON has %d fields, want 13: %s", len(fields), b)
	}
	// Signed numbers, not base64.
	raw, ok := fields["rawData"].([]interface{})
	if !ok || len(raw) != TelemetryPayloadLen {
		t.Fatalf("rawData = %v, want a %d element array", fields["rawData"], TelemetryPayloadLen)
	}
	if raw[0] != float64(4) {
		t.Errorf("rawData[0] = %v, want 4", raw[0])
	}
}
