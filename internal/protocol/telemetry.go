package protocol

import (
	"encoding/binary"
	"strings"
	"time"
)

// ============================================================================
// Telemetry record — fixed 40-byte payload of a 0x21 frame
// ============================================================================

// Payload layout. Multi-byte integers are transmitted least significant byte
// first.
//
//	0..3    timestamp, seconds since 2002-01-01T00:00:00Z
//	4..7    latitude, signed, 1e-7 degrees
//	8..11   longitude, signed, 1e-7 degrees
//	12      road speed, km/h
//	13..14  engine speed, 0.25 rpm
//	15..18  odometer, 0.1 km
//	19      status flags
//	20..23  trip odometer, 0.1 km
//	24..27  total engine hours, 0.1 h
//	28..31  trip duration, milliseconds
//	32..35  vehicle (Go device) id
//	36..39  driver id
const (
	TelemetryPayloadLen = 40

	// DeviceEpoch is 2002-01-01T00:00:00Z in Unix seconds.
	DeviceEpoch int64 = 1009843200

	locationScale = 1e7
	rpmScale      = 4
	distanceScale = 10
)

// Status flag bits.
const (
	StatusGPSLatched      byte = 1 << 0
	StatusIgnitionOn      byte = 1 << 1
	StatusEngineData      byte = 1 << 2
	StatusDateTimeValid   byte = 1 << 3
	StatusSpeedFromEngine byte = 1 << 4
	StatusDistFromEngine  byte = 1 << 5
)

// Record is a telemetry payload with its fields as transmitted, before scaling.
type Record struct {
	Timestamp    uint32
	Latitude     int32
	Longitude    int32
	RoadSpeed    uint8
	RPM          uint16
	Odometer     uint32
	Status       byte
	TripOdometer uint32
	EngineHours  uint32
	TripDuration uint32
	VehicleID    uint32
	DriverID     uint32
}

// ParseRecord reads the fixed fields of a telemetry payload. Bytes beyond the
// first TelemetryPayloadLen are ignored.
func ParseRecord(payload []byte) (Record, error) {
	if len(payload) < TelemetryPayloadLen {
		return Record{}, parseErrorf("telemetry payload too short (%d bytes, want %d)", len(payload), TelemetryPayloadLen)
	}
	le := binary.LittleEndian
	return Record{
		Timestamp:    le.Uint32(payload[0:4]),
		Latitude:     int32(le.Uint32(payload[4:8])),
		Longitude:    int32(le.Uint32(payload[8:12])),
		RoadSpeed:    payload[12],
		RPM:          le.Uint16(payload[13:15]),
		Odometer:     le.Uint32(payload[15:19]),
		Status:       payload[19],
		TripOdometer: le.Uint32(payload[20:24]),
		EngineHours:  le.Uint32(payload[24:28]),
		TripDuration: le.Uint32(payload[28:32]),
		VehicleID:    le.Uint32(payload[32:36]),
		DriverID:     le.Uint32(payload[36:40]),
	}, nil
}

// Encode serializes r into a 40-byte payload.
func (r Record) Encode() []byte {
	le := binary.LittleEndian
	b := make([]byte, TelemetryPayloadLen)
	le.PutUint32(b[0:4], r.Timestamp)
	le.PutUint32(b[4:8], uint32(r.Latitude))
	le.PutUint32(b[8:12], uint32(r.Longitude))
	b[12] = r.RoadSpeed
	le.PutUint16(b[13:15], r.RPM)
	le.PutUint32(b[15:19], r.Odometer)
	b[19] = r.Status
	le.PutUint32(b[20:24], r.TripOdometer)
	le.PutUint32(b[24:28], r.EngineHours)
	le.PutUint32(b[28:32], r.TripDuration)
	le.PutUint32(b[32:36], r.VehicleID)
	le.PutUint32(b[36:40], r.DriverID)
	return b
}

// Frame encodes r as a complete telemetry frame.
func (r Record) Frame() []byte {
	frame, _ := EncodeFrame(MessageTypeTelemetry, r.Encode())
	return frame
}

// ============================================================================
// GoDeviceData — decoded telemetry event
// ============================================================================

// GoDeviceData is one decoded telemetry event. Values are scaled to
// engineering units. RawData is the payload it was decoded from, as the
// signed bytes the web host receives.
type GoDeviceData struct {
	Timestamp        int64   `json:"timestamp"` // Unix milliseconds
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	RoadSpeed        int     `json:"roadSpeed"`
	RPM              float64 `json:"rpm"`
	Odometer         float64 `json:"odometer"`
	StatusFlag       string  `json:"statusFlag"`
	TripOdometer     float64 `json:"tripOdometer"`
	TotalEngineHours float64 `json:"totalEngineHours"`
	TripDuration     uint32  `json:"tripDuration"`
	GoDeviceID       uint32  `json:"goDeviceId"`
	DriverID         uint32  `json:"driverId"`
	RawData          []int8  `json:"rawData"`
}

// Time returns the event timestamp as a time.Time in UTC.
func (d GoDeviceData) Time() time.Time {
	return time.UnixMilli(d.Timestamp).UTC()
}

// Raw returns the payload as unsigned bytes.
func (d GoDeviceData) Raw() []byte {
	out := make([]byte, len(d.RawData))
	for i, b := range d.RawData {
		out[i] = byte(b)
	}
	return out
}

// SignedBytes converts b to the signed representation used by RawData.
func SignedBytes(b []byte) []int8 {
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v)
	}
	return out
}

// DecodeTelemetry turns a telemetry payload into a GoDeviceData.
func DecodeTelemetry(payload []byte) (GoDeviceData, error) {
	rec, err := ParseRecord(payload)
	if err != nil {
		return GoDeviceData{}, err
	}
	return GoDeviceData{
		Timestamp:        (DeviceEpoch + int64(rec.Timestamp)) * 1000,
		Latitude:         float64(rec.Latitude) / locationScale,
		Longitude:        float64(rec.Longitude) / locationScale,
		RoadSpeed:        int(rec.RoadSpeed),
		RPM:              float64(rec.RPM) / rpmScale,
		Odometer:         float64(rec.Odometer) / distanceScale,
		StatusFlag:       StatusString(rec.Status),
		TripOdometer:     float64(rec.TripOdometer) / distanceScale,
		TotalEngineHours: float64(rec.EngineHours) / distanceScale,
		TripDuration:     rec.TripDuration,
		GoDeviceID:       rec.VehicleID,
		DriverID:         rec.DriverID,
		RawData:          SignedBytes(payload),
	}, nil
}

// DecodeTelemetryFrame validates a complete 0x21 frame and decodes its payload.
func DecodeTelemetryFrame(frame []byte) (GoDeviceData, error) {
	payload, err := ValidateFrame(frame, MessageTypeTelemetry)
	if err != nil {
		return GoDeviceData{}, err
	}
	return DecodeTelemetry(payload)
}

// StatusString renders the six status flags, always in the same order.
func StatusString(status byte) string {
	clauses := make([]string, 0, 6)
	clauses = append(clauses, pick(status&StatusGPSLatched != 0, "GPS latched", "GPS invalid"))
	clauses = append(clauses, pick(status&StatusIgnitionOn != 0, "IGN on", "IGN off"))
	clauses = append(clauses, pick(status&StatusEngineData != 0, "Engine Data", "No Engine Data"))
	clauses = append(clauses, pick(status&StatusDateTimeValid != 0, "Date/Time Valid", "Date/Time Invalid"))
	clauses = append(clauses, pick(status&StatusSpeedFromEngine != 0, "Speed From Engine", "Speed From GPS"))
	clauses = append(clauses, pick(status&StatusDistFromEngine != 0, "Distance From Engine", "Distance From GPS"))
	return strings.Join(clauses, " | ")
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
