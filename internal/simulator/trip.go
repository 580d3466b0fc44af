package simulator

import (
	"math"
	"time"

	"ioxble/internal/protocol"
)

// Trip generates a plausible drive: a vehicle heading along a fixed bearing
// at constant speed, one record per step.
type Trip struct {
	VehicleID uint32
	DriverID  uint32
	Step      time.Duration

	at        time.Time
	started   time.Time
	lat, lon  float64 // degrees
	bearing   float64 // radians
	speed     uint8   // km/h
	odometer  float64 // km
	trip      float64 // km
	engineHrs float64
}

// NewTrip starts a trip at the given position and time.
func NewTrip(start time.Time, lat, lon float64, speedKmh uint8) *Trip {
	return &Trip{
		VehicleID: 0x00B1E10C,
		DriverID:  1,
		Step:      time.Second,
		at:        start.UTC(),
		started:   start.UTC(),
		lat:       lat,
		lon:       lon,
		bearing:   math.Pi / 4,
		speed:     speedKmh,
		odometer:  12000,
		engineHrs: 850,
	}
}

// Next advances the trip one step and returns the record for it.
func (t *Trip) Next() protocol.Record {
	t.at = t.at.Add(t.Step)
	km := float64(t.speed) * t.Step.Hours()
	t.trip += km
	t.odometer += km
	t.engineHrs += t.Step.Hours()

	// ~111 km per degree of latitude
	t.lat += km * math.Cos(t.bearing) / 111.0
	t.lon += km * math.Sin(t.bearing) / (111.0 * math.Cos(t.lat*math.Pi/180))

	return protocol.Record{
		Timestamp:    uint32(t.at.Unix() - protocol.DeviceEpoch),
		Latitude:     int32(math.Round(t.lat * 1e7)),
		Longitude:    int32(math.Round(t.lon * 1e7)),
		RoadSpeed:    t.speed,
		RPM:          uint16(1800 * 4),
		Odometer:     uint32(math.Round(t.odometer * 10)),
		Status:       protocol.StatusGPSLatched | protocol.StatusIgnitionOn | protocol.StatusEngineData | protocol.StatusDateTimeValid,
		TripOdometer: uint32(math.Round(t.trip * 10)),
		EngineHours:  uint32(math.Round(t.engineHrs * 10)),
		TripDuration: uint32(t.at.Sub(t.started).Milliseconds()),
		VehicleID:    t.VehicleID,
		DriverID:     t.DriverID,
	}
}
