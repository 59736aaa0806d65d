// Package traffic defines the aircraft state shared by producers, the hub
// and viewers, together with the validation applied to incoming reports.
package traffic

import (
	"math"
	"time"
)

// AircraftState is the latest accepted state of one live aircraft.
// All positions are WGS84; altitudes are in feet.
type AircraftState struct {
	// ID is the stable identifier (usually the callsign). Primary key.
	ID string `json:"id"`

	// Callsign as reported by the producer, may equal ID
	Callsign string `json:"callsign,omitempty"`

	// Position
	Latitude    float64  `json:"lat"`
	Longitude   float64  `json:"lon"`
	AltitudeAGL *float64 `json:"alt"`    // nil when terrain data was unavailable
	AltitudeMSL float64  `json:"altMSL"` // feet above mean sea level

	// Kinematics
	Heading       float64 `json:"heading"` // degrees [0, 360)
	Speed         float64 `json:"speed"`   // knots
	VerticalSpeed float64 `json:"vspeed"`  // feet per minute

	// Flight metadata
	FlightNo    string `json:"flightNo,omitempty"`
	Departure   string `json:"departure,omitempty"`
	Arrival     string `json:"arrival,omitempty"`
	Squawk      string `json:"squawk,omitempty"`
	TakeoffTime string `json:"takeoffTime,omitempty"` // ISO-8601, empty until airborne

	// FlightPlan is the opaque serialized waypoint array
	FlightPlan FlightPlan `json:"flightPlan,omitempty"`

	// NextWaypoint is the producer's own hint, nil when not supplied
	NextWaypoint *string `json:"nextWaypoint"`

	// LastSeen is when the most recent report was accepted
	LastSeen time.Time `json:"lastSeen"`
}

// DisplayAltitude returns the altitude a viewer should show: AGL when known,
// otherwise MSL rounded to the nearest foot.
func (a AircraftState) DisplayAltitude() float64 {
	if a.AltitudeAGL != nil {
		return *a.AltitudeAGL
	}
	return math.Round(a.AltitudeMSL)
}

// Age returns how long ago the aircraft last reported.
func (a AircraftState) Age(now time.Time) time.Duration {
	return now.Sub(a.LastSeen)
}

// AircraftView is what viewers receive: the stored state plus the derived
// index of the waypoint currently being flown to (-1 when none).
type AircraftView struct {
	AircraftState
	ActiveWaypoint int `json:"activeWaypoint"`
}

// SnapshotMessage is the payload pushed on every broadcast.
type SnapshotMessage struct {
	Aircraft []AircraftView `json:"aircraft"`
}
