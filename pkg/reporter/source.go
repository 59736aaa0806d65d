package reporter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/unklstewy/sim-traffic-hub/pkg/coordinates"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// ErrNotConnected is returned by a Source with no live vehicle. The
// reporter treats it as a quiet no-op tick.
var ErrNotConnected = errors.New("no live vehicle")

// Sample is one reading of local flight state. Pointer fields are nil
// when the simulator could not provide them.
type Sample struct {
	Callsign string

	Latitude        float64
	Longitude       float64
	AltitudeMSL     *float64 // feet
	GroundElevation *float64 // feet MSL under the vehicle
	VehicleOffset   *float64 // meters from reference point to ground contact

	Heading       float64 // degrees true
	Speed         float64 // knots
	VerticalSpeed float64 // feet per minute
	OnGround      bool

	FlightPlan   []traffic.Waypoint
	NextWaypoint *string
}

// Source provides samples, typically from a running simulator.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

const (
	// gearHeightM is the simulated vehicle offset
	gearHeightM = 1.2

	climbRateFPM   = 1800.0
	descentRateFPM = 1200.0
)

// SimulatedSource flies a route at constant ground speed. It sits on the
// ground at the first waypoint for TaxiTime, flies each leg by great
// circle, and lands at the last waypoint. Waypoint altitudes are targets
// in feet MSL; the first waypoint's altitude is the field elevation.
type SimulatedSource struct {
	callsign string
	route    []traffic.Waypoint
	speedKts float64

	// TaxiTime is how long the aircraft waits before takeoff
	TaxiTime time.Duration

	now func() time.Time

	mu       sync.Mutex
	started  time.Time
	last     time.Time
	pos      coordinates.Geographic
	altMSL   float64
	vspeed   float64
	heading  float64
	leg      int
	airborne bool
	landed   bool
}

// NewSimulatedSource creates a source for route. Waypoints without a valid
// position are skipped.
func NewSimulatedSource(callsign string, route []traffic.Waypoint, speedKts float64) *SimulatedSource {
	valid := make([]traffic.Waypoint, 0, len(route))
	for _, wp := range route {
		if _, ok := wp.Position(); ok {
			valid = append(valid, wp)
		}
	}
	return &SimulatedSource{
		callsign: callsign,
		route:    valid,
		speedKts: speedKts,
		TaxiTime: 10 * time.Second,
		now:      time.Now,
	}
}

// Sample advances the simulation to the current time and reads it.
func (s *SimulatedSource) Sample(ctx context.Context) (Sample, error) {
	if len(s.route) < 2 {
		return Sample{}, ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.started.IsZero() {
		s.started = now
		s.last = now
		s.pos, _ = s.route[0].Position()
		s.altMSL = s.fieldElevation() + gearHeightM*coordinates.MetersToFeet
		s.leg = 1
		if next, ok := s.route[1].Position(); ok {
			s.heading = coordinates.Bearing(s.pos, next)
		}
	}

	dt := now.Sub(s.last)
	s.last = now
	if !s.airborne && !s.landed && now.Sub(s.started) >= s.TaxiTime {
		s.airborne = true
	}
	if s.airborne && dt > 0 {
		s.advance(dt)
	}

	return s.sampleLocked(), nil
}

func (s *SimulatedSource) fieldElevation() float64 {
	if s.route[0].Alt.Valid {
		return s.route[0].Alt.Value
	}
	return 0
}

// groundElevation is the departure field until landing, then the arrival
// field.
func (s *SimulatedSource) groundElevation() float64 {
	if s.landed {
		if last := s.route[len(s.route)-1]; last.Alt.Valid {
			return last.Alt.Value
		}
		return 0
	}
	return s.fieldElevation()
}

// advance moves along the route for dt, carrying leftover distance into
// the following legs.
func (s *SimulatedSource) advance(dt time.Duration) {
	hours := dt.Hours()
	remaining := s.speedKts * coordinates.KmPerNauticalMile * hours

	for remaining > 0 && s.leg < len(s.route) {
		target, _ := s.route[s.leg].Position()
		dist := coordinates.Distance(s.pos, target)
		s.heading = coordinates.Bearing(s.pos, target)
		if dist > remaining {
			s.pos = coordinates.Destination(s.pos, s.heading, remaining)
			remaining = 0
			break
		}
		s.pos = target
		remaining -= dist
		s.leg++
	}

	targetAlt := s.altMSL
	if s.leg < len(s.route) && s.route[s.leg].Alt.Valid {
		targetAlt = s.route[s.leg].Alt.Value
	}
	if s.leg >= len(s.route) {
		s.airborne = false
		s.landed = true
		s.altMSL = s.groundElevation() + gearHeightM*coordinates.MetersToFeet
		s.vspeed = 0
		return
	}

	minutes := dt.Minutes()
	switch {
	case targetAlt > s.altMSL:
		s.vspeed = climbRateFPM
		s.altMSL = math.Min(targetAlt, s.altMSL+climbRateFPM*minutes)
	case targetAlt < s.altMSL:
		s.vspeed = -descentRateFPM
		s.altMSL = math.Max(targetAlt, s.altMSL-descentRateFPM*minutes)
	default:
		s.vspeed = 0
	}
}

func (s *SimulatedSource) sampleLocked() Sample {
	alt := s.altMSL
	elev := s.groundElevation()
	offset := gearHeightM

	out := Sample{
		Callsign:        s.callsign,
		Latitude:        s.pos.Latitude,
		Longitude:       s.pos.Longitude,
		AltitudeMSL:     &alt,
		GroundElevation: &elev,
		VehicleOffset:   &offset,
		Heading:         s.heading,
		OnGround:        !s.airborne,
		FlightPlan:      s.route,
	}
	if s.airborne {
		out.Speed = s.speedKts
		out.VerticalSpeed = s.vspeed
	}
	if s.leg < len(s.route) {
		next := s.route[s.leg].Ident
		out.NextWaypoint = &next
	}
	return out
}
