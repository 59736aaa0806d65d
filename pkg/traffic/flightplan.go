package traffic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/unklstewy/sim-traffic-hub/pkg/coordinates"
)

// ErrInvalidFlightPlan is returned when a flight plan payload is neither a
// JSON string nor a JSON array.
var ErrInvalidFlightPlan = errors.New("flight plan must be a serialized waypoint array")

// FlightPlan holds a serialized waypoint array. The hub passes it through
// untouched; only lat/lon are ever read back out of it.
//
// On input either a JSON string containing the array or the array itself is
// accepted. On output it is always written as a JSON string.
type FlightPlan string

func (p *FlightPlan) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = FlightPlan(s)
		return nil
	case '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFlightPlan, err)
		}
		*p = FlightPlan(buf.String())
		return nil
	}
	return ErrInvalidFlightPlan
}

func (p FlightPlan) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// Waypoint is one entry of a decoded flight plan. Any coordinate or
// constraint may be missing.
type Waypoint struct {
	Ident string        `json:"ident"`
	Type  string        `json:"type"`
	Lat   OptionalFloat `json:"lat"`
	Lon   OptionalFloat `json:"lon"`
	Alt   OptionalFloat `json:"alt"`
	Spd   OptionalFloat `json:"spd"`
}

// Position implements coordinates.Locatable.
func (w Waypoint) Position() (coordinates.Geographic, bool) {
	if !w.Lat.Valid || !w.Lon.Valid {
		return coordinates.Geographic{}, false
	}
	g := coordinates.Geographic{Latitude: w.Lat.Value, Longitude: w.Lon.Value}
	return g, g.Valid()
}

// OptionalFloat decodes a number, a numeric string or null.
type OptionalFloat struct {
	Value float64
	Valid bool
}

func (f *OptionalFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*f = OptionalFloat{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			*f = OptionalFloat{Value: v, Valid: true}
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		// Booleans, objects and the like simply leave the value unset.
		return nil
	}
	*f = OptionalFloat{Value: v, Valid: true}
	return nil
}

func (f OptionalFloat) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// ParseFlightPlan decodes the serialized waypoint array.
func ParseFlightPlan(p FlightPlan) ([]Waypoint, error) {
	if p == "" {
		return nil, nil
	}
	var wps []Waypoint
	if err := json.Unmarshal([]byte(p), &wps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlightPlan, err)
	}
	return wps, nil
}

// PlanCache memoizes decoded flight plans keyed by their serialized form.
// Producers resend the same plan every few seconds, so nearly every lookup
// during a broadcast is a hit.
type PlanCache struct {
	plans *expirable.LRU[FlightPlan, []Waypoint]
}

// NewPlanCache creates a cache holding up to size plans for at most ttl.
func NewPlanCache(size int, ttl time.Duration) *PlanCache {
	if size <= 0 {
		size = 512
	}
	return &PlanCache{
		plans: expirable.NewLRU[FlightPlan, []Waypoint](size, nil, ttl),
	}
}

// Waypoints returns the decoded plan. Undecodable plans are cached as empty
// so they are not re-parsed every tick.
func (c *PlanCache) Waypoints(p FlightPlan) []Waypoint {
	if p == "" {
		return nil
	}
	if wps, ok := c.plans.Get(p); ok {
		return wps
	}
	wps, err := ParseFlightPlan(p)
	if err != nil {
		wps = nil
	}
	c.plans.Add(p, wps)
	return wps
}

// Len reports how many plans are cached.
func (c *PlanCache) Len() int {
	return c.plans.Len()
}

// Annotate builds the viewer-facing form of a snapshot, computing the
// active waypoint of every aircraft from its current position.
func (c *PlanCache) Annotate(states []AircraftState) []AircraftView {
	views := make([]AircraftView, len(states))
	for i, st := range states {
		active := coordinates.NoWaypoint
		if wps := c.Waypoints(st.FlightPlan); len(wps) > 0 {
			pos := coordinates.Geographic{Latitude: st.Latitude, Longitude: st.Longitude}
			active = coordinates.ActiveWaypointIndex(pos, wps)
		}
		views[i] = AircraftView{AircraftState: st, ActiveWaypoint: active}
	}
	return views
}
