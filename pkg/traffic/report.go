package traffic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/unklstewy/sim-traffic-hub/pkg/coordinates"
)

var (
	// ErrMissingID is returned when a report carries neither id nor callsign
	ErrMissingID = errors.New("missing aircraft identifier")
	// ErrInvalidPosition is returned when latitude/longitude are absent,
	// non-finite or out of range
	ErrInvalidPosition = errors.New("invalid or missing position")
)

// ValidationError describes why a report was rejected at the boundary.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err was caused by a rejected report.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Report is one producer-submitted update for a single aircraft, exactly as
// received on the wire. It must pass Validate before it reaches the registry.
type Report struct {
	ID       string `json:"id,omitempty"`
	Callsign string `json:"callsign,omitempty"`

	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Alt    *float64 `json:"alt"`
	AltMSL float64  `json:"altMSL"`

	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`
	VSpeed  float64 `json:"vspeed"`

	FlightNo    string `json:"flightNo,omitempty"`
	Departure   string `json:"departure,omitempty"`
	Arrival     string `json:"arrival,omitempty"`
	Squawk      string `json:"squawk,omitempty"`
	TakeoffTime string `json:"takeoffTime,omitempty"`

	FlightPlan   FlightPlan `json:"flightPlan,omitempty"`
	NextWaypoint *string    `json:"nextWaypoint"`

	// PlanDiscarded is set by DecodeJSON when flightPlan was present but
	// unusable and has been dropped from the report.
	PlanDiscarded bool `json:"-"`
}

// Identifier returns the trimmed id, falling back to the callsign.
func (r Report) Identifier() string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return id
	}
	return strings.TrimSpace(r.Callsign)
}

// Validate checks the fields the registry depends on. Nothing else in a
// report can cause rejection.
func (r Report) Validate() error {
	if r.Identifier() == "" {
		return &ValidationError{Field: "id", Err: ErrMissingID}
	}
	if r.Lat == nil {
		return &ValidationError{Field: "lat", Err: ErrInvalidPosition}
	}
	if r.Lon == nil {
		return &ValidationError{Field: "lon", Err: ErrInvalidPosition}
	}
	pos := coordinates.Geographic{Latitude: *r.Lat, Longitude: *r.Lon}
	if !pos.Valid() {
		return &ValidationError{
			Field: "lat/lon",
			Err:   fmt.Errorf("%w: (%v, %v)", ErrInvalidPosition, *r.Lat, *r.Lon),
		}
	}
	return nil
}

// State converts a validated report into the stored form, stamping it with
// seenAt. Kinematic fields that are not finite are zeroed and heading is
// wrapped into [0, 360).
func (r Report) State(seenAt time.Time) AircraftState {
	st := AircraftState{
		ID:            r.Identifier(),
		Callsign:      strings.TrimSpace(r.Callsign),
		Latitude:      *r.Lat,
		Longitude:     *r.Lon,
		AltitudeMSL:   finiteOrZero(r.AltMSL),
		Heading:       coordinates.NormalizeAzimuth(finiteOrZero(r.Heading)),
		Speed:         finiteOrZero(r.Speed),
		VerticalSpeed: finiteOrZero(r.VSpeed),
		FlightNo:      strings.TrimSpace(r.FlightNo),
		Departure:     strings.ToUpper(strings.TrimSpace(r.Departure)),
		Arrival:       strings.ToUpper(strings.TrimSpace(r.Arrival)),
		Squawk:        strings.TrimSpace(r.Squawk),
		TakeoffTime:   strings.TrimSpace(r.TakeoffTime),
		FlightPlan:    r.FlightPlan,
		LastSeen:      seenAt,
	}
	if r.Alt != nil && !math.IsNaN(*r.Alt) && !math.IsInf(*r.Alt, 0) {
		agl := *r.Alt
		st.AltitudeAGL = &agl
	}
	if r.NextWaypoint != nil {
		next := *r.NextWaypoint
		st.NextWaypoint = &next
	}
	return st
}

// EncodeMsgpack encodes a report for the binary direct channel. Field names
// follow the JSON tags so both encodings share one schema.
func EncodeMsgpack(r Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMsgpack is the inverse of EncodeMsgpack.
func DecodeMsgpack(b []byte) (Report, error) {
	var r Report
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&r); err != nil {
		return Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return r, nil
}

// DecodeJSON parses a JSON report. A flightPlan that is neither a string
// nor an array is dropped and flagged with PlanDiscarded; the rest of the
// report is kept.
func DecodeJSON(b []byte) (Report, error) {
	var r Report
	err := json.Unmarshal(b, &r)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrInvalidFlightPlan) {
		return Report{}, fmt.Errorf("failed to parse report: %w", err)
	}

	r = Report{}
	aux := struct {
		*Report
		FlightPlan json.RawMessage `json:"flightPlan"`
	}{Report: &r}
	if err := json.Unmarshal(b, &aux); err != nil {
		return Report{}, fmt.Errorf("failed to parse report: %w", err)
	}
	r.PlanDiscarded = true
	return r, nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
