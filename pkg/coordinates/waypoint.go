package coordinates

import "math"

const (
	// NoWaypoint is returned by ActiveWaypointIndex when no waypoint has a
	// usable position.
	NoWaypoint = -1

	// WaypointPassRadiusKm is how close an aircraft must be to its nearest
	// waypoint before it is considered to be tracking to the following one.
	WaypointPassRadiusKm = 50.0
)

// Locatable is anything that may carry a geographic position. Flight plan
// waypoints frequently lack coordinates (airways, unresolved fixes), so the
// second return value reports whether the position is known.
type Locatable interface {
	Position() (Geographic, bool)
}

// ActiveWaypointIndex returns the index of the waypoint the aircraft at pos
// is currently flying towards.
//
// The nearest located waypoint is found first. If it lies within
// WaypointPassRadiusKm and is not the last waypoint, the aircraft is assumed
// to have passed it and the next index is returned. Waypoints without a
// position are skipped during the search but keep their slot in the
// numbering. NoWaypoint is returned for an empty plan or one with no located
// waypoints.
func ActiveWaypointIndex[W Locatable](pos Geographic, waypoints []W) int {
	closest := NoWaypoint
	minDist := math.Inf(1)

	for i, wp := range waypoints {
		loc, ok := wp.Position()
		if !ok {
			continue
		}
		d := Distance(pos, loc)
		if d < minDist {
			minDist = d
			closest = i
		}
	}

	if closest == NoWaypoint {
		return NoWaypoint
	}
	if minDist < WaypointPassRadiusKm && closest < len(waypoints)-1 {
		return closest + 1
	}
	return closest
}
