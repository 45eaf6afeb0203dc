package route

import (
	"fleet-simulator/internal/geo"
)

// Waypoint is a single point along a route. Name may be empty; Stop marks
// waypoints announced to riders as stops.
type Waypoint struct {
	Lat  float64 `json:"lat" yaml:"lat"`
	Lng  float64 `json:"lng" yaml:"lng"`
	Name string  `json:"name,omitempty" yaml:"name"`
	Stop bool    `json:"stop,omitempty" yaml:"stop"`
}

// Point returns the waypoint's coordinates.
func (w Waypoint) Point() geo.Point { return geo.Point{Lat: w.Lat, Lng: w.Lng} }

// Route is an ordered sequence of waypoints. Routes are never mutated after
// loading; the simulation only reads them.
type Route struct {
	ID                 string
	Name               string
	Waypoints          []Waypoint
	TotalDistanceKm    float64
	NominalDurationMin float64
}

// DistanceFromKm returns the distance left from the waypoint at idx to the
// end of the route, summing consecutive legs. Zero at or past the last index.
func (r *Route) DistanceFromKm(idx int) float64 {
	if idx < 0 {
		idx = 0
	}
	sum := 0.0
	for i := idx; i < len(r.Waypoints)-1; i++ {
		sum += geo.DistanceKm(r.Waypoints[i].Point(), r.Waypoints[i+1].Point())
	}
	return sum
}

// NextStopName returns the name of the first stop strictly after idx. When no
// stop remains it falls back to the final waypoint's name.
func (r *Route) NextStopName(idx int) string {
	for i := idx + 1; i < len(r.Waypoints); i++ {
		if r.Waypoints[i].Stop {
			return r.Waypoints[i].Name
		}
	}
	if n := len(r.Waypoints); n > 0 {
		return r.Waypoints[n-1].Name
	}
	return ""
}
