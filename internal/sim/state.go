package sim

import (
	"encoding/json"
	"time"

	"fleet-simulator/internal/geo"
)

// Status describes a vehicle's lifecycle phase.
type Status int

const (
	StatusMoving Status = iota
	StatusStopped
	StatusDelayed
	StatusEmergency
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusMoving:    "moving",
	StatusStopped:   "stopped",
	StatusDelayed:   "delayed",
	StatusEmergency: "emergency",
	StatusCompleted: "completed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalJSON renders the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// VehicleState is the full simulated state of one vehicle. The engine hands
// out copies; only the engine mutates the stored value.
type VehicleState struct {
	VehicleID           string    `json:"vehicleId"`
	RouteID             string    `json:"routeId"`
	Active              bool      `json:"isActive"`
	WaypointIndex       int       `json:"waypointIndex"`
	Position            geo.Point `json:"position"`
	ProgressPercent     float64   `json:"progressPercent"`
	SpeedKmh            float64   `json:"speedKmh"`
	BearingDeg          float64   `json:"bearingDeg"`
	Status              Status    `json:"status"`
	ETAMinutes          float64   `json:"etaMinutes"`
	RemainingDistanceKm float64   `json:"remainingDistanceKm"`
	NextStopName        string    `json:"nextStopName,omitempty"`
	StartedAt           time.Time `json:"startedAt"`
	LastUpdatedAt       time.Time `json:"lastUpdatedAt"`
}
