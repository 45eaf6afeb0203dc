package sim

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fleet-simulator/internal/route"
)

// EventKind classifies simulation events. A resume is reported as
// EventStarted with a resume message.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventDelayed
	EventEmergency
	EventMilestone
	EventCompleted
)

var eventKindNames = map[EventKind]string{
	EventStarted:   "started",
	EventStopped:   "stopped",
	EventDelayed:   "delayed",
	EventEmergency: "emergency",
	EventMilestone: "milestone",
	EventCompleted: "completed",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// MarshalJSON renders the kind as its lowercase name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Event is a discrete simulation occurrence. Events are fire-and-forget: the
// engine delivers them to listeners registered at emission time and retains
// nothing.
type Event struct {
	ID        string          `json:"id"`
	VehicleID string          `json:"vehicleId"`
	Kind      EventKind       `json:"kind"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Location  *route.Waypoint `json:"location,omitempty"`
}

func newEvent(vehicleID string, kind EventKind, msg string, loc *route.Waypoint) Event {
	return Event{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now(),
		Location:  loc,
	}
}
