package sim

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"fleet-simulator/internal/geo"
	"fleet-simulator/internal/route"
)

func TestStatusNames(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{StatusMoving, "moving"},
		{StatusStopped, "stopped"},
		{StatusDelayed, "delayed"},
		{StatusEmergency, "emergency"},
		{StatusCompleted, "completed"},
		{Status(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.status.String(); got != c.want {
			t.Errorf("String(%d) = %q, want %q", int(c.status), got, c.want)
		}
	}

	b, err := json.Marshal(StatusEmergency)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"emergency"` {
		t.Fatalf("marshal = %s", b)
	}
}

func TestVehicleStateWireFormat(t *testing.T) {
	st := VehicleState{
		VehicleID:           "b1",
		RouteID:             "P",
		Active:              true,
		WaypointIndex:       1,
		Position:            geo.Point{Lat: 0, Lng: 1},
		ProgressPercent:     50,
		SpeedKmh:            35,
		BearingDeg:          90,
		Status:              StatusMoving,
		ETAMinutes:          190.6,
		RemainingDistanceKm: 111.2,
		NextStopName:        "B",
		StartedAt:           time.Now(),
		LastUpdatedAt:       time.Now(),
	}
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{
		"vehicleId", "routeId", "isActive", "waypointIndex", "position",
		"progressPercent", "speedKmh", "bearingDeg", "status", "etaMinutes",
		"remainingDistanceKm", "nextStopName", "startedAt", "lastUpdatedAt",
	} {
		if _, ok := m[key]; !ok {
			t.Errorf("key %q missing in %s", key, b)
		}
	}
	if string(m["status"]) != `"moving"` {
		t.Errorf("status = %s", m["status"])
	}

	st.NextStopName = ""
	b, err = json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "nextStopName") {
		t.Errorf("empty nextStopName not omitted: %s", b)
	}
}

func TestEventWireFormat(t *testing.T) {
	ev := newEvent("b1", EventMilestone, "vehicle b1 reached B",
		&route.Waypoint{Lat: 0, Lng: 1, Name: "B", Stop: true})
	if ev.ID == "" {
		t.Fatal("event id empty")
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("event timestamp zero")
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(m["kind"]) != `"milestone"` {
		t.Errorf("kind = %s", m["kind"])
	}
	if !strings.Contains(string(m["location"]), `"B"`) {
		t.Errorf("location = %s", m["location"])
	}

	ev = newEvent("b1", EventStopped, "vehicle b1 removed from service", nil)
	b, err = json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "location") {
		t.Errorf("nil location not omitted: %s", b)
	}
}
