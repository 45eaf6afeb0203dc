package sim

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"fleet-simulator/internal/geo"
	"fleet-simulator/internal/route"
)

func testCatalog(t *testing.T) *route.StaticCatalog {
	t.Helper()
	c, err := route.NewStaticCatalog(
		&route.Route{ID: "P", Name: "Equator Express", Waypoints: []route.Waypoint{
			{Lat: 0, Lng: 0, Name: "A"},
			{Lat: 0, Lng: 1, Name: "B", Stop: true},
			{Lat: 0, Lng: 2, Name: "C"},
		}},
		&route.Route{ID: "long", Waypoints: []route.Waypoint{
			{Lat: 40.4168, Lng: -3.7038, Name: "Depot", Stop: true},
			{Lat: 40.4300, Lng: -3.6900},
			{Lat: 40.4400, Lng: -3.6750, Name: "Market", Stop: true},
			{Lat: 40.4500, Lng: -3.6600},
			{Lat: 40.4600, Lng: -3.6450, Name: "Terminus", Stop: true},
		}},
		&route.Route{ID: "single", Waypoints: []route.Waypoint{
			{Lat: 10, Lng: 10, Name: "Only"},
		}},
		&route.Route{ID: "bare"},
	)
	if err != nil {
		t.Fatalf("test catalog: %v", err)
	}
	return c
}

// newTestEngine builds an engine whose tickers never fire during the test;
// scenarios drive ticks through step directly.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(testCatalog(t), append([]Option{WithTickInterval(time.Hour)}, opts...)...)
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func TestStartSeedsState(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, ok := e.State("b1")
	if !ok {
		t.Fatal("state missing after start")
	}
	if st.VehicleID != "b1" || st.RouteID != "P" || !st.Active {
		t.Fatalf("identity fields wrong: %+v", st)
	}
	if st.WaypointIndex != 0 || st.Status != StatusMoving || st.ProgressPercent != 0 {
		t.Fatalf("seed state wrong: %+v", st)
	}
	if st.SpeedKmh != DefaultSpeedKmh {
		t.Fatalf("SpeedKmh = %v, want %v", st.SpeedKmh, DefaultSpeedKmh)
	}
	if st.Position != (geo.Point{Lat: 0, Lng: 0}) {
		t.Fatalf("Position = %+v, want first waypoint", st.Position)
	}
	if st.NextStopName != "B" {
		t.Fatalf("NextStopName = %q, want B", st.NextStopName)
	}
	// two equator legs of ~111.19 km each
	if math.Abs(st.RemainingDistanceKm-222.4) > 1 {
		t.Fatalf("RemainingDistanceKm = %v", st.RemainingDistanceKm)
	}
	wantETA := st.RemainingDistanceKm / DefaultSpeedKmh * 60
	if math.Abs(st.ETAMinutes-wantETA) > 1e-9 {
		t.Fatalf("ETAMinutes = %v, want %v", st.ETAMinutes, wantETA)
	}
	if math.Abs(st.BearingDeg-90) > 0.5 {
		t.Fatalf("BearingDeg = %v, want ~90", st.BearingDeg)
	}
	if st.StartedAt.IsZero() || st.LastUpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", st)
	}
}

func TestStartErrors(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start("b1", "P"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("duplicate start err = %v, want ErrAlreadyActive", err)
	}
	if err := e.Start("b2", "no-such-route"); !errors.Is(err, ErrRouteUnknown) {
		t.Fatalf("unknown route err = %v, want ErrRouteUnknown", err)
	}
	if err := e.Start("b2", "bare"); !errors.Is(err, ErrRouteUnknown) {
		t.Fatalf("empty route err = %v, want ErrRouteUnknown", err)
	}
	if _, ok := e.State("b2"); ok {
		t.Fatal("failed start left state behind")
	}
}

func TestThreeWaypointJourney(t *testing.T) {
	e := newTestEngine(t, WithRemoveAfter(250*time.Millisecond))
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	var snapMu sync.Mutex
	var lastSnap []VehicleState
	e.OnUpdate(func(vs []VehicleState) {
		snapMu.Lock()
		lastSnap = vs
		snapMu.Unlock()
	})

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// tick 1: advance to B, a stop
	if done := e.step("b1"); done {
		t.Fatal("journey ended on first tick")
	}
	st, _ := e.State("b1")
	if st.WaypointIndex != 1 || st.ProgressPercent != 50 || st.Status != StatusMoving {
		t.Fatalf("after tick 1: %+v", st)
	}
	if st.Position != (geo.Point{Lat: 0, Lng: 1}) {
		t.Fatalf("position after tick 1: %+v", st.Position)
	}
	if math.Abs(st.RemainingDistanceKm-111.2) > 1 {
		t.Fatalf("remaining after tick 1: %v", st.RemainingDistanceKm)
	}
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != EventStarted || kinds[1] != EventMilestone {
		t.Fatalf("events after tick 1: %v", kinds)
	}
	if loc := rec.last().Location; loc == nil || loc.Name != "B" {
		t.Fatalf("milestone location: %+v", rec.last())
	}

	// tick 2: arrival at C completes the journey
	if done := e.step("b1"); !done {
		t.Fatal("journey did not complete on second tick")
	}
	st, ok := e.State("b1")
	if !ok {
		t.Fatal("completed state must stay visible during grace")
	}
	if st.WaypointIndex != 2 || st.ProgressPercent != 100 || st.Status != StatusCompleted {
		t.Fatalf("after tick 2: %+v", st)
	}
	if st.Active || st.ETAMinutes != 0 || st.RemainingDistanceKm != 0 {
		t.Fatalf("completion fields: %+v", st)
	}
	if got := rec.last(); got.Kind != EventCompleted || got.Location == nil || got.Location.Name != "C" {
		t.Fatalf("completed event: %+v", got)
	}
	if len(e.Active()) != 1 {
		t.Fatal("completed vehicle missing from Active during grace")
	}

	// grace elapses: state removed, final empty snapshot delivered
	waitFor(t, 2*time.Second, func() bool {
		_, ok := e.State("b1")
		return !ok
	})
	waitFor(t, 2*time.Second, func() bool {
		snapMu.Lock()
		defer snapMu.Unlock()
		return len(lastSnap) == 0
	})
}

func TestSingleWaypointRouteCompletesInPlace(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start("b1", "single"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if done := e.step("b1"); !done {
		t.Fatal("single-waypoint route did not complete on first tick")
	}
	st, _ := e.State("b1")
	if st.Status != StatusCompleted || st.ProgressPercent != 100 || st.WaypointIndex != 0 {
		t.Fatalf("state: %+v", st)
	}
	if st.Position != (geo.Point{Lat: 10, Lng: 10}) {
		t.Fatalf("position moved: %+v", st.Position)
	}
}

func TestStop(t *testing.T) {
	e := newTestEngine(t)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	if err := e.Stop("ghost"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("stop of unknown vehicle err = %v, want ErrVehicleNotFound", err)
	}
	if rec.count() != 0 {
		t.Fatal("failed stop emitted an event")
	}

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.step("b1")
	if err := e.Stop("b1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := e.State("b1"); ok {
		t.Fatal("state present after stop")
	}
	if len(e.Active()) != 0 {
		t.Fatal("Active not empty after stop")
	}
	ev := rec.last()
	if ev.Kind != EventStopped || ev.Location == nil || ev.Location.Name != "B" {
		t.Fatalf("stopped event: %+v", ev)
	}
	if err := e.Stop("b1"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("second stop err = %v, want ErrVehicleNotFound", err)
	}
	// the ticker goroutine is gone; a stray step is a no-op
	if done := e.step("b1"); !done {
		t.Fatal("step after stop should report done")
	}
}

func TestDelay(t *testing.T) {
	e := newTestEngine(t)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	if err := e.Delay("ghost", 10); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("delay of unknown vehicle err = %v", err)
	}

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, _ := e.State("b1")
	if err := e.Delay("b1", 10); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	st, _ := e.State("b1")
	if st.Status != StatusDelayed {
		t.Fatalf("status = %v, want delayed", st.Status)
	}
	if math.Abs(st.ETAMinutes-(before.ETAMinutes+10)) > 1e-9 {
		t.Fatalf("ETAMinutes = %v, want %v", st.ETAMinutes, before.ETAMinutes+10)
	}
	if st.SpeedKmh != DefaultSpeedKmh/2 {
		t.Fatalf("SpeedKmh = %v, want %v", st.SpeedKmh, DefaultSpeedKmh/2)
	}
	if rec.last().Kind != EventDelayed {
		t.Fatalf("event: %+v", rec.last())
	}

	// repeated delays bottom out at the floor
	if err := e.Delay("b1", 5); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if st, _ = e.State("b1"); st.SpeedKmh != 10 {
		t.Fatalf("SpeedKmh = %v, want floor 10", st.SpeedKmh)
	}
	if err := e.Delay("b1", 5); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if st, _ = e.State("b1"); st.SpeedKmh != 10 {
		t.Fatalf("SpeedKmh = %v, want floor 10 to hold", st.SpeedKmh)
	}

	// delayed vehicles do not move
	if done := e.step("b1"); done {
		t.Fatal("step reported done for delayed vehicle")
	}
	if st, _ = e.State("b1"); st.WaypointIndex != 0 {
		t.Fatalf("delayed vehicle advanced to %d", st.WaypointIndex)
	}
}

func TestEmergencyAndResume(t *testing.T) {
	e := newTestEngine(t)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	if err := e.TriggerEmergency("ghost"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("emergency on unknown vehicle err = %v", err)
	}
	if err := e.Resume("ghost"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("resume of unknown vehicle err = %v", err)
	}

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Resume("b1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume of moving vehicle err = %v, want ErrInvalidTransition", err)
	}

	if err := e.TriggerEmergency("b1"); err != nil {
		t.Fatalf("TriggerEmergency: %v", err)
	}
	st, _ := e.State("b1")
	if st.Status != StatusEmergency || st.SpeedKmh != 0 {
		t.Fatalf("emergency state: %+v", st)
	}
	if rec.last().Kind != EventEmergency {
		t.Fatalf("event: %+v", rec.last())
	}

	// frozen: position, index and ETA hold across ticks
	etaBefore := st.ETAMinutes
	for i := 0; i < 3; i++ {
		if done := e.step("b1"); done {
			t.Fatal("step reported done for emergency vehicle")
		}
	}
	st, _ = e.State("b1")
	if st.WaypointIndex != 0 || st.ETAMinutes != etaBefore {
		t.Fatalf("emergency vehicle moved: %+v", st)
	}

	if err := e.Resume("b1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st, _ = e.State("b1")
	if st.Status != StatusMoving || st.SpeedKmh != DefaultSpeedKmh {
		t.Fatalf("resumed state: %+v", st)
	}
	last := rec.last()
	if last.Kind != EventStarted || last.Message != "vehicle b1 resumed service" {
		t.Fatalf("resume event: %+v", last)
	}

	// moves again and the next tick sweeps the ETA
	if done := e.step("b1"); done {
		t.Fatal("resumed vehicle completed unexpectedly")
	}
	st, _ = e.State("b1")
	if st.WaypointIndex != 1 {
		t.Fatalf("resumed vehicle did not advance: %+v", st)
	}
	wantETA := st.RemainingDistanceKm / DefaultSpeedKmh * 60
	if math.Abs(st.ETAMinutes-wantETA) > 1e-9 {
		t.Fatalf("ETAMinutes = %v, want %v", st.ETAMinutes, wantETA)
	}
}

func TestDelayAfterEmergencyKeepsFloor(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.TriggerEmergency("b1"); err != nil {
		t.Fatalf("TriggerEmergency: %v", err)
	}
	if err := e.Delay("b1", 2); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	st, _ := e.State("b1")
	if st.Status != StatusDelayed || st.SpeedKmh != 10 {
		t.Fatalf("state: %+v", st)
	}
}

func TestGraceWindowOperations(t *testing.T) {
	e := newTestEngine(t) // default 30s grace keeps the state around for the whole test
	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.step("b1")
	e.step("b1")
	st, ok := e.State("b1")
	if !ok || st.Status != StatusCompleted {
		t.Fatalf("not completed: %+v ok=%v", st, ok)
	}

	// a completed vehicle is no longer active: delay and emergency miss
	if err := e.Delay("b1", 5); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("delay during grace err = %v, want ErrVehicleNotFound", err)
	}
	if err := e.TriggerEmergency("b1"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("emergency during grace err = %v, want ErrVehicleNotFound", err)
	}
	if err := e.Resume("b1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume during grace err = %v, want ErrInvalidTransition", err)
	}
	// restart is still blocked while the state lingers
	if err := e.Start("b1", "P"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("restart during grace err = %v, want ErrAlreadyActive", err)
	}
	// stop clears it immediately
	if err := e.Stop("b1"); err != nil {
		t.Fatalf("stop during grace: %v", err)
	}
	if _, ok := e.State("b1"); ok {
		t.Fatal("state present after stop during grace")
	}
	// and the id is free again
	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
}

func TestDerivedFieldInvariants(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start("b1", "long"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	prev, _ := e.State("b1")
	for {
		done := e.step("b1")
		st, ok := e.State("b1")
		if !ok {
			t.Fatal("state vanished mid-journey")
		}
		if st.WaypointIndex != prev.WaypointIndex+1 {
			t.Fatalf("index jumped from %d to %d", prev.WaypointIndex, st.WaypointIndex)
		}
		if st.RemainingDistanceKm > prev.RemainingDistanceKm+1e-9 {
			t.Fatalf("remaining grew: %v -> %v", prev.RemainingDistanceKm, st.RemainingDistanceKm)
		}
		if st.BearingDeg < 0 || st.BearingDeg >= 360 {
			t.Fatalf("bearing out of range: %v", st.BearingDeg)
		}
		if st.ProgressPercent < 0 || st.ProgressPercent > 100 {
			t.Fatalf("progress out of range: %v", st.ProgressPercent)
		}
		if (st.ProgressPercent == 100) != (st.Status == StatusCompleted) {
			t.Fatalf("progress 100 and completion out of sync: %+v", st)
		}
		if done {
			break
		}
		prev = st
	}
}

func TestUnsubscribe(t *testing.T) {
	e := newTestEngine(t)
	rec := &eventRecorder{}
	unsub := e.OnEvent(rec.record)

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n := rec.count()
	if n == 0 {
		t.Fatal("listener saw no events before unsubscribe")
	}
	unsub()
	unsub() // second call is a no-op
	e.step("b1")
	if err := e.Delay("b1", 1); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if rec.count() != n {
		t.Fatalf("listener invoked after unsubscribe: %d -> %d", n, rec.count())
	}

	var updates int
	var mu sync.Mutex
	unsubU := e.OnUpdate(func([]VehicleState) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	if err := e.Resume("b1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	mu.Lock()
	u := updates
	mu.Unlock()
	if u == 0 {
		t.Fatal("update listener saw nothing")
	}
	unsubU()
	e.step("b1")
	mu.Lock()
	defer mu.Unlock()
	if updates != u {
		t.Fatalf("update listener invoked after unsubscribe: %d -> %d", u, updates)
	}
}

func TestDispatchOrderAndPanicIsolation(t *testing.T) {
	e := newTestEngine(t)

	var mu sync.Mutex
	var order []string
	e.OnEvent(func(Event) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	e.OnEvent(func(Event) { panic("listener blew up") })
	e.OnEvent(func(Event) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
	})

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("dispatch order = %v, want [first third]", order)
	}
}

func TestSnapshotListsAllVehiclesSorted(t *testing.T) {
	e := newTestEngine(t)
	var mu sync.Mutex
	var last []VehicleState
	e.OnUpdate(func(vs []VehicleState) {
		mu.Lock()
		last = vs
		mu.Unlock()
	})

	if err := e.Start("b2", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start("b1", "long"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(last) != 2 || last[0].VehicleID != "b1" || last[1].VehicleID != "b2" {
		t.Fatalf("snapshot = %+v", last)
	}
}

func TestEventIDsUnique(t *testing.T) {
	e := newTestEngine(t)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	e.Start("b1", "P")
	e.Delay("b1", 1)
	e.Resume("b1")
	e.step("b1")
	e.step("b1")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := make(map[string]bool, len(rec.events))
	for _, ev := range rec.events {
		if ev.ID == "" || seen[ev.ID] {
			t.Fatalf("event id not unique: %+v", ev)
		}
		seen[ev.ID] = true
	}
}

func TestClose(t *testing.T) {
	e := New(testCatalog(t), WithTickInterval(5*time.Millisecond))
	if err := e.Start("b1", "long"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start("b2", "long"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Close()
	e.Close() // idempotent

	if len(e.Active()) != 0 {
		t.Fatal("registry not empty after close")
	}
	if err := e.Start("b3", "P"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Start after close err = %v, want ErrEngineClosed", err)
	}
	if err := e.Stop("b1"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Stop after close err = %v, want ErrEngineClosed", err)
	}
	if err := e.Delay("b1", 1); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Delay after close err = %v, want ErrEngineClosed", err)
	}
	if err := e.Resume("b1"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Resume after close err = %v, want ErrEngineClosed", err)
	}
}

func TestTickerDrivesJourney(t *testing.T) {
	e := New(testCatalog(t),
		WithTickInterval(15*time.Millisecond),
		WithRemoveAfter(50*time.Millisecond))
	defer e.Close()

	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	if err := e.Start("b1", "P"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return rec.last().Kind == EventCompleted
	})
	waitFor(t, 5*time.Second, func() bool {
		_, ok := e.State("b1")
		return !ok
	})

	kinds := rec.kinds()
	if len(kinds) != 3 || kinds[0] != EventStarted || kinds[1] != EventMilestone || kinds[2] != EventCompleted {
		t.Fatalf("event sequence = %v, want [started milestone completed]", kinds)
	}
}
