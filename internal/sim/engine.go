// Package sim implements the vehicle simulation engine: a registry of vehicle
// states advanced one waypoint per tick by per-vehicle timers, with
// synchronous event and snapshot fan-out to subscribers.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"fleet-simulator/internal/geo"
	"fleet-simulator/internal/logging"
	"fleet-simulator/internal/metrics"
	"fleet-simulator/internal/route"
)

// Control errors, compared with errors.Is.
var (
	ErrRouteUnknown      = errors.New("route unknown or has no waypoints")
	ErrAlreadyActive     = errors.New("vehicle already active")
	ErrVehicleNotFound   = errors.New("vehicle not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEngineClosed      = errors.New("engine closed")
)

const (
	DefaultTickInterval = 3 * time.Second
	DefaultRemoveAfter  = 30 * time.Second
	DefaultSpeedKmh     = 35.0

	minDelayedSpeedKmh = 10.0
)

// Engine advances vehicles along catalog routes. Every active vehicle owns
// one ticker goroutine that moves it exactly one waypoint per tick; speed
// only feeds the ETA arithmetic, never the advancement rate. Consumers that
// convert waypoint counts into wall-clock durations rely on the tick cadence,
// so changing it is a breaking behavioral change.
type Engine struct {
	catalog route.Catalog
	log     logging.Logger
	metrics *metrics.Collector

	tickInterval time.Duration
	removeAfter  time.Duration
	defaultSpeed float64

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.RWMutex
	vehicles  map[string]*slot
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	subMu      sync.Mutex
	nextSubID  uint64
	eventSubs  []eventSub
	updateSubs []updateSub
}

type slot struct {
	state      VehicleState
	cancel     context.CancelFunc
	graceTimer *time.Timer
}

type eventSub struct {
	id uint64
	fn func(Event)
}

type updateSub struct {
	id uint64
	fn func([]VehicleState)
}

// Option configures an Engine.
type Option func(*Engine)

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithRemoveAfter sets the grace period a completed vehicle stays visible
// before removal.
func WithRemoveAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.removeAfter = d
		}
	}
}

func WithDefaultSpeed(kmh float64) Option {
	return func(e *Engine) {
		if kmh > 0 {
			e.defaultSpeed = kmh
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a collector. The engine tolerates a nil collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// New builds an engine over the given catalog. Routes are re-resolved on
// every tick, so the engine never caches geometry of its own.
func New(catalog route.Catalog, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		catalog:      catalog,
		log:          logging.Noop(),
		tickInterval: DefaultTickInterval,
		removeAfter:  DefaultRemoveAfter,
		defaultSpeed: DefaultSpeedKmh,
		rootCtx:      ctx,
		rootCancel:   cancel,
		vehicles:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start activates a vehicle at the first waypoint of the given route, emits a
// Started event and begins ticking it.
func (e *Engine) Start(vehicleID, routeID string) error {
	r, ok := e.catalog.Route(routeID)
	if !ok || len(r.Waypoints) == 0 {
		return ErrRouteUnknown
	}

	now := time.Now()
	first := r.Waypoints[0]
	st := VehicleState{
		VehicleID:           vehicleID,
		RouteID:             routeID,
		Active:              true,
		WaypointIndex:       0,
		Position:            first.Point(),
		SpeedKmh:            e.defaultSpeed,
		Status:              StatusMoving,
		RemainingDistanceKm: r.DistanceFromKm(0),
		NextStopName:        r.NextStopName(0),
		StartedAt:           now,
		LastUpdatedAt:       now,
	}
	if len(r.Waypoints) > 1 {
		st.BearingDeg = geo.BearingDeg(first.Point(), r.Waypoints[1].Point())
	}
	if st.SpeedKmh > 0 {
		st.ETAMinutes = st.RemainingDistanceKm / st.SpeedKmh * 60
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, exists := e.vehicles[vehicleID]; exists {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	e.vehicles[vehicleID] = &slot{state: st, cancel: cancel}
	e.wg.Add(1)
	if e.metrics != nil {
		e.metrics.VehiclesStarted.Inc()
		e.metrics.ActiveVehicles.Set(float64(len(e.vehicles)))
	}
	e.mu.Unlock()

	e.log.Info("vehicle started",
		logging.String("vehicle", vehicleID),
		logging.String("route", routeID),
		logging.Int("waypoints", len(r.Waypoints)))
	go e.runVehicle(ctx, vehicleID)

	e.emit(newEvent(vehicleID, EventStarted,
		fmt.Sprintf("vehicle %s started route %s", vehicleID, routeLabel(r)), &first))
	e.publishSnapshot()
	return nil
}

// Stop removes a vehicle immediately, from any present status including the
// completion grace window, and emits a Stopped event with the last known
// position. A second Stop for the same id fails ErrVehicleNotFound.
func (e *Engine) Stop(vehicleID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	s, ok := e.vehicles[vehicleID]
	if !ok {
		e.mu.Unlock()
		return ErrVehicleNotFound
	}
	delete(e.vehicles, vehicleID)
	s.cancel()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	last := s.state
	if e.metrics != nil {
		e.metrics.VehiclesStopped.Inc()
		e.metrics.ActiveVehicles.Set(float64(len(e.vehicles)))
	}
	e.mu.Unlock()

	e.log.Info("vehicle stopped",
		logging.String("vehicle", vehicleID),
		logging.String("route", last.RouteID),
		logging.Int("waypoint", last.WaypointIndex))
	loc := e.waypointAt(last.RouteID, last.WaypointIndex)
	if loc == nil {
		loc = &route.Waypoint{Lat: last.Position.Lat, Lng: last.Position.Lng}
	}
	e.emit(newEvent(vehicleID, EventStopped,
		fmt.Sprintf("vehicle %s removed from service", vehicleID), loc))
	e.publishSnapshot()
	return nil
}

// Delay pushes the vehicle's ETA out by the given minutes and halves its
// speed, floored at 10 km/h. The waypoint index does not advance while the
// vehicle stays Delayed.
func (e *Engine) Delay(vehicleID string, minutes float64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	s, ok := e.vehicles[vehicleID]
	if !ok || !s.state.Active {
		e.mu.Unlock()
		return ErrVehicleNotFound
	}
	s.state.Status = StatusDelayed
	s.state.ETAMinutes += minutes
	s.state.SpeedKmh = math.Max(s.state.SpeedKmh*0.5, minDelayedSpeedKmh)
	s.state.LastUpdatedAt = time.Now()
	st := s.state
	e.mu.Unlock()

	e.log.Info("vehicle delayed",
		logging.String("vehicle", vehicleID),
		logging.Float64("minutes", minutes),
		logging.Float64("speedKmh", st.SpeedKmh))
	e.emit(newEvent(vehicleID, EventDelayed,
		fmt.Sprintf("vehicle %s delayed by %.0f min", vehicleID, minutes),
		e.waypointAt(st.RouteID, st.WaypointIndex)))
	e.publishSnapshot()
	return nil
}

// TriggerEmergency halts the vehicle where it stands: speed zero, status
// Emergency. Position and ETA freeze until a Resume.
func (e *Engine) TriggerEmergency(vehicleID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	s, ok := e.vehicles[vehicleID]
	if !ok || !s.state.Active {
		e.mu.Unlock()
		return ErrVehicleNotFound
	}
	s.state.Status = StatusEmergency
	s.state.SpeedKmh = 0
	s.state.LastUpdatedAt = time.Now()
	st := s.state
	e.mu.Unlock()

	e.log.Warn("vehicle emergency",
		logging.String("vehicle", vehicleID),
		logging.String("route", st.RouteID),
		logging.Int("waypoint", st.WaypointIndex))
	e.emit(newEvent(vehicleID, EventEmergency,
		fmt.Sprintf("vehicle %s reported an emergency", vehicleID),
		e.waypointAt(st.RouteID, st.WaypointIndex)))
	e.publishSnapshot()
	return nil
}

// Resume returns a Delayed or Emergency vehicle to Moving at the default
// speed. The resume is reported as a Started-kind event. ETA is swept back to
// remaining/speed on the vehicle's next tick.
func (e *Engine) Resume(vehicleID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	s, ok := e.vehicles[vehicleID]
	if !ok {
		e.mu.Unlock()
		return ErrVehicleNotFound
	}
	if s.state.Status != StatusDelayed && s.state.Status != StatusEmergency {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	s.state.Status = StatusMoving
	s.state.SpeedKmh = e.defaultSpeed
	s.state.LastUpdatedAt = time.Now()
	st := s.state
	e.mu.Unlock()

	e.log.Info("vehicle resumed",
		logging.String("vehicle", vehicleID),
		logging.String("route", st.RouteID))
	e.emit(newEvent(vehicleID, EventStarted,
		fmt.Sprintf("vehicle %s resumed service", vehicleID),
		e.waypointAt(st.RouteID, st.WaypointIndex)))
	e.publishSnapshot()
	return nil
}

// State returns a copy of the vehicle's current state.
func (e *Engine) State(vehicleID string) (VehicleState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.vehicles[vehicleID]
	if !ok {
		return VehicleState{}, false
	}
	return s.state, true
}

// Active returns a copy of every state in the registry ordered by vehicle
// id. Vehicles completed within the grace window are included.
func (e *Engine) Active() []VehicleState {
	e.mu.RLock()
	out := make([]VehicleState, 0, len(e.vehicles))
	for _, s := range e.vehicles {
		out = append(out, s.state)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// OnEvent registers fn for every subsequent event. The returned unsubscribe
// is idempotent. Dispatch is synchronous in registration order on the
// goroutine performing the mutation; keep listeners fast.
func (e *Engine) OnEvent(fn func(Event)) (unsubscribe func()) {
	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.eventSubs = append(e.eventSubs, eventSub{id: id, fn: fn})
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		for i, s := range e.eventSubs {
			if s.id == id {
				e.eventSubs = append(e.eventSubs[:i], e.eventSubs[i+1:]...)
				break
			}
		}
		e.subMu.Unlock()
	}
}

// OnUpdate registers fn to receive the full active-state list after every
// tick and mutation. The slice is shared across listeners; treat it as
// read-only. The returned unsubscribe is idempotent.
func (e *Engine) OnUpdate(fn func([]VehicleState)) (unsubscribe func()) {
	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.updateSubs = append(e.updateSubs, updateSub{id: id, fn: fn})
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		for i, s := range e.updateSubs {
			if s.id == id {
				e.updateSubs = append(e.updateSubs[:i], e.updateSubs[i+1:]...)
				break
			}
		}
		e.subMu.Unlock()
	}
}

// Close shuts the engine down: cancels every ticker and grace timer, waits
// for all vehicle goroutines and empties the registry. No events are emitted
// for vehicles discarded by shutdown. Idempotent; concurrent calls block
// until the first teardown finishes.
func (e *Engine) Close() {
	e.closeOnce.Do(e.doClose)
}

func (e *Engine) doClose() {
	e.mu.Lock()
	e.closed = true
	for _, s := range e.vehicles {
		s.cancel()
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
	}
	e.mu.Unlock()

	e.rootCancel()
	e.wg.Wait()

	e.mu.Lock()
	n := len(e.vehicles)
	e.vehicles = make(map[string]*slot)
	if e.metrics != nil {
		e.metrics.ActiveVehicles.Set(0)
	}
	e.mu.Unlock()
	e.log.Info("engine closed", logging.Int("discarded", n))
}

func (e *Engine) runVehicle(ctx context.Context, vehicleID string) {
	defer e.wg.Done()
	tick := time.NewTicker(e.tickInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if e.step(vehicleID) {
				return
			}
		}
	}
}

// step advances the vehicle by exactly one waypoint. It is a no-op unless the
// vehicle is present and Moving. done reports that the ticker goroutine
// should exit.
func (e *Engine) step(vehicleID string) (done bool) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	e.mu.Lock()
	s, ok := e.vehicles[vehicleID]
	if !ok || e.closed {
		e.mu.Unlock()
		return true
	}
	if s.state.Status != StatusMoving {
		e.mu.Unlock()
		return false
	}
	r, rok := e.catalog.Route(s.state.RouteID)
	if !rok || len(r.Waypoints) == 0 {
		e.mu.Unlock()
		e.log.Warn("route missing for active vehicle",
			logging.String("vehicle", vehicleID),
			logging.String("route", s.state.RouteID))
		return false
	}

	now := time.Now()
	n := len(r.Waypoints)
	next := s.state.WaypointIndex + 1

	if next >= n {
		// Single-waypoint route: the start position is the terminus.
		e.completeLocked(s, now)
		st := s.state
		e.mu.Unlock()
		e.finishVehicle(st, r)
		return true
	}

	wp := r.Waypoints[next]
	s.state.WaypointIndex = next
	s.state.Position = wp.Point()
	s.state.ProgressPercent = float64(next) / float64(n-1) * 100
	s.state.RemainingDistanceKm = r.DistanceFromKm(next)
	if s.state.SpeedKmh > 0 {
		s.state.ETAMinutes = s.state.RemainingDistanceKm / s.state.SpeedKmh * 60
	}
	if next+1 < n {
		s.state.BearingDeg = geo.BearingDeg(wp.Point(), r.Waypoints[next+1].Point())
	}
	s.state.NextStopName = r.NextStopName(next)
	s.state.LastUpdatedAt = now

	if next == n-1 {
		// Arrival at the final waypoint completes the journey on this tick.
		e.completeLocked(s, now)
		st := s.state
		e.mu.Unlock()
		e.finishVehicle(st, r)
		return true
	}
	st := s.state
	e.mu.Unlock()

	e.log.Debug("vehicle advanced",
		logging.String("vehicle", vehicleID),
		logging.Int("waypoint", next),
		logging.Float64("progress", st.ProgressPercent))
	if wp.Stop {
		e.emit(newEvent(vehicleID, EventMilestone,
			fmt.Sprintf("vehicle %s reached %s", vehicleID, stopLabel(wp, next)), &wp))
	}
	e.publishSnapshot()
	return false
}

// completeLocked marks the vehicle Completed and schedules its removal after
// the grace period. Callers hold the registry lock.
func (e *Engine) completeLocked(s *slot, now time.Time) {
	s.state.Status = StatusCompleted
	s.state.Active = false
	s.state.ProgressPercent = 100
	s.state.ETAMinutes = 0
	s.state.RemainingDistanceKm = 0
	s.state.LastUpdatedAt = now
	if e.metrics != nil {
		e.metrics.VehiclesCompleted.Inc()
	}
	id := s.state.VehicleID
	s.graceTimer = time.AfterFunc(e.removeAfter, func() { e.removeCompleted(id) })
}

// finishVehicle emits the Completed event and snapshot outside the lock.
func (e *Engine) finishVehicle(st VehicleState, r *route.Route) {
	e.log.Info("vehicle completed route",
		logging.String("vehicle", st.VehicleID),
		logging.String("route", st.RouteID))
	final := r.Waypoints[len(r.Waypoints)-1]
	e.emit(newEvent(st.VehicleID, EventCompleted,
		fmt.Sprintf("vehicle %s completed route %s", st.VehicleID, routeLabel(r)), &final))
	e.publishSnapshot()
}

// removeCompleted drops a vehicle whose grace period elapsed. Stop and Close
// cancel the timer; the status check guards the remaining races.
func (e *Engine) removeCompleted(vehicleID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	s, ok := e.vehicles[vehicleID]
	if !ok || s.state.Status != StatusCompleted {
		e.mu.Unlock()
		return
	}
	delete(e.vehicles, vehicleID)
	if e.metrics != nil {
		e.metrics.ActiveVehicles.Set(float64(len(e.vehicles)))
	}
	e.mu.Unlock()

	e.log.Info("completed vehicle removed", logging.String("vehicle", vehicleID))
	e.publishSnapshot()
}

// emit delivers ev to every event listener registered at this moment, in
// registration order, outside the registry lock.
func (e *Engine) emit(ev Event) {
	e.subMu.Lock()
	subs := make([]eventSub, len(e.eventSubs))
	copy(subs, e.eventSubs)
	e.subMu.Unlock()

	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(ev.Kind.String()).Inc()
	}
	for _, s := range subs {
		e.deliverEvent(s, ev)
	}
}

func (e *Engine) deliverEvent(s eventSub, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if e.metrics != nil {
				e.metrics.ListenerPanics.Inc()
			}
			e.log.Error("event listener panicked",
				logging.String("vehicle", ev.VehicleID),
				logging.String("kind", ev.Kind.String()),
				logging.Any("panic", r))
		}
	}()
	s.fn(ev)
}

// publishSnapshot delivers the current active list to every update listener.
func (e *Engine) publishSnapshot() {
	e.subMu.Lock()
	subs := make([]updateSub, len(e.updateSubs))
	copy(subs, e.updateSubs)
	e.subMu.Unlock()
	if len(subs) == 0 {
		return
	}

	states := e.Active()
	for _, s := range subs {
		e.deliverUpdate(s, states)
	}
}

func (e *Engine) deliverUpdate(s updateSub, states []VehicleState) {
	defer func() {
		if r := recover(); r != nil {
			if e.metrics != nil {
				e.metrics.ListenerPanics.Inc()
			}
			e.log.Error("update listener panicked", logging.Any("panic", r))
		}
	}()
	s.fn(states)
}

// waypointAt resolves the waypoint a vehicle currently sits on, for event
// locations. Nil when the route or index cannot be resolved.
func (e *Engine) waypointAt(routeID string, idx int) *route.Waypoint {
	r, ok := e.catalog.Route(routeID)
	if !ok || idx < 0 || idx >= len(r.Waypoints) {
		return nil
	}
	wp := r.Waypoints[idx]
	return &wp
}

func routeLabel(r *route.Route) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func stopLabel(wp route.Waypoint, idx int) string {
	if wp.Name != "" {
		return wp.Name
	}
	return fmt.Sprintf("waypoint %d", idx)
}
