package route

import "fmt"

// Catalog resolves route ids to route definitions. Implementations must be
// safe for concurrent reads; a miss is a recoverable lookup failure, not an
// error.
type Catalog interface {
	Route(id string) (*Route, bool)
	Routes() []*Route
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	routes map[string]*Route
	order  []string
}

// NewStaticCatalog validates the given routes and builds a catalog.
// TotalDistanceKm is computed from the waypoints when not provided. A route
// with an empty waypoint list is admitted; starting a vehicle on one is
// rejected by the engine.
func NewStaticCatalog(routes ...*Route) (*StaticCatalog, error) {
	c := &StaticCatalog{routes: make(map[string]*Route, len(routes))}
	for _, r := range routes {
		if r.ID == "" {
			return nil, fmt.Errorf("route with empty id")
		}
		if _, dup := c.routes[r.ID]; dup {
			return nil, fmt.Errorf("duplicate route id %q", r.ID)
		}
		for i, w := range r.Waypoints {
			if w.Lat < -90 || w.Lat > 90 || w.Lng < -180 || w.Lng > 180 {
				return nil, fmt.Errorf("route %q waypoint %d out of range: lat=%v lng=%v", r.ID, i, w.Lat, w.Lng)
			}
		}
		if r.TotalDistanceKm == 0 {
			r.TotalDistanceKm = r.DistanceFromKm(0)
		}
		c.routes[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c, nil
}

// Route returns the route with the given id.
func (c *StaticCatalog) Route(id string) (*Route, bool) {
	r, ok := c.routes[id]
	return r, ok
}

// Routes returns every route in load order.
func (c *StaticCatalog) Routes() []*Route {
	out := make([]*Route, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.routes[id])
	}
	return out
}
