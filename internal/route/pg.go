package route

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a pgx-backed connection pool for the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Ping verifies connectivity with a bounded timeout.
func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// LoadPostgres reads the routes and route_waypoints tables into a catalog.
//
// Expected schema:
//
//	routes(route_id text primary key, name text, nominal_duration_min double precision)
//	route_waypoints(route_id text references routes, seq int, lat double precision,
//	                lng double precision, name text, is_stop boolean)
func LoadPostgres(ctx context.Context, db *sql.DB) (*StaticCatalog, error) {
	q := `SELECT route_id, COALESCE(name, ''), COALESCE(nominal_duration_min, 0)
          FROM routes ORDER BY route_id`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []*Route
	for rows.Next() {
		r := &Route{}
		if err := rows.Scan(&r.ID, &r.Name, &r.NominalDurationMin); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range routes {
		wps, err := fetchWaypoints(ctx, db, r.ID)
		if err != nil {
			return nil, err
		}
		r.Waypoints = wps
	}
	return NewStaticCatalog(routes...)
}

func fetchWaypoints(ctx context.Context, db *sql.DB, routeID string) ([]Waypoint, error) {
	q := `SELECT lat, lng, COALESCE(name, ''), COALESCE(is_stop, false)
          FROM route_waypoints WHERE route_id = $1 ORDER BY seq`
	rows, err := db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route_waypoints: %w", err)
	}
	defer rows.Close()

	var wps []Waypoint
	for rows.Next() {
		var w Waypoint
		if err := rows.Scan(&w.Lat, &w.Lng, &w.Name, &w.Stop); err != nil {
			return nil, err
		}
		wps = append(wps, w)
	}
	return wps, rows.Err()
}
