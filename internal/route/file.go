package route

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type routesFile struct {
	Routes []fileRoute `yaml:"routes" validate:"required,min=1,dive"`
}

type fileRoute struct {
	ID                 string         `yaml:"id" validate:"required"`
	Name               string         `yaml:"name"`
	NominalDurationMin float64        `yaml:"nominalDurationMin" validate:"gte=0"`
	Waypoints          []fileWaypoint `yaml:"waypoints" validate:"required,min=1,dive"`
}

type fileWaypoint struct {
	Lat  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `yaml:"lng" validate:"gte=-180,lte=180"`
	Name string  `yaml:"name"`
	Stop bool    `yaml:"stop"`
}

// LoadFile reads a YAML routes file and builds a catalog. The file holds a
// top-level `routes` list; each route needs an id and at least one waypoint.
func LoadFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}
	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("validate routes file %s: %w", path, err)
	}

	routes := make([]*Route, 0, len(f.Routes))
	for _, fr := range f.Routes {
		r := &Route{ID: fr.ID, Name: fr.Name, NominalDurationMin: fr.NominalDurationMin}
		for _, fw := range fr.Waypoints {
			r.Waypoints = append(r.Waypoints, Waypoint{Lat: fw.Lat, Lng: fw.Lng, Name: fw.Name, Stop: fw.Stop})
		}
		routes = append(routes, r)
	}
	return NewStaticCatalog(routes...)
}
