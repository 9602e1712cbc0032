package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bus-tracker/internal/transit"
)

//go:embed routes.yaml
var defaultRoutesYAML []byte

type fileStop struct {
	Name  string  `yaml:"name" validate:"required"`
	Lat   float64 `yaml:"lat" validate:"required"`
	Lon   float64 `yaml:"lon" validate:"required"`
	Order int     `yaml:"order" validate:"gt=0"`
}

type fileRoute struct {
	Number int        `yaml:"number" validate:"gt=0"`
	Stops  []fileStop `yaml:"stops" validate:"min=2,dive"`
}

type fileOperator struct {
	Name   string      `yaml:"name" validate:"required"`
	Routes []fileRoute `yaml:"routes" validate:"min=1,dive"`
}

type file struct {
	Fares     map[string]int `yaml:"fares" validate:"dive,gte=0"`
	Operators []fileOperator `yaml:"operators" validate:"min=1,dive"`
}

// Default returns the built-in Popayán network.
func Default() *Catalog {
	c, err := Parse(defaultRoutesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded routes.yaml: %v", err))
	}
	return c
}

// LoadFile reads a catalog from a YAML file with the same layout as routes.yaml.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	var routes []transit.Route
	for _, op := range f.Operators {
		for _, r := range op.Routes {
			route := transit.Route{RouteKey: transit.RouteKey{Operator: op.Name, Number: r.Number}}
			for _, s := range r.Stops {
				route.Stops = append(route.Stops, transit.Stop{Name: s.Name, Lat: s.Lat, Lon: s.Lon, Sequence: s.Order})
			}
			routes = append(routes, route)
		}
	}
	return New(routes, f.Fares)
}
