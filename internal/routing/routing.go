// Package routing looks up door-to-door driving paths from an external
// routing service. Lookups are best effort: a failed lookup is reported as an
// unavailable Result, never as an error, and callers fall back to their own
// straight-line or catalog-based estimate.
package routing

import (
	"context"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/geo"
)

type Result struct {
	Available  bool
	DistanceKm float64
	ETAMinutes int
	Path       []geo.Point // optional; empty when the service sent no geometry
}

type Provider interface {
	Route(ctx context.Context, origin, destination geo.Point) Result
}

// Unavailable is a Provider that never answers.
type Unavailable struct{}

func (Unavailable) Route(context.Context, geo.Point, geo.Point) Result { return Result{} }

// Probe asks p for a path between the ends of the first catalog route.
func Probe(ctx context.Context, p Provider, c *catalog.Catalog) bool {
	for r := range c.Routes() {
		res := p.Route(ctx, r.Stops[0].Point(), r.Stops[len(r.Stops)-1].Point())
		return res.Available
	}
	return false
}
