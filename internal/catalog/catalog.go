// Package catalog is the static, read-only table of operators, routes and
// their ordered stops. A Catalog never changes after New returns.
package catalog

import (
	"fmt"
	"iter"
	"slices"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

type Catalog struct {
	routes    map[transit.RouteKey]transit.Route
	order     []transit.RouteKey
	operators map[string]struct{}
	fares     map[string]int
}

// Summary describes a route for discovery listings.
type Summary struct {
	Operator  string
	Number    int
	StopCount int
	FirstStop string
	LastStop  string
}

// New validates routes and fares and builds an immutable catalog. Route
// order is kept as given.
func New(routes []transit.Route, fares map[string]int) (*Catalog, error) {
	c := &Catalog{
		routes:    make(map[transit.RouteKey]transit.Route, len(routes)),
		operators: make(map[string]struct{}),
		fares:     make(map[string]int, len(fares)),
	}
	for _, r := range routes {
		if r.Operator == "" {
			return nil, fmt.Errorf("route %d: empty operator", r.Number)
		}
		if _, dup := c.routes[r.RouteKey]; dup {
			return nil, fmt.Errorf("route %s/%d: duplicated", r.Operator, r.Number)
		}
		if len(r.Stops) < 2 {
			return nil, fmt.Errorf("route %s/%d: needs at least 2 stops, got %d", r.Operator, r.Number, len(r.Stops))
		}
		stops := slices.Clone(r.Stops)
		for i, s := range stops {
			if i > 0 && s.Sequence <= stops[i-1].Sequence {
				return nil, fmt.Errorf("route %s/%d: stop %q sequence %d not increasing", r.Operator, r.Number, s.Name, s.Sequence)
			}
			if !geo.InServiceArea(s.Lat, s.Lon) {
				return nil, fmt.Errorf("route %s/%d: stop %q outside service area", r.Operator, r.Number, s.Name)
			}
		}
		c.routes[r.RouteKey] = transit.Route{RouteKey: r.RouteKey, Stops: stops}
		c.operators[r.Operator] = struct{}{}
		c.order = append(c.order, r.RouteKey)
	}
	for op, amount := range fares {
		if amount < 0 {
			return nil, fmt.Errorf("fare for %s: negative amount %d", op, amount)
		}
		c.fares[op] = amount
	}
	return c, nil
}

// StopsOf returns the stops of a route in traversal order. The returned slice
// is shared and must not be modified.
func (c *Catalog) StopsOf(operator string, number int) ([]transit.Stop, error) {
	if _, ok := c.operators[operator]; !ok {
		return nil, transit.Errorf(transit.ErrNotFound, "Empresa %s no encontrada", operator)
	}
	r, ok := c.routes[transit.RouteKey{Operator: operator, Number: number}]
	if !ok {
		return nil, transit.Errorf(transit.ErrNotFound, "La ruta %d no existe para la empresa %s", number, operator)
	}
	return r.Stops, nil
}

// Routes yields every route in the order it was declared. Nearest-stop ties
// resolve to the earliest route.
func (c *Catalog) Routes() iter.Seq[transit.Route] {
	return func(yield func(transit.Route) bool) {
		for _, k := range c.order {
			if !yield(c.routes[k]) {
				return
			}
		}
	}
}

// Summaries yields a discovery summary per route, lazily.
func (c *Catalog) Summaries() iter.Seq[Summary] {
	return func(yield func(Summary) bool) {
		for r := range c.Routes() {
			s := Summary{
				Operator:  r.Operator,
				Number:    r.Number,
				StopCount: len(r.Stops),
				FirstStop: r.Stops[0].Name,
				LastStop:  r.Stops[len(r.Stops)-1].Name,
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Operators returns operator names sorted.
func (c *Catalog) Operators() []string {
	out := make([]string, 0, len(c.operators))
	for op := range c.operators {
		out = append(out, op)
	}
	slices.Sort(out)
	return out
}

// Fare returns the flat fare of an operator, 0 when unknown.
func (c *Catalog) Fare(operator string) int { return c.fares[operator] }

func (c *Catalog) Len() int { return len(c.order) }

// IndexOf returns the zero-based position of the stop with the given
// sequence index, or -1.
func IndexOf(stops []transit.Stop, seq int) int {
	for i, s := range stops {
		if s.Sequence == seq {
			return i
		}
	}
	return -1
}

// DistanceAlongRoute sums the hop distances between consecutive stops whose
// sequence lies in [fromSeq, toSeq]. It is 0 when toSeq < fromSeq.
func DistanceAlongRoute(stops []transit.Stop, fromSeq, toSeq int) float64 {
	if toSeq < fromSeq {
		return 0
	}
	total := 0.0
	var prev *transit.Stop
	for i := range stops {
		s := &stops[i]
		if s.Sequence < fromSeq || s.Sequence > toSeq {
			continue
		}
		if prev != nil {
			total += geo.DistanceKm(prev.Point(), s.Point())
		}
		prev = s
	}
	return total
}

// HopsBetween counts the stops traversed going from fromSeq to toSeq.
func HopsBetween(stops []transit.Stop, fromSeq, toSeq int) int {
	if toSeq <= fromSeq {
		return 0
	}
	n := 0
	for _, s := range stops {
		if s.Sequence > fromSeq && s.Sequence <= toSeq {
			n++
		}
	}
	return n
}
