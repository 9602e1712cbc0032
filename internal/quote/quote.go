// Package quote estimates the trip between two points of the city: which
// route to take, how long it lasts, how far it goes and what it costs.
package quote

import (
	"context"
	"fmt"
	"log"
	"math"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/transit"
)

const (
	NearbyKm       = 1.0
	cruiseSpeedKmh = 20.0
	minutesPerStop = 2.0
)

type Method string

const (
	Static  Method = "estatico"
	Dynamic Method = "osrm" // routed by the OSRM service
)

// Request asks for a trip. Operator and RouteNumber pin the route when both
// are set; otherwise the best route is searched for.
type Request struct {
	Origin      geo.Point
	Destination geo.Point
	Operator    string
	RouteNumber int
}

func (r Request) explicit() bool { return r.Operator != "" && r.RouteNumber != 0 }

type Estimate struct {
	Method      Method
	Route       transit.RouteKey
	Origin      transit.Stop
	Destination transit.Stop
	Minutes     int
	DistanceKm  float64 // 2 decimals
	Fare        int
	Path        []geo.Point // only for Dynamic
}

type Quoter struct {
	catalog *catalog.Catalog
	router  routing.Provider
}

func New(c *catalog.Catalog, r routing.Provider) *Quoter {
	if r == nil {
		r = routing.Unavailable{}
	}
	return &Quoter{catalog: c, router: r}
}

func (q *Quoter) Estimate(ctx context.Context, req Request) (Estimate, error) {
	if !geo.InServiceArea(req.Origin.Lat, req.Origin.Lon) || !geo.InServiceArea(req.Destination.Lat, req.Destination.Lon) {
		return Estimate{}, transit.Errorf(transit.ErrOutOfServiceArea, "Coordenadas fuera del rango válido para Popayán")
	}
	if req.explicit() {
		return q.onRoute(req)
	}
	if res := q.router.Route(ctx, req.Origin, req.Destination); res.Available {
		return q.dynamic(req, res), nil
	}
	log.Printf("routing unavailable, quoting from catalog routes")
	return q.bestStatic(req)
}

// onRoute quotes a trip on the requested route.
func (q *Quoter) onRoute(req Request) (Estimate, error) {
	stops, err := q.catalog.StopsOf(req.Operator, req.RouteNumber)
	if err != nil {
		return Estimate{}, err
	}
	dO, from := geo.NearestStop(req.Origin, stops, transit.StopPoint)
	dD, to := geo.NearestStop(req.Destination, stops, transit.StopPoint)
	if dO > NearbyKm || dD > NearbyKm {
		return Estimate{}, transit.Errorf(transit.ErrValidation, "Los puntos están muy lejos de la ruta")
	}
	if from.Sequence > to.Sequence {
		return Estimate{}, transit.Errorf(transit.ErrInvalidDirection, "El orden de paradas sugiere que el destino está antes que el origen en la ruta")
	}
	key := transit.RouteKey{Operator: req.Operator, Number: req.RouteNumber}
	return q.static(key, stops, from, to), nil
}

// bestStatic scans every route for one that serves both points in its stop
// order, keeping the shortest ride.
func (q *Quoter) bestStatic(req Request) (Estimate, error) {
	var best Estimate
	found := false
	bestKm := math.Inf(1)
	for r := range q.catalog.Routes() {
		dO, from := geo.NearestStop(req.Origin, r.Stops, transit.StopPoint)
		dD, to := geo.NearestStop(req.Destination, r.Stops, transit.StopPoint)
		if dO > NearbyKm || dD > NearbyKm || from.Sequence > to.Sequence {
			continue
		}
		if km := catalog.DistanceAlongRoute(r.Stops, from.Sequence, to.Sequence); km < bestKm {
			bestKm = km
			best = q.static(r.RouteKey, r.Stops, from, to)
			found = true
		}
	}
	if !found {
		return Estimate{}, transit.Errorf(transit.ErrNoRouteFound, "No se encontró una ruta válida cerca de los puntos seleccionados")
	}
	return best, nil
}

func (q *Quoter) static(key transit.RouteKey, stops []transit.Stop, from, to transit.Stop) Estimate {
	km := catalog.DistanceAlongRoute(stops, from.Sequence, to.Sequence)
	hops := catalog.HopsBetween(stops, from.Sequence, to.Sequence)
	return Estimate{
		Method:      Static,
		Route:       key,
		Origin:      from,
		Destination: to,
		Minutes:     StaticMinutes(km, hops),
		DistanceKm:  round2(km),
		Fare:        q.catalog.Fare(key.Operator),
	}
}

// dynamic wraps a routing service answer. The closest catalog route is
// reported for context and fare only.
func (q *Quoter) dynamic(req Request, res routing.Result) Estimate {
	e := Estimate{
		Method: Dynamic,
		Origin: transit.Stop{
			Name:     fmt.Sprintf("Origen (%.4f, %.4f)", req.Origin.Lat, req.Origin.Lon),
			Lat:      req.Origin.Lat,
			Lon:      req.Origin.Lon,
			Sequence: 1,
		},
		Destination: transit.Stop{
			Name:     fmt.Sprintf("Destino (%.4f, %.4f)", req.Destination.Lat, req.Destination.Lon),
			Lat:      req.Destination.Lat,
			Lon:      req.Destination.Lon,
			Sequence: 2,
		},
		Minutes:    res.ETAMinutes,
		DistanceKm: round2(res.DistanceKm),
		Path:       res.Path,
	}
	bestKm := math.Inf(1)
	for r := range q.catalog.Routes() {
		dO, _ := geo.NearestStop(req.Origin, r.Stops, transit.StopPoint)
		dD, _ := geo.NearestStop(req.Destination, r.Stops, transit.StopPoint)
		if dO+dD < bestKm {
			bestKm = dO + dD
			e.Route = r.RouteKey
		}
	}
	e.Fare = q.catalog.Fare(e.Route.Operator)
	return e
}

// StaticMinutes is the ride time at cruising speed plus a fixed stop
// penalty per stop traversed, rounded to whole minutes.
func StaticMinutes(km float64, hops int) int {
	return int(math.Round(km/cruiseSpeedKmh*60 + minutesPerStop*float64(hops)))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
