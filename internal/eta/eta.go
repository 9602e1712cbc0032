// Package eta answers "which bus, at which stop, reaches me soonest" for a
// rider standing somewhere in the service area.
package eta

import (
	"math"
	"time"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

const (
	NearbyKm    = 0.8
	minSpeedMps = 0.1
)

type Status string

const (
	NoBuses       Status = "NO_HAY_BUSES"
	AlreadyPassed Status = "YA_PASO"
	OnTheWay      Status = "EN_CAMINO"
)

// Fleet is the read side of the live vehicle store.
type Fleet interface {
	ListByRoute(operator string, number int, now time.Time) []transit.VehiclePosition
}

type Result struct {
	Route      transit.RouteKey
	Stop       transit.Stop
	DistanceKm float64 // rider to stop, 3 decimals
	Fare       int
	Status     Status
	VehicleID  string  // set when Status is OnTheWay
	ETAMinutes float64 // set when Status is OnTheWay, 1 decimal
}

type Estimator struct {
	catalog *catalog.Catalog
	fleet   Fleet
	now     func() time.Time
}

func New(c *catalog.Catalog, f Fleet) *Estimator {
	return &Estimator{catalog: c, fleet: f, now: time.Now}
}

// Estimate matches the rider to the closest stop of any route and picks the
// vehicle on that route that reaches it first.
func (e *Estimator) Estimate(lat, lon float64) (Result, error) {
	if !geo.InServiceArea(lat, lon) {
		return Result{}, transit.Errorf(transit.ErrOutOfServiceArea, "Coordenadas fuera de Popayán")
	}
	rider := geo.Point{Lat: lat, Lon: lon}

	var best transit.Route
	var stop transit.Stop
	bestKm, matched := math.Inf(1), false
	for r := range e.catalog.Routes() {
		d, s := geo.NearestStop(rider, r.Stops, transit.StopPoint)
		if d < NearbyKm && d < bestKm {
			best, stop, bestKm, matched = r, s, d, true
		}
	}
	if !matched {
		return Result{}, transit.Errorf(transit.ErrNoNearbyRoute, "No hay rutas cerca de ti")
	}

	res := Result{
		Route:      best.RouteKey,
		Stop:       stop,
		DistanceKm: math.Round(bestKm*1000) / 1000,
		Fare:       e.catalog.Fare(best.Operator),
		Status:     NoBuses,
	}
	vehicles := e.fleet.ListByRoute(best.Operator, best.Number, e.now())
	if len(vehicles) == 0 {
		return res, nil
	}

	target := catalog.IndexOf(best.Stops, stop.Sequence)
	res.Status = AlreadyPassed
	bestETA := math.Inf(1)
	for _, v := range vehicles {
		if Passed(v, target) {
			continue
		}
		if m := MinutesTo(v, stop.Point()); m < bestETA {
			bestETA = m
			res.VehicleID = v.VehicleID
		}
	}
	if res.VehicleID != "" {
		res.Status = OnTheWay
		res.ETAMinutes = math.Round(bestETA*10) / 10
	}
	return res, nil
}

// Passed reports whether v is already beyond the stop at catalog position
// target, taking its direction of travel into account. A vehicle that has
// not departed any stop yet is never past anything.
func Passed(v transit.VehiclePosition, target int) bool {
	last := v.LastStopIndex
	if last < 0 {
		return false
	}
	if v.Direction == transit.Inbound {
		return last <= target
	}
	return last >= target
}

// MinutesTo is the straight-line travel time from v to p at v's current speed.
func MinutesTo(v transit.VehiclePosition, p geo.Point) float64 {
	meters := geo.DistanceKm(v.Point(), p) * 1000
	mps := max(v.SpeedKmh*1000/3600, minSpeedMps)
	return meters / mps / 60
}
