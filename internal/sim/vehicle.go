package sim

import (
	"context"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

const (
	maxSegmentKm     = 0.05
	minSpeedKmh      = 1.0
	approachFraction = 0.9 // of the last hop of a leg, after which the vehicle slows down
	approachFactor   = 0.5
)

// vehicle is the state owned by one simulator goroutine.
type vehicle struct {
	m     *Manager
	spec  Spec
	stops []transit.Stop
	rng   *rand.Rand
}

// run drives the vehicle back and forth along its route until ctx ends.
func (v *vehicle) run(ctx context.Context) error {
	if err := v.pause(ctx, v.m.timing.StartDelay); err != nil {
		return err
	}
	dir := transit.Outbound
	for {
		if err := v.leg(ctx, dir); err != nil {
			return err
		}
		log.Printf("vehicle %s finished %s leg", v.spec.VehicleID, dir)
		if err := v.pause(ctx, v.m.timing.Turnaround); err != nil {
			return err
		}
		dir = reverse(dir)
	}
}

func (v *vehicle) leg(ctx context.Context, dir transit.Direction) error {
	order := legOrder(len(v.stops), dir)
	for k := 0; k+1 < len(order); k++ {
		from, to := order[k], order[k+1]
		if err := v.drive(ctx, from, to, dir, k+2 == len(order)); err != nil {
			return err
		}
		v.atStop(to, from, dir)
		if err := v.pause(ctx, v.dwell()); err != nil {
			return err
		}
	}
	return nil
}

// drive moves the vehicle from stop index from to stop index to, following
// the routed path when there is one and a straight line otherwise.
func (v *vehicle) drive(ctx context.Context, from, to int, dir transit.Direction, lastHop bool) error {
	a, b := v.stops[from], v.stops[to]
	path := []geo.Point{a.Point(), b.Point()}
	if res := v.m.router.Route(ctx, a.Point(), b.Point()); res.Available && len(res.Path) >= 2 {
		path = res.Path
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path = geo.Densify(path, maxSegmentKm)
	total := geo.PathLengthKm(path)
	stepSec := v.m.timing.Step.Seconds()

	covered := 0.0
	for i := 0; i+1 < len(path); i++ {
		p1, p2 := path[i], path[i+1]
		segKm := geo.DistanceKm(p1, p2)

		speed := v.spec.SpeedKmh * (0.8 + 0.3*v.rng.Float64())
		if lastHop && total > 0 && covered/total > approachFraction {
			speed *= approachFactor
		}
		speed = max(speed, minSpeedKmh)
		covered += segKm

		steps := max(1, int(segKm/speed*3600/stepSec))
		for s := 1; s <= steps; s++ {
			p := geo.Interpolate(p1, p2, float64(s)/float64(steps))
			v.put(p, math.Round(speed*10)/10, from, dir, transit.InTransit, b.Name)
			if err := v.pause(ctx, v.m.timing.Step); err != nil {
				return err
			}
		}
	}
	return nil
}

// atStop parks the vehicle exactly on stop idx.
func (v *vehicle) atStop(idx, lastDeparted int, dir transit.Direction) {
	s := v.stops[idx]
	v.put(s.Point(), 0, lastDeparted, dir, transit.AtStop, s.Name)
}

func (v *vehicle) put(p geo.Point, speed float64, last int, dir transit.Direction, state transit.MovementState, next string) {
	v.m.sink.Upsert(transit.VehiclePosition{
		VehicleID:     v.spec.VehicleID,
		Operator:      v.spec.Operator,
		RouteNumber:   v.spec.RouteNumber,
		Lat:           p.Lat,
		Lon:           p.Lon,
		SpeedKmh:      speed,
		LastStopIndex: last,
		Direction:     dir,
		State:         state,
		NextStopName:  next,
		Source:        transit.SourceSimulated,
		UpdatedAt:     v.m.now(),
	})
}

func (v *vehicle) dwell() time.Duration {
	t := v.m.timing
	span := t.DwellMax - t.DwellMin
	if span <= 0 {
		return t.DwellMin
	}
	return t.DwellMin + time.Duration(v.rng.Int64N(int64(span)+1))
}

func (v *vehicle) pause(ctx context.Context, d time.Duration) error {
	return v.m.sleep(ctx, v.m.timing.scale(d))
}

// legOrder lists stop indexes in travel order.
func legOrder(n int, dir transit.Direction) []int {
	out := make([]int, n)
	for i := range out {
		if dir == transit.Inbound {
			out[i] = n - 1 - i
		} else {
			out[i] = i
		}
	}
	return out
}

func reverse(d transit.Direction) transit.Direction {
	if d == transit.Outbound {
		return transit.Inbound
	}
	return transit.Outbound
}
