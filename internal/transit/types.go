package transit

import (
	"time"

	"bus-tracker/internal/geo"
)

type Stop struct {
	Name     string
	Lat      float64
	Lon      float64
	Sequence int // 1-based order within the route
}

func (s Stop) Point() geo.Point { return geo.Point{Lat: s.Lat, Lon: s.Lon} }

// StopPoint adapts Stop for geo.NearestStop.
func StopPoint(s Stop) geo.Point { return s.Point() }

type RouteKey struct {
	Operator string
	Number   int
}

type Route struct {
	RouteKey
	Stops []Stop
}

type MovementState string

const (
	AtStop    MovementState = "EN_PARADA"
	InTransit MovementState = "EN_TRANSITO"
)

// Direction of travel relative to the catalog stop order.
type Direction string

const (
	Outbound Direction = "IDA"
	Inbound  Direction = "REGRESO"
)

type Source string

const (
	SourceSimulated Source = "simulado"
	SourceReported  Source = "reportado"
)

// VehiclePosition is one immutable snapshot of a vehicle. LastStopIndex is the
// zero-based position, in catalog order, of the stop the vehicle last departed
// (-1 before its first departure); Direction tells which way it is heading.
type VehiclePosition struct {
	VehicleID     string
	Operator      string
	RouteNumber   int
	Lat           float64
	Lon           float64
	SpeedKmh      float64
	LastStopIndex int
	Direction     Direction
	State         MovementState
	NextStopName  string
	Source        Source
	UpdatedAt     time.Time
}

func (v VehiclePosition) Point() geo.Point { return geo.Point{Lat: v.Lat, Lon: v.Lon} }

func (v VehiclePosition) Route() RouteKey {
	return RouteKey{Operator: v.Operator, Number: v.RouteNumber}
}
