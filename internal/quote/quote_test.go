package quote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/transit"
)

var (
	parqueCaldas = geo.Point{Lat: 2.4448, Lon: -76.6147}
	universidad  = geo.Point{Lat: 2.4520, Lon: -76.6075}
	julumito     = geo.Point{Lat: 2.4545, Lon: -76.6330}
	belloHoriz   = geo.Point{Lat: 2.4335, Lon: -76.6230}
)

type fixedRouter struct {
	res   routing.Result
	calls int
}

func (f *fixedRouter) Route(context.Context, geo.Point, geo.Point) routing.Result {
	f.calls++
	return f.res
}

func TestEstimateExplicitRoute(t *testing.T) {
	router := &fixedRouter{res: routing.Result{Available: true, DistanceKm: 9}}
	q := New(catalog.Default(), router)

	est, err := q.Estimate(context.Background(), Request{
		Origin:      parqueCaldas,
		Destination: universidad,
		Operator:    "TransPubenza",
		RouteNumber: 1,
	})
	require.NoError(t, err)
	assert.Zero(t, router.calls, "an explicit route never asks the routing service")

	stops, _ := catalog.Default().StopsOf("TransPubenza", 1)
	km := catalog.DistanceAlongRoute(stops, 1, 6)

	assert.Equal(t, Static, est.Method)
	assert.Equal(t, transit.RouteKey{Operator: "TransPubenza", Number: 1}, est.Route)
	assert.Equal(t, "Parque Caldas (Centro)", est.Origin.Name)
	assert.Equal(t, "Universidad del Cauca", est.Destination.Name)
	assert.Equal(t, 2500, est.Fare)
	assert.InDelta(t, km, est.DistanceKm, 0.005)
	assert.Equal(t, StaticMinutes(km, 5), est.Minutes)
	assert.GreaterOrEqual(t, est.Minutes, 0)
	assert.Empty(t, est.Path)
}

func TestEstimateExplicitRouteErrors(t *testing.T) {
	q := New(catalog.Default(), nil)
	tests := []struct {
		name string
		req  Request
		kind error
	}{
		{"unknown operator", Request{parqueCaldas, universidad, "Nadie", 1}, transit.ErrNotFound},
		{"unknown route", Request{parqueCaldas, universidad, "TransPubenza", 9}, transit.ErrNotFound},
		{"far from the route", Request{geo.Point{Lat: 2.49, Lon: -76.69}, universidad, "TransPubenza", 1}, transit.ErrValidation},
		{"against stop order", Request{universidad, parqueCaldas, "TransPubenza", 1}, transit.ErrInvalidDirection},
		{"outside the city", Request{geo.Point{}, universidad, "TransPubenza", 1}, transit.ErrOutOfServiceArea},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Estimate(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestEstimateDynamic(t *testing.T) {
	path := []geo.Point{parqueCaldas, {Lat: 2.4480, Lon: -76.6110}, universidad}
	router := &fixedRouter{res: routing.Result{Available: true, DistanceKm: 1.456, ETAMinutes: 4, Path: path}}
	q := New(catalog.Default(), router)

	est, err := q.Estimate(context.Background(), Request{Origin: parqueCaldas, Destination: universidad})
	require.NoError(t, err)
	assert.Equal(t, 1, router.calls)
	assert.Equal(t, Method("osrm"), est.Method)
	assert.Equal(t, 1.46, est.DistanceKm)
	assert.Equal(t, 4, est.Minutes)
	assert.Equal(t, path, est.Path)
	assert.Equal(t, "Origen (2.4448, -76.6147)", est.Origin.Name)
	assert.Equal(t, 1, est.Origin.Sequence)
	assert.Equal(t, "Destino (2.4520, -76.6075)", est.Destination.Name)
	assert.Equal(t, 2, est.Destination.Sequence)
	assert.Equal(t, transit.RouteKey{Operator: "TransPubenza", Number: 1}, est.Route)
	assert.Equal(t, 2500, est.Fare)
}

func TestEstimateFallsBackToCatalog(t *testing.T) {
	q := New(catalog.Default(), routing.Unavailable{})

	est, err := q.Estimate(context.Background(), Request{Origin: parqueCaldas, Destination: universidad})
	require.NoError(t, err)
	assert.Equal(t, Static, est.Method)
	assert.Equal(t, transit.RouteKey{Operator: "TransPubenza", Number: 1}, est.Route)
	assert.Equal(t, 2500, est.Fare)

	// An operator alone does not pin the route.
	est, err = q.Estimate(context.Background(), Request{Origin: parqueCaldas, Destination: universidad, Operator: "TransTambo"})
	require.NoError(t, err)
	assert.Equal(t, "TransPubenza", est.Route.Operator)
}

func TestEstimateNoRouteFound(t *testing.T) {
	q := New(catalog.Default(), routing.Unavailable{})
	_, err := q.Estimate(context.Background(), Request{Origin: julumito, Destination: belloHoriz})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transit.ErrNoRouteFound))
	assert.Equal(t, "No se encontró una ruta válida cerca de los puntos seleccionados", transit.Message(err))
}

func TestStaticMinutes(t *testing.T) {
	tests := []struct {
		km   float64
		hops int
		want int
	}{
		{0, 0, 0},
		{1, 0, 3},
		{2, 3, 12},
		{0.9, 1, 5}, // 2.7 + 2
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StaticMinutes(tt.km, tt.hops), "km=%v hops=%d", tt.km, tt.hops)
	}
}
