package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/quote"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/sim"
)

type testEnv struct {
	srv     *httptest.Server
	store   *fleet.Store
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRouter(t, routing.Unavailable{})
}

func newTestEnvWithRouter(t *testing.T, router routing.Provider) *testEnv {
	t.Helper()
	cat := catalog.Default()
	store := fleet.NewStore(fleet.DefaultStaleAfter)
	col := metrics.NewCollector(1, fleet.DefaultStaleAfter)

	mgr := sim.NewManager(cat, store, routing.Unavailable{}, sim.DefaultTiming(), col)
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)

	s := New(Deps{
		Catalog:     cat,
		Fleet:       store,
		Simulations: mgr,
		Quotes:      quote.New(cat, router),
		ETA:         eta.New(cat, store),
		Router:      router,
		Metrics:     col,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		mgr.Stop()
	})
	return &testEnv{srv: srv, store: store, metrics: col}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func decodeMap(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m), "body: %s", b)
	return m
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

var estimateKeys = []string{
	"costo", "distanciaKm", "empresa", "geometria", "mensaje", "metodo", "numeroRuta",
	"paradaDestino", "paradaOrigen", "success", "tiempoEstimadoMinutos",
}

func TestHealthAndIndex(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	m := decodeMap(t, body)
	assert.Equal(t, "online", m["status"])
	assert.Equal(t, []any{"Sotracauca", "TransLibertad", "TransPubenza", "TransTambo"}, m["empresas_disponibles"])

	code, body = e.do(t, "GET", "/", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, decodeMap(t, body)["service"], "Popayán")
}

func TestListRoutes(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, "GET", "/api/rutas", nil)
	require.Equal(t, http.StatusOK, code)

	var got struct {
		Total int           `json:"total_rutas"`
		Rutas []routeRecord `json:"rutas"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 5, got.Total)
	require.Len(t, got.Rutas, 5)
	assert.Equal(t, routeRecord{
		Empresa: "TransPubenza", NumeroRuta: 1, NumParadas: 6,
		Origen: "Parque Caldas (Centro)", Destino: "Universidad del Cauca",
	}, got.Rutas[0])
	assert.Equal(t, "Sotracauca", got.Rutas[4].Empresa, "routes keep catalog declaration order")
}

func TestRouteStops(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "GET", "/api/rutas/TransPubenza/1", nil)
	require.Equal(t, http.StatusOK, code)
	m := decodeMap(t, body)
	assert.Len(t, m["paradas"], 6)
	assert.Equal(t, 2500.0, m["costo"])

	tests := []struct {
		path string
		code int
		msg  string
	}{
		{"/api/rutas/Nadie/1", http.StatusNotFound, "Empresa Nadie no encontrada"},
		{"/api/rutas/TransPubenza/9", http.StatusNotFound, "La ruta 9 no existe para la empresa TransPubenza"},
		{"/api/rutas/TransPubenza/uno", http.StatusBadRequest, "El número de ruta debe ser un entero"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := e.do(t, "GET", tt.path, nil)
			assert.Equal(t, tt.code, code)
			m := decodeMap(t, body)
			assert.Equal(t, false, m["success"])
			assert.Equal(t, tt.msg, m["mensaje"])
		})
	}
}

func TestRoutingInfoWithoutRoutingService(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, "GET", "/api/routing-info", nil)
	require.Equal(t, http.StatusOK, code)
	m := decodeMap(t, body)
	assert.Equal(t, map[string]any{"osrm": false, "estatico": true}, m["metodos_disponibles"])
	assert.Equal(t, "estatico", m["metodo_preferido"])
}

// straightRouter answers every lookup with the straight segment between the points.
type straightRouter struct{}

func (straightRouter) Route(_ context.Context, o, d geo.Point) routing.Result {
	return routing.Result{Available: true, DistanceKm: 1.234, ETAMinutes: 6, Path: []geo.Point{o, d}}
}

func TestRoutedEstimateReportsOSRM(t *testing.T) {
	e := newTestEnvWithRouter(t, straightRouter{})

	code, body := e.do(t, "GET", "/api/routing-info", nil)
	require.Equal(t, http.StatusOK, code)
	m := decodeMap(t, body)
	assert.Equal(t, map[string]any{"osrm": true, "estatico": true}, m["metodos_disponibles"])
	assert.Equal(t, "osrm", m["metodo_preferido"])

	code, body = e.do(t, "POST", "/api/estimate-route", map[string]any{
		"origenLat": 2.4448, "origenLon": -76.6147,
		"destinoLat": 2.4520, "destinoLon": -76.6075,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	m = decodeMap(t, body)
	assert.Equal(t, "osrm", m["metodo"])
	assert.Equal(t, "Ruta calculada exitosamente con OSRM", m["mensaje"])
	assert.Equal(t, 1.23, m["distanciaKm"])
	assert.Equal(t, 6.0, m["tiempoEstimadoMinutos"])
	assert.Equal(t, "TransPubenza", m["empresa"])
	assert.Equal(t, map[string]any{
		"type":        "LineString",
		"coordinates": []any{[]any{-76.6147, 2.4448}, []any{-76.6075, 2.452}},
	}, m["geometria"])
}

func TestEstimateRouteStatic(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, "POST", "/api/estimate-route", map[string]any{
		"origenLat": 2.4448, "origenLon": -76.6147,
		"destinoLat": 2.4520, "destinoLon": -76.6075,
		"empresa": "TransPubenza", "numeroRuta": 1,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	m := decodeMap(t, body)
	assert.Equal(t, estimateKeys, keys(m))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "estatico", m["metodo"])
	assert.Equal(t, 2500.0, m["costo"])
	assert.GreaterOrEqual(t, m["distanciaKm"], 0.0)
	assert.GreaterOrEqual(t, m["tiempoEstimadoMinutos"], 0.0)
	assert.Nil(t, m["geometria"])
	assert.Equal(t, "Ruta calculada exitosamente con ESTATICO", m["mensaje"])
	assert.Equal(t, "Parque Caldas (Centro)", m["paradaOrigen"].(map[string]any)["nombre"])
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EstimateQueries.WithLabelValues("estatico")))
}

func TestEstimateRouteOmittedRouteFallsBack(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, "POST", "/api/estimate-route", map[string]any{
		"origenLat": 2.4448, "origenLon": -76.6147,
		"destinoLat": 2.4520, "destinoLon": -76.6075,
		"numeroRuta": 1.0,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	m := decodeMap(t, body)
	assert.Equal(t, "estatico", m["metodo"])
	assert.Equal(t, "TransPubenza", m["empresa"])
}

func TestEstimateRouteErrors(t *testing.T) {
	e := newTestEnv(t)
	valid := func() map[string]any {
		return map[string]any{
			"origenLat": 2.4448, "origenLon": -76.6147,
			"destinoLat": 2.4520, "destinoLon": -76.6075,
		}
	}
	with := func(k string, v any) map[string]any {
		m := valid()
		m[k] = v
		return m
	}
	without := func(k string) map[string]any {
		m := valid()
		delete(m, k)
		return m
	}

	tests := []struct {
		name string
		body any
		code int
		msg  string
	}{
		{"missing field", without("origenLat"), 400, "Faltan campos obligatorios: origenLat"},
		{"string coordinate", with("destinoLon", "-76.6"), 400, "El campo destinoLon debe ser numérico"},
		{"empresa not a string", with("empresa", 5), 400, "El campo 'empresa' debe ser una cadena"},
		{"fractional route", with("numeroRuta", 1.5), 400, "El campo 'numeroRuta' debe ser un entero"},
		{"outside the city", with("origenLat", 0), 400, "Coordenadas fuera del rango válido para Popayán"},
		{"unknown operator", func() map[string]any {
			m := with("empresa", "Nadie")
			m["numeroRuta"] = 1
			return m
		}(), 404, "Empresa Nadie no encontrada"},
		{"against stop order", map[string]any{
			"origenLat": 2.4520, "origenLon": -76.6075,
			"destinoLat": 2.4448, "destinoLon": -76.6147,
			"empresa": "TransPubenza", "numeroRuta": 1,
		}, 400, "El orden de paradas sugiere que el destino está antes que el origen en la ruta"},
		{"no route near both points", map[string]any{
			"origenLat": 2.4545, "origenLon": -76.6330,
			"destinoLat": 2.4335, "destinoLon": -76.6230,
		}, 404, "No se encontró una ruta válida cerca de los puntos seleccionados"},
		{"malformed json", "{not json", 400, "Bad Request: cuerpo JSON inválido"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, "POST", "/api/estimate-route", tt.body)
			assert.Equal(t, tt.code, code)
			m := decodeMap(t, body)
			assert.Equal(t, estimateKeys, keys(m), "error records keep the success shape")
			assert.Equal(t, false, m["success"])
			assert.Equal(t, tt.msg, m["mensaje"])
			assert.Equal(t, 0.0, m["costo"])
		})
	}
}

func TestReportPositionAndReadBack(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "POST", "/api/update-bus-gps", map[string]any{
		"idBus": 77, "empresa": "TransPubenza", "ruta": "1", "lat": 2.4455, "lon": -76.6135,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	m := decodeMap(t, body)
	assert.Equal(t, "Bus 77 actualizado", m["mensaje"])
	bus := m["bus"].(map[string]any)
	assert.Equal(t, 20.0, bus["vel"], "default reported speed")
	assert.Equal(t, "reportado", bus["fuente"])
	assert.Equal(t, -1.0, bus["ultima_parada_index"])

	code, body = e.do(t, "GET", "/api/buses", nil)
	require.Equal(t, http.StatusOK, code)
	var all []busRecord
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 1)
	assert.Equal(t, "77", all[0].ID)

	code, body = e.do(t, "GET", "/api/buses?empresa=TransPubenza&ruta=5", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(body))

	code, _ = e.do(t, "GET", "/api/buses?ruta=1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, "GET", "/api/buses/77", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "TransPubenza", decodeMap(t, body)["empresa"])

	code, body = e.do(t, "GET", "/api/buses/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Bus nope no encontrado", decodeMap(t, body)["mensaje"])
}

func TestReportPositionRejects(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]any
		code int
		msg  string
	}{
		{"missing lat", map[string]any{"idBus": "b", "empresa": "TransPubenza", "ruta": 1, "lon": -76.61}, 400, "Falta campo lat"},
		{"missing id", map[string]any{"empresa": "TransPubenza", "ruta": 1, "lat": 2.44, "lon": -76.61}, 400, "Falta campo idBus"},
		{"bad route type", map[string]any{"idBus": "b", "empresa": "TransPubenza", "ruta": 1.5, "lat": 2.44, "lon": -76.61}, 400, "Campo ruta inválido"},
		{"unknown route", map[string]any{"idBus": "b", "empresa": "TransPubenza", "ruta": 9, "lat": 2.44, "lon": -76.61}, 400, "Empresa o ruta inválida"},
		{"outside the city", map[string]any{"idBus": "b", "empresa": "TransPubenza", "ruta": 1, "lat": 4.6, "lon": -74.1}, 400, "Coordenadas inválidas"},
		{"negative speed", map[string]any{"idBus": "b", "empresa": "TransPubenza", "ruta": 1, "lat": 2.44, "lon": -76.61, "velocidad": -3}, 400, "Campo velocidad inválido"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, "POST", "/api/update-bus-gps", tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, decodeMap(t, body)["mensaje"])
		})
	}
	assert.Zero(t, e.store.Len())
}

func TestArrival(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "POST", "/api/eta", map[string]any{"userLat": 2.4520, "userLon": -76.6075})
	require.Equal(t, http.StatusOK, code)
	m := decodeMap(t, body)
	assert.Equal(t, "NO_HAY_BUSES", m["estado"])
	assert.Nil(t, m["tiempoEstimadoMinutos"])
	assert.Nil(t, m["paradaOrigen"])
	assert.Equal(t, 2500.0, m["costo"])

	code, _ = e.do(t, "POST", "/api/update-bus-gps", map[string]any{
		"idBus": "b1", "empresa": "TransPubenza", "ruta": 1, "lat": 2.4455, "lon": -76.6135, "velocidad": 30,
	})
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, "POST", "/api/eta", map[string]any{"userLat": 2.4520, "userLon": -76.6075})
	require.Equal(t, http.StatusOK, code)
	m = decodeMap(t, body)
	assert.Equal(t, "EN_CAMINO", m["estado"])
	assert.Equal(t, "b1", m["idBus"])
	assert.Greater(t, m["tiempoEstimadoMinutos"], 0.0)
	assert.Equal(t, "Universidad del Cauca", m["paradaDestino"].(map[string]any)["nombre"])
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ETAQueries.WithLabelValues("en_camino")))
}

func TestArrivalErrorsKeepShape(t *testing.T) {
	e := newTestEnv(t)
	_, okBody := e.do(t, "POST", "/api/eta", map[string]any{"userLat": 2.4520, "userLon": -76.6075})
	want := keys(decodeMap(t, okBody))

	tests := []struct {
		name string
		body any
		code int
		msg  string
	}{
		{"missing field", map[string]any{"userLat": 2.45}, 400, "Falta campo userLon"},
		{"not a number", map[string]any{"userLat": "x", "userLon": -76.6}, 400, "El campo userLat debe ser numérico"},
		{"outside the city", map[string]any{"userLat": 0, "userLon": 0}, 400, "Coordenadas fuera de Popayán"},
		{"no route nearby", map[string]any{"userLat": 2.49, "userLon": -76.69}, 404, "No hay rutas cerca de ti"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, "POST", "/api/eta", tt.body)
			assert.Equal(t, tt.code, code)
			m := decodeMap(t, body)
			assert.Equal(t, want, keys(m))
			assert.Equal(t, false, m["success"])
			assert.Equal(t, tt.msg, m["mensaje"])
		})
	}
}

func TestSimulationControl(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "POST", "/api/simular-bus", map[string]any{"idBus": "SIM01", "empresa": "TransTambo", "ruta": 7})
	require.Equal(t, http.StatusOK, code, "body: %s", body)
	m := decodeMap(t, body)
	assert.Equal(t, "SIM01", m["idBus"])
	assert.Equal(t, true, m["success"])

	// the vehicle is on the map before it starts moving
	p, ok := e.store.Get("SIM01", time.Now())
	require.True(t, ok)
	assert.Equal(t, "Parque Caldas (Centro)", p.NextStopName)

	code, body = e.do(t, "POST", "/api/simular-bus", map[string]any{"idBus": "SIM01", "empresa": "TransTambo", "ruta": 7})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, decodeMap(t, body)["success"])

	for _, bad := range []map[string]any{
		{"empresa": "TransTambo", "ruta": 70},
		{"empresa": "Nadie", "ruta": 7},
	} {
		code, body = e.do(t, "POST", "/api/simular-bus", bad)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "Ruta inválida", decodeMap(t, body)["mensaje"])
	}

	code, body = e.do(t, "POST", "/api/simular-bus", map[string]any{"ruta": 7})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Falta campo empresa", decodeMap(t, body)["mensaje"])

	code, body = e.do(t, "GET", "/api/simulaciones", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"SIM01"}, decodeMap(t, body)["buses"])

	code, _ = e.do(t, "DELETE", "/api/simular-bus/SIM01", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, "DELETE", "/api/simular-bus/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.SimulatorsStarted))
}

func TestVehiclePositionsFeed(t *testing.T) {
	e := newTestEnv(t)
	for _, id := range []string{"a", "b"} {
		code, _ := e.do(t, "POST", "/api/update-bus-gps", map[string]any{
			"idBus": id, "empresa": "TransPubenza", "ruta": 1, "lat": 2.4455, "lon": -76.6135,
		})
		require.Equal(t, http.StatusOK, code)
	}

	code, body := e.do(t, "GET", "/api/gtfs-rt/vehicle-positions", nil)
	require.Equal(t, http.StatusOK, code)
	var feed gtfs.FeedMessage
	require.NoError(t, proto.Unmarshal(body, &feed))
	assert.Len(t, feed.GetEntity(), 2)

	code, body = e.do(t, "GET", "/api/gtfs-rt/vehicle-positions?format=json", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeMap(t, body)["entity"], 2)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, "GET", "/api/nada", nil)
	assert.Equal(t, http.StatusNotFound, code)
	m := decodeMap(t, body)
	assert.Equal(t, estimateKeys, keys(m))
	assert.Equal(t, "Not Found: /api/nada", m["mensaje"])

	code, body = e.do(t, "GET", "/api/estimate-route", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, estimateKeys, keys(decodeMap(t, body)))
}

func TestRecovererHidesPanics(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	m := decodeMap(t, rec.Body.Bytes())
	assert.Equal(t, "Error interno del servidor", m["mensaje"])
	assert.Equal(t, estimateKeys, keys(m))
}
