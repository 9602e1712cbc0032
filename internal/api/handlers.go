package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"bus-tracker/internal/eta"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfsrt"
	"bus-tracker/internal/quote"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/transit"
)

const defaultReportedSpeedKmh = 20

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Estimación de Rutas - Popayán",
		"message": "Use POST /api/estimate-route with JSON payload. See /api/health and /api/rutas for info",
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "online",
		"message":              "Servidor funcionando correctamente",
		"empresas_disponibles": s.catalog.Operators(),
	})
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	rutas := make([]routeRecord, 0, s.catalog.Len())
	for sum := range s.catalog.Summaries() {
		rutas = append(rutas, routeRecord{
			Empresa:    sum.Operator,
			NumeroRuta: sum.Number,
			NumParadas: sum.StopCount,
			Origen:     sum.FirstStop,
			Destino:    sum.LastStop,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_rutas": len(rutas), "rutas": rutas})
}

func (s *Server) routeStops(w http.ResponseWriter, r *http.Request) {
	empresa := chi.URLParam(r, "empresa")
	numero, err := strconv.Atoi(chi.URLParam(r, "numero"))
	if err != nil {
		writeError(w, transit.Errorf(transit.ErrValidation, "El número de ruta debe ser un entero"))
		return
	}
	stops, err := s.catalog.StopsOf(empresa, numero)
	if err != nil {
		writeError(w, err)
		return
	}
	paradas := make([]stopRecord, len(stops))
	for i, st := range stops {
		paradas[i] = newStopRecord(st)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"empresa":    empresa,
		"numeroRuta": numero,
		"costo":      s.catalog.Fare(empresa),
		"paradas":    paradas,
	})
}

func (s *Server) routingInfo(w http.ResponseWriter, r *http.Request) {
	dynamic := routing.Probe(r.Context(), s.router, s.catalog)
	preferred := quote.Static
	if dynamic {
		preferred = quote.Dynamic
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metodos_disponibles": map[string]bool{
			string(quote.Dynamic): dynamic,
			string(quote.Static):  true,
		},
		"metodo_preferido": preferred,
		"mensaje":          "OSRM calcula rutas reales. Estático usa rutas predefinidas.",
	})
}

func (s *Server) estimateRoute(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEstimate(w, r)
	var est quote.Estimate
	if err == nil {
		est, err = s.quotes.Estimate(r.Context(), req)
	}
	if err != nil {
		s.countEstimate(outcomeOf(err))
		writeError(w, err)
		return
	}
	s.countEstimate(string(est.Method))
	log.Printf("estimate %s: %s route %d, %s -> %s, %d min, %.2f km, fare %d",
		est.Method, est.Route.Operator, est.Route.Number, est.Origin.Name, est.Destination.Name, est.Minutes, est.DistanceKm, est.Fare)
	writeJSON(w, http.StatusOK, estimateRecord{
		Success:               true,
		Metodo:                string(est.Method),
		Empresa:               est.Route.Operator,
		NumeroRuta:            est.Route.Number,
		ParadaOrigen:          newStopRecord(est.Origin),
		ParadaDestino:         newStopRecord(est.Destination),
		TiempoEstimadoMinutos: est.Minutes,
		DistanciaKm:           est.DistanceKm,
		Costo:                 est.Fare,
		Mensaje:               "Ruta calculada exitosamente con " + strings.ToUpper(string(est.Method)),
		Geometria:             newLineString(est.Path),
	})
}

func (s *Server) parseEstimate(w http.ResponseWriter, r *http.Request) (quote.Request, error) {
	var f fields
	if err := decodeJSON(w, r, &f); err != nil {
		return quote.Request{}, err
	}
	var req quote.Request
	for _, c := range []struct {
		key string
		dst *float64
	}{
		{"origenLat", &req.Origin.Lat},
		{"origenLon", &req.Origin.Lon},
		{"destinoLat", &req.Destination.Lat},
		{"destinoLon", &req.Destination.Lon},
	} {
		n, err := f.number(c.key)
		if err != nil {
			return quote.Request{}, err
		}
		*c.dst = n
	}
	var err error
	if req.Operator, err = f.optString("empresa"); err != nil {
		return quote.Request{}, err
	}
	if req.RouteNumber, err = f.optInt("numeroRuta"); err != nil {
		return quote.Request{}, err
	}
	return req, nil
}

func (s *Server) countEstimate(outcome string) {
	if s.metrics != nil {
		s.metrics.EstimateQueries.WithLabelValues(outcome).Inc()
	}
}

type reportRequest struct {
	IDBus     flexString `json:"idBus" validate:"required"`
	Empresa   string     `json:"empresa" validate:"required"`
	Ruta      *flexInt   `json:"ruta" validate:"required"`
	Lat       *float64   `json:"lat" validate:"required"`
	Lon       *float64   `json:"lon" validate:"required"`
	Velocidad *float64   `json:"velocidad" validate:"omitempty,gte=0"`
}

// reportPosition records a position sent from inside a vehicle.
func (s *Server) reportPosition(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := s.decodeStrict(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	route := int(*req.Ruta)
	if _, err := s.catalog.StopsOf(req.Empresa, route); err != nil {
		writeError(w, transit.Errorf(transit.ErrValidation, "Empresa o ruta inválida"))
		return
	}
	if !geo.InServiceArea(*req.Lat, *req.Lon) {
		writeError(w, transit.Errorf(transit.ErrOutOfServiceArea, "Coordenadas inválidas"))
		return
	}
	speed := float64(defaultReportedSpeedKmh)
	if req.Velocidad != nil {
		speed = *req.Velocidad
	}
	state := transit.InTransit
	if speed == 0 {
		state = transit.AtStop
	}
	stored := s.fleet.Upsert(transit.VehiclePosition{
		VehicleID:     string(req.IDBus),
		Operator:      req.Empresa,
		RouteNumber:   route,
		Lat:           *req.Lat,
		Lon:           *req.Lon,
		SpeedKmh:      speed,
		LastStopIndex: -1,
		Direction:     transit.Outbound,
		State:         state,
		Source:        transit.SourceReported,
		UpdatedAt:     s.now(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mensaje": fmt.Sprintf("Bus %s actualizado", stored.VehicleID),
		"bus":     newBusRecord(stored),
	})
}

func (s *Server) listBuses(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	var vehicles []transit.VehiclePosition
	q := r.URL.Query()
	if empresa, ruta := q.Get("empresa"), q.Get("ruta"); empresa != "" || ruta != "" {
		n, err := strconv.Atoi(ruta)
		if err != nil || empresa == "" {
			writeError(w, transit.Errorf(transit.ErrValidation, "Los filtros empresa y ruta deben usarse juntos"))
			return
		}
		vehicles = s.fleet.ListByRoute(empresa, n, now)
	} else {
		vehicles = s.fleet.SnapshotActive(now)
	}
	out := make([]busRecord, len(vehicles))
	for i, v := range vehicles {
		out[i] = newBusRecord(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok := s.fleet.Get(id, s.now())
	if !ok {
		writeError(w, transit.Errorf(transit.ErrNotFound, "Bus %s no encontrado", id))
		return
	}
	writeJSON(w, http.StatusOK, newBusRecord(v))
}

func (s *Server) arrival(w http.ResponseWriter, r *http.Request) {
	res, err := s.parseArrival(w, r)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ETAQueries.WithLabelValues(outcomeOf(err)).Inc()
		}
		if statusOf(err) == http.StatusInternalServerError {
			log.Printf("internal error: %v", err)
		}
		writeJSON(w, statusOf(err), etaRecord{Mensaje: transit.Message(err)})
		return
	}
	if s.metrics != nil {
		s.metrics.ETAQueries.WithLabelValues(strings.ToLower(string(res.Status))).Inc()
	}

	stop := newStopRecord(res.Stop)
	rec := etaRecord{
		Success:       true,
		Empresa:       res.Route.Operator,
		NumeroRuta:    res.Route.Number,
		ParadaDestino: &stop,
		DistanciaKm:   res.DistanceKm,
		Costo:         res.Fare,
		Estado:        string(res.Status),
	}
	switch res.Status {
	case eta.NoBuses:
		rec.Mensaje = "No hay buses reportados en esta ruta aún"
	case eta.AlreadyPassed:
		rec.Mensaje = "El bus acaba de pasar o no hay buses cercanos"
	case eta.OnTheWay:
		minutes := res.ETAMinutes
		rec.ParadaOrigen = &stop
		rec.TiempoEstimadoMinutos = &minutes
		rec.IDBus = res.VehicleID
		rec.Mensaje = fmt.Sprintf("El bus %s llegará en %s min", res.VehicleID, strconv.FormatFloat(minutes, 'f', 1, 64))
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) parseArrival(w http.ResponseWriter, r *http.Request) (eta.Result, error) {
	var f fields
	if err := decodeJSON(w, r, &f); err != nil {
		return eta.Result{}, err
	}
	var coords [2]float64
	for i, k := range []string{"userLat", "userLon"} {
		if _, ok := f[k]; !ok {
			return eta.Result{}, transit.Errorf(transit.ErrValidation, "Falta campo %s", k)
		}
		n, err := f.number(k)
		if err != nil {
			return eta.Result{}, err
		}
		coords[i] = n
	}
	return s.eta.Estimate(coords[0], coords[1])
}

type simulateRequest struct {
	IDBus     flexString `json:"idBus"`
	Empresa   string     `json:"empresa" validate:"required"`
	Ruta      *flexInt   `json:"ruta" validate:"required"`
	Velocidad *float64   `json:"velocidad" validate:"omitempty,gt=0"`
}

// launchSimulation starts a simulator and answers before it moves.
func (s *Server) launchSimulation(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := s.decodeStrict(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec := sim.Spec{
		VehicleID:   string(req.IDBus),
		Operator:    req.Empresa,
		RouteNumber: int(*req.Ruta),
	}
	if req.Velocidad != nil {
		spec.SpeedKmh = *req.Velocidad
	}
	id, err := s.sims.Launch(spec)
	if errors.Is(err, transit.ErrNotFound) {
		err = transit.Errorf(transit.ErrValidation, "Ruta inválida")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mensaje": fmt.Sprintf("Simulación con retorno iniciada para bus %s", id),
		"idBus":   id,
		"empresa": spec.Operator,
		"ruta":    spec.RouteNumber,
	})
}

func (s *Server) stopSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sims.Cancel(id) {
		writeError(w, transit.Errorf(transit.ErrNotFound, "No hay simulación activa para el bus %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mensaje": fmt.Sprintf("Simulación del bus %s detenida", id),
	})
}

func (s *Server) listSimulations(w http.ResponseWriter, r *http.Request) {
	ids := s.sims.Running()
	writeJSON(w, http.StatusOK, map[string]any{"total": len(ids), "buses": ids})
}

func (s *Server) vehiclePositionsFeed(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	asJSON := r.URL.Query().Get("format") == "json"
	b, err := gtfsrt.Marshal(gtfsrt.Build(s.fleet.SnapshotActive(now), now), asJSON)
	if err != nil {
		writeError(w, err)
		return
	}
	if asJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		log.Printf("write feed: %v", err)
	}
}
