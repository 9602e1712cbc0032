// Package api exposes the tracker over HTTP. Every error, and every answer of
// the estimate and arrival endpoints, is a single record with a fixed field
// set so clients can branch on "success" alone.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/quote"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/transit"
)

// Fleet is the live vehicle store as the API uses it.
type Fleet interface {
	Upsert(transit.VehiclePosition) transit.VehiclePosition
	Get(id string, now time.Time) (transit.VehiclePosition, bool)
	SnapshotActive(now time.Time) []transit.VehiclePosition
	ListByRoute(operator string, number int, now time.Time) []transit.VehiclePosition
}

// Simulations controls the vehicle simulators.
type Simulations interface {
	Launch(sim.Spec) (string, error)
	Cancel(id string) bool
	Running() []string
}

type Deps struct {
	Catalog     *catalog.Catalog
	Fleet       Fleet
	Simulations Simulations
	Quotes      *quote.Quoter
	ETA         *eta.Estimator
	Router      routing.Provider
	Metrics     *metrics.Collector // optional
	CORSOrigins []string
}

type Server struct {
	catalog  *catalog.Catalog
	fleet    Fleet
	sims     Simulations
	quotes   *quote.Quoter
	eta      *eta.Estimator
	router   routing.Provider
	metrics  *metrics.Collector
	origins  []string
	validate *validator.Validate
	now      func() time.Time
}

func New(d Deps) *Server {
	if d.Router == nil {
		d.Router = routing.Unavailable{}
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Server{
		catalog:  d.Catalog,
		fleet:    d.Fleet,
		sims:     d.Simulations,
		quotes:   d.Quotes,
		eta:      d.ETA,
		router:   d.Router,
		metrics:  d.Metrics,
		origins:  d.CORSOrigins,
		validate: newValidator(),
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorRecord("Not Found: "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorRecord("Method Not Allowed: "+r.Method+" "+r.URL.Path))
	})

	r.Get("/", s.index)
	r.Get("/api/health", s.health)
	r.Get("/api/rutas", s.listRoutes)
	r.Get("/api/rutas/{empresa}/{numero}", s.routeStops)
	r.Get("/api/routing-info", s.routingInfo)
	r.Post("/api/estimate-route", s.estimateRoute)
	r.Post("/api/update-bus-gps", s.reportPosition)
	r.Get("/api/buses", s.listBuses)
	r.Get("/api/buses/{id}", s.getBus)
	r.Post("/api/eta", s.arrival)
	r.Post("/api/simular-bus", s.launchSimulation)
	r.Delete("/api/simular-bus/{id}", s.stopSimulation)
	r.Get("/api/simulaciones", s.listSimulations)
	r.Get("/api/gtfs-rt/vehicle-positions", s.vehiclePositionsFeed)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, transit.ErrValidation),
		errors.Is(err, transit.ErrOutOfServiceArea),
		errors.Is(err, transit.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, transit.ErrNotFound),
		errors.Is(err, transit.ErrNoRouteFound),
		errors.Is(err, transit.ErrNoNearbyRoute):
		return http.StatusNotFound
	case errors.Is(err, transit.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// outcomeOf labels err for the query metrics.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, transit.ErrValidation):
		return "validation"
	case errors.Is(err, transit.ErrOutOfServiceArea):
		return "out_of_area"
	case errors.Is(err, transit.ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, transit.ErrNotFound):
		return "not_found"
	case errors.Is(err, transit.ErrNoRouteFound):
		return "no_route"
	case errors.Is(err, transit.ErrNoNearbyRoute):
		return "no_nearby_route"
	case errors.Is(err, transit.ErrConflict):
		return "conflict"
	}
	return "internal"
}

// writeError sends the generic error record. Unexpected errors are logged
// and reach the client only as a generic message.
func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	writeJSON(w, status, errorRecord(transit.Message(err)))
}

// recoverer turns a panic into the generic internal error record.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, errorRecord(transit.Message(nil)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
