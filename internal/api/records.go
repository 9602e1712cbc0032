package api

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

type stopRecord struct {
	Nombre string  `json:"nombre"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Orden  int     `json:"orden"`
}

func newStopRecord(s transit.Stop) stopRecord {
	return stopRecord{Nombre: s.Name, Lat: s.Lat, Lon: s.Lon, Orden: s.Sequence}
}

// lineString is a GeoJSON LineString in [lon, lat] order.
type lineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

func newLineString(path []geo.Point) *lineString {
	if len(path) == 0 {
		return nil
	}
	ls := &lineString{Type: "LineString", Coordinates: make([][2]float64, len(path))}
	for i, p := range path {
		ls.Coordinates[i] = [2]float64{p.Lon, p.Lat}
	}
	return ls
}

// estimateRecord is the single response shape of the estimate endpoint and
// of generic errors. Failures carry the same fields with neutral values.
type estimateRecord struct {
	Success               bool        `json:"success"`
	Metodo                string      `json:"metodo"`
	Empresa               string      `json:"empresa"`
	NumeroRuta            int         `json:"numeroRuta"`
	ParadaOrigen          stopRecord  `json:"paradaOrigen"`
	ParadaDestino         stopRecord  `json:"paradaDestino"`
	TiempoEstimadoMinutos int         `json:"tiempoEstimadoMinutos"`
	DistanciaKm           float64     `json:"distanciaKm"`
	Costo                 int         `json:"costo"`
	Mensaje               string      `json:"mensaje"`
	Geometria             *lineString `json:"geometria"`
}

func errorRecord(msg string) estimateRecord {
	return estimateRecord{Mensaje: msg}
}

// etaRecord is the single response shape of the arrival endpoint.
type etaRecord struct {
	Success                   bool        `json:"success"`
	Empresa                   string      `json:"empresa"`
	NumeroRuta                int         `json:"numeroRuta"`
	ParadaOrigen              *stopRecord `json:"paradaOrigen"`
	ParadaDestino             *stopRecord `json:"paradaDestino"`
	TiempoEstimadoMinutos     *float64    `json:"tiempoEstimadoMinutos"`
	TiempoEntreParadasMinutos *float64    `json:"tiempoEntreParadasMinutos"`
	DistanciaKm               float64     `json:"distanciaKm"`
	Costo                     int         `json:"costo"`
	IDBus                     string      `json:"idBus"`
	Mensaje                   string      `json:"mensaje"`
	Estado                    string      `json:"estado"`
}

type busRecord struct {
	ID                string  `json:"id"`
	Empresa           string  `json:"empresa"`
	Ruta              int     `json:"ruta"`
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	Vel               float64 `json:"vel"`
	Timestamp         float64 `json:"timestamp"` // unix seconds
	Estado            string  `json:"estado"`
	ProximaParada     string  `json:"proxima_parada"`
	UltimaParadaIndex int     `json:"ultima_parada_index"`
	Sentido           string  `json:"sentido"`
	Fuente            string  `json:"fuente"`
}

func newBusRecord(v transit.VehiclePosition) busRecord {
	return busRecord{
		ID:                v.VehicleID,
		Empresa:           v.Operator,
		Ruta:              v.RouteNumber,
		Lat:               v.Lat,
		Lon:               v.Lon,
		Vel:               v.SpeedKmh,
		Timestamp:         float64(v.UpdatedAt.UnixNano()) / float64(time.Second),
		Estado:            string(v.State),
		ProximaParada:     v.NextStopName,
		UltimaParadaIndex: v.LastStopIndex,
		Sentido:           string(v.Direction),
		Fuente:            string(v.Source),
	}
}

type routeRecord struct {
	Empresa    string `json:"empresa"`
	NumeroRuta int    `json:"numeroRuta"`
	NumParadas int    `json:"numParadas"`
	Origen     string `json:"origen"`
	Destino    string `json:"destino"`
}
