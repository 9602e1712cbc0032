package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bus-tracker/internal/geo"
)

const maxResponseBytes = 8 << 20

// Metrics receives one observation per lookup. outcome is "ok" or a failure reason.
type Metrics interface {
	ObserveRouting(outcome string, d time.Duration)
}

// OSRM queries an OSRM-compatible /route/v1/driving endpoint.
type OSRM struct {
	baseURL string
	client  *http.Client
	metrics Metrics
}

func NewOSRM(baseURL string, timeout time.Duration, m Metrics) *OSRM {
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: m,
	}
}

type osrmGeometry struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
}

type osrmRoute struct {
	Distance *float64      `json:"distance"` // meters
	Duration *float64      `json:"duration"` // seconds
	Geometry *osrmGeometry `json:"geometry"`
}

type osrmResponse struct {
	Code   string      `json:"code"`
	Routes []osrmRoute `json:"routes"`
}

func (o *OSRM) Route(ctx context.Context, origin, destination geo.Point) Result {
	start := time.Now()
	res, outcome, err := o.lookup(ctx, origin, destination)
	if o.metrics != nil {
		o.metrics.ObserveRouting(outcome, time.Since(start))
	}
	if err != nil {
		log.Printf("routing unavailable (%s): %v", outcome, err)
		return Result{}
	}
	return res
}

func (o *OSRM) lookup(ctx context.Context, origin, destination geo.Point) (Result, string, error) {
	// OSRM takes lon,lat pairs.
	u := fmt.Sprintf("%s/route/v1/driving/%s;%s?%s", o.baseURL,
		lonLat(origin), lonLat(destination),
		url.Values{"overview": {"full"}, "geometries": {"geojson"}, "steps": {"false"}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, "request", err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, "transport", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Result{}, "status", fmt.Errorf("status %d", resp.StatusCode)
	}

	var body osrmResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return Result{}, "decode", fmt.Errorf("decode response: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Result{}, "no_route", fmt.Errorf("code %q with %d routes", body.Code, len(body.Routes))
	}
	r := body.Routes[0]
	if r.Distance == nil || r.Duration == nil || *r.Distance < 0 || *r.Duration < 0 {
		return Result{}, "decode", fmt.Errorf("route without distance/duration")
	}
	path, err := decodePath(r.Geometry)
	if err != nil {
		return Result{}, "decode", err
	}
	return Result{
		Available:  true,
		DistanceKm: math.Round(*r.Distance/1000*100) / 100,
		ETAMinutes: int(*r.Duration / 60),
		Path:       path,
	}, "ok", nil
}

func decodePath(g *osrmGeometry) ([]geo.Point, error) {
	if g == nil || len(g.Coordinates) == 0 {
		return nil, nil
	}
	if g.Type != "" && g.Type != "LineString" {
		return nil, fmt.Errorf("unexpected geometry type %q", g.Type)
	}
	path := make([]geo.Point, 0, len(g.Coordinates))
	for _, c := range g.Coordinates {
		if len(c) < 2 {
			return nil, fmt.Errorf("malformed coordinate %v", c)
		}
		path = append(path, geo.Point{Lat: c[1], Lon: c[0]})
	}
	if len(path) < 2 {
		return nil, nil
	}
	return path, nil
}

func lonLat(p geo.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
}
