package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveVehicles    prometheus.Gauge
	RunningSimulators prometheus.Gauge

	SimulatorsStarted  prometheus.Counter
	SimulatorsFinished prometheus.Counter

	PositionUpserts *prometheus.CounterVec // source label: simulado|reportado

	RoutingRequests *prometheus.CounterVec // outcome label
	RoutingDuration prometheus.Histogram

	ETAQueries      *prometheus.CounterVec // outcome label
	EstimateQueries *prometheus.CounterVec // outcome label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RedisWrites prometheus.Counter
	RedisErrs   prometheus.Counter
	RedisDrops  prometheus.Counter

	SpeedMultiplier prometheus.Gauge
	StaleAfter      prometheus.Gauge // seconds
}

func NewCollector(speedMultiplier float64, staleAfter time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_vehicles",
			Help: "Vehicles reported within the stale window at the last prune.",
		}),
		RunningSimulators: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_running_simulators",
			Help: "Number of currently running vehicle simulators.",
		}),
		SimulatorsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_simulators_started_total",
			Help: "Total vehicle simulators started.",
		}),
		SimulatorsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_simulators_finished_total",
			Help: "Total vehicle simulators finished.",
		}),
		PositionUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_position_upserts_total",
			Help: "Position records written to the fleet store.",
		}, []string{"source"}),
		RoutingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_routing_requests_total",
			Help: "Routing service lookups by outcome.",
		}, []string{"outcome"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_routing_duration_seconds",
			Help:    "Duration of routing service lookups.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ETAQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_eta_queries_total",
			Help: "Arrival queries by outcome.",
		}, []string{"outcome"}),
		EstimateQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_estimate_queries_total",
			Help: "Trip estimate queries by outcome.",
		}, []string{"outcome"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RedisWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_redis_writes_total",
			Help: "Positions mirrored to Redis.",
		}),
		RedisErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_redis_errors_total",
			Help: "Failed Redis mirror writes.",
		}),
		RedisDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_redis_dropped_total",
			Help: "Positions not mirrored because the queue was full.",
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_speed_multiplier",
			Help: "Current simulation speed multiplier.",
		}),
		StaleAfter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_stale_after_seconds",
			Help: "Age after which a vehicle record stops being reported.",
		}),
	}

	reg.MustRegister(
		c.ActiveVehicles, c.RunningSimulators,
		c.SimulatorsStarted, c.SimulatorsFinished,
		c.PositionUpserts, c.RoutingRequests, c.RoutingDuration,
		c.ETAQueries, c.EstimateQueries,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RedisWrites, c.RedisErrs, c.RedisDrops,
		c.SpeedMultiplier, c.StaleAfter,
	)

	c.SpeedMultiplier.Set(speedMultiplier)
	c.StaleAfter.Set(staleAfter.Seconds())

	return c
}

// ObserveRouting satisfies routing.Metrics.
func (c *Collector) ObserveRouting(outcome string, d time.Duration) {
	c.RoutingRequests.WithLabelValues(outcome).Inc()
	c.RoutingDuration.Observe(d.Seconds())
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
